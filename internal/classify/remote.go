package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tablescribe/tablescribe/internal/resilience"
	"github.com/tablescribe/tablescribe/pkg/provider/llm"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Remote classifies segments against a hosted LLM API. Concurrency is
// bounded and every call passes through the shared rate limiter; an explicit
// 429 penalizes the limiter for a full period before the normal backoff so
// the remote window can drain.
type Remote struct {
	provider llm.Provider
	limiter  *resilience.Limiter
	retry    resilience.RetryConfig
	workers  int
	audit    AuditFunc

	// sleep is injectable so tests run without wall-clock backoff.
	sleep resilience.Sleeper
}

// RemoteConfig tunes a Remote classifier.
type RemoteConfig struct {
	// Retries is the attempt budget per segment. Default: 3.
	Retries int

	// BaseDelay seeds the exponential backoff. Default: 1s.
	BaseDelay time.Duration

	// Workers bounds concurrent in-flight requests. Default: 4. The rate
	// limiter remains the real throughput cap; this only limits memory held
	// by in-flight prompts.
	Workers int
}

// RemoteOption configures a Remote classifier.
type RemoteOption func(*Remote)

// WithRemoteAudit registers an audit sink for every prompt/response
// exchange.
func WithRemoteAudit(fn AuditFunc) RemoteOption {
	return func(r *Remote) { r.audit = fn }
}

// NewRemote creates a Remote classifier over provider, throttled by limiter.
func NewRemote(provider llm.Provider, limiter *resilience.Limiter, cfg RemoteConfig, opts ...RemoteOption) (*Remote, error) {
	if provider == nil {
		return nil, fmt.Errorf("classify: provider must not be nil")
	}
	if limiter == nil {
		return nil, fmt.Errorf("classify: limiter must not be nil")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	r := &Remote{
		provider: provider,
		limiter:  limiter,
		retry: resilience.RetryConfig{
			Retries:   cfg.Retries,
			BaseDelay: cfg.BaseDelay,
		},
		workers: cfg.Workers,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Classify implements [Classifier]. Segments are classified concurrently;
// results stay positionally aligned with the input.
func (r *Remote) Classify(ctx context.Context, segments []types.LabeledSegment, roster Roster) ([]types.Classification, error) {
	out := make([]types.Classification, len(segments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i := range segments {
		g.Go(func() error {
			out[i] = r.classifyOne(gctx, segments, i, roster)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Remote) classifyOne(ctx context.Context, segments []types.LabeledSegment, index int, roster Roster) types.Classification {
	prompt := BuildPrompt(segments, index, roster)
	temp := defaultTemperature
	opts := llm.Options{Temperature: &temp, MaxTokens: defaultNumPredict}

	var content string
	err := resilience.Retry(ctx, r.retry, r.sleep, func() error {
		if err := r.limiter.Acquire(ctx); err != nil {
			return err
		}
		resp, err := r.provider.Complete(ctx, llm.CompletionRequest{Prompt: prompt, Options: opts})
		if resp != nil {
			content = resp.Content
		}
		if r.audit != nil {
			r.audit(AuditRecord{
				SegmentIndex: index,
				Prompt:       prompt,
				Response:     content,
				Model:        r.provider.ModelName(),
				Options: map[string]any{
					"temperature": temp,
					"max_tokens":  opts.MaxTokens,
				},
				Attempt: "remote",
			})
		}
		if errors.Is(err, llm.ErrRateLimited) {
			slog.Warn("rate limited by remote API, penalizing limiter", "segment", index)
			if perr := r.limiter.Penalize(ctx, 0); perr != nil {
				return perr
			}
		}
		return err
	})
	if err != nil {
		slog.Error("remote classification failed for segment, defaulting to IC", "segment", index, "error", err)
		return defaulted(index)
	}
	return ParseResponse(content, index, roster)
}

var _ Classifier = (*Remote)(nil)
