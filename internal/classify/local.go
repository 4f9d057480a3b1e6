package classify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tablescribe/tablescribe/internal/resilience"
	"github.com/tablescribe/tablescribe/pkg/provider/llm"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Default generation options for local models. Low temperature keeps the
// field format stable; 200 tokens is ample for four short fields.
const (
	defaultTemperature = 0.1
	defaultNumPredict  = 200
	defaultNumCtx      = 2048
	lowVRAMNumCtx      = 1024
)

// memoryErrorMarkers identifies memory-pressure failures by message
// substring; local inference stacks do not expose a typed error for it.
var memoryErrorMarkers = []string{
	"memory layout",
	"out of memory",
	"cuda out of memory",
	"not enough memory",
	"oom",
}

// isMemoryError reports whether err looks like memory pressure.
func isMemoryError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range memoryErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Local classifies segments with an on-device model, one segment at a time.
//
// Memory-pressure recovery per segment: retry once with low-VRAM options,
// then once with the fallback model if one is configured and distinct from
// the primary, then default the segment to IC. Each model sits behind a
// circuit breaker, so a primary that keeps failing is skipped for the
// remaining segments instead of being retried hundreds of times.
type Local struct {
	provider llm.Provider
	fallback llm.Provider
	group    *resilience.FallbackGroup[llm.Provider]
	audit    AuditFunc
}

// LocalOption configures a Local classifier.
type LocalOption func(*Local)

// WithFallbackModel registers a fallback provider tried when the primary
// fails even in low-VRAM mode. Ignored if it names the same model as the
// primary.
func WithFallbackModel(p llm.Provider) LocalOption {
	return func(l *Local) { l.fallback = p }
}

// WithAudit registers an audit sink for every prompt/response exchange.
func WithAudit(fn AuditFunc) LocalOption {
	return func(l *Local) { l.audit = fn }
}

// NewLocal creates a Local classifier over provider.
func NewLocal(provider llm.Provider, opts ...LocalOption) (*Local, error) {
	if provider == nil {
		return nil, fmt.Errorf("classify: provider must not be nil")
	}
	l := &Local{provider: provider}
	for _, o := range opts {
		o(l)
	}
	if l.fallback != nil && l.fallback.ModelName() == provider.ModelName() {
		l.fallback = nil
	}
	l.group = resilience.NewFallbackGroup[llm.Provider](l.provider, l.provider.ModelName(), resilience.FallbackConfig{})
	if l.fallback != nil {
		l.group.AddFallback(l.fallback.ModelName(), l.fallback)
	}
	return l, nil
}

// Classify implements [Classifier].
func (l *Local) Classify(ctx context.Context, segments []types.LabeledSegment, roster Roster) ([]types.Classification, error) {
	WarnIfUnderProvisioned(l.provider.ModelName(), totalSystemRAM())

	out := make([]types.Classification, len(segments))
	for i := range segments {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.classifyOne(ctx, segments, i, roster)
	}
	return out, nil
}

func (l *Local) classifyOne(ctx context.Context, segments []types.LabeledSegment, index int, roster Roster) types.Classification {
	prompt := BuildPrompt(segments, index, roster)
	temp := defaultTemperature

	normal := llm.Options{Temperature: &temp, MaxTokens: defaultNumPredict, NumCtx: defaultNumCtx}
	lowVRAM := llm.Options{Temperature: &temp, MaxTokens: defaultNumPredict, NumCtx: lowVRAMNumCtx, LowVRAM: true}

	resp, err := resilience.ExecuteWithResult(l.group, func(p llm.Provider) (string, error) {
		attempt := "primary"
		if p != l.provider {
			attempt = "fallback-model"
		}
		resp, err := l.complete(ctx, p, prompt, normal, index, attempt)
		if err != nil && p == l.provider && isMemoryError(err) {
			slog.Warn("memory pressure during classification, retrying low-vram",
				"segment", index, "model", p.ModelName(), "error", err)
			return l.complete(ctx, p, prompt, lowVRAM, index, "low-vram")
		}
		return resp, err
	})
	if err != nil {
		slog.Error("classification failed for segment, defaulting to IC", "segment", index, "error", err)
		return defaulted(index)
	}
	return ParseResponse(resp, index, roster)
}

func (l *Local) complete(ctx context.Context, p llm.Provider, prompt string, opts llm.Options, index int, attempt string) (string, error) {
	resp, err := p.Complete(ctx, llm.CompletionRequest{Prompt: prompt, Options: opts})
	content := ""
	if resp != nil {
		content = resp.Content
	}
	if l.audit != nil {
		l.audit(AuditRecord{
			SegmentIndex: index,
			Prompt:       prompt,
			Response:     content,
			Model:        p.ModelName(),
			Options: map[string]any{
				"temperature": derefOr(opts.Temperature, 0),
				"num_predict": opts.MaxTokens,
				"num_ctx":     opts.NumCtx,
				"low_vram":    opts.LowVRAM,
			},
			Attempt: attempt,
		})
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

func derefOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

// paramCountRe extracts a parameter count like "7b" or "14B" from a model
// name such as "qwen2.5:14b-instruct".
var paramCountRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*b\b`)

// ramTiers maps minimum parameter count (billions) to the estimated RAM
// requirement in GiB.
var ramTiers = []struct {
	minParams float64
	needGiB   uint64
}{
	{20, 16},
	{14, 12},
	{10, 10},
	{7, 8},
	{5, 6},
}

// EstimateRAMGiB returns the estimated RAM requirement in GiB for a model
// name, or 0 when no parameter count is recognizable or the model is small
// enough not to matter.
func EstimateRAMGiB(modelName string) uint64 {
	m := paramCountRe.FindStringSubmatch(modelName)
	if m == nil {
		return 0
	}
	params, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	for _, tier := range ramTiers {
		if params >= tier.minParams {
			return tier.needGiB
		}
	}
	return 0
}

// WarnIfUnderProvisioned logs a warning when the host's RAM is below the
// model's estimated requirement. totalRAM of 0 (detection failed) warns
// nothing.
func WarnIfUnderProvisioned(modelName string, totalRAM uint64) {
	need := EstimateRAMGiB(modelName)
	if need == 0 || totalRAM == 0 {
		return
	}
	if totalRAM < need<<30 {
		slog.Warn("model may exceed available memory",
			"model", modelName,
			"estimated_need_gib", need,
			"total_ram_gib", totalRAM>>30,
		)
	}
}

// totalSystemRAM reads the host's total memory from /proc/meminfo. Returns
// 0 on platforms without it; the preflight warning is then skipped.
func totalSystemRAM() uint64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}

var _ Classifier = (*Local)(nil)
