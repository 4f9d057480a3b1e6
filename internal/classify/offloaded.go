package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// ErrJobTimeout is returned when an offloaded worker does not produce a
// result within the configured timeout.
var ErrJobTimeout = errors.New("classify: offloaded job timed out")

// pendingDir and completeDir are the exchange subdirectories under the
// offload root. The external worker consumes from pending/ and writes
// {job_id}_result.json into complete/.
const (
	pendingDir  = "pending"
	completeDir = "complete"
)

// OffloadJob is the file written to pending/ for the external worker.
type OffloadJob struct {
	JobID    string   `json:"job_id"`
	Segments []string `json:"segments"`
	Roster   Roster   `json:"roster"`
	Created  string   `json:"created"`
}

// OffloadResult is the file the worker writes to complete/. Responses are
// raw model outputs, positionally aligned with the job's segments.
type OffloadResult struct {
	JobID     string   `json:"job_id"`
	Responses []string `json:"responses"`
	Model     string   `json:"model,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Offloaded hands classification to an external worker through a shared
// directory. The whole session's segments go out as one job; the worker runs
// the model wherever the GPU actually is.
type Offloaded struct {
	root         string
	pollInterval time.Duration
	timeout      time.Duration
	audit        AuditFunc
	newJobID     func() string
}

// OffloadedConfig tunes an Offloaded classifier.
type OffloadedConfig struct {
	// Root is the exchange directory containing pending/ and complete/.
	Root string

	// PollInterval is how often complete/ is checked for the result file.
	// Default: 5s.
	PollInterval time.Duration

	// Timeout bounds the total wait for a result. Default: 30m.
	Timeout time.Duration
}

// OffloadedOption configures an Offloaded classifier.
type OffloadedOption func(*Offloaded)

// WithOffloadedAudit registers an audit sink; records carry the worker's raw
// responses once the job completes.
func WithOffloadedAudit(fn AuditFunc) OffloadedOption {
	return func(o *Offloaded) { o.audit = fn }
}

// NewOffloaded creates an Offloaded classifier rooted at cfg.Root.
func NewOffloaded(cfg OffloadedConfig, opts ...OffloadedOption) (*Offloaded, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("classify: offload root must not be empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	o := &Offloaded{
		root:         cfg.Root,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		newJobID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Preflight verifies the exchange directories exist. The worker owns their
// creation; a missing directory means it was never set up.
func (o *Offloaded) Preflight(ctx context.Context) error {
	var errs []error
	for _, sub := range []string{pendingDir, completeDir} {
		dir := filepath.Join(o.root, sub)
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("classify: offload dir %s: %w", dir, err))
		case !info.IsDir():
			errs = append(errs, fmt.Errorf("classify: offload path %s is not a directory", dir))
		}
	}
	return errors.Join(errs...)
}

// Classify implements [Classifier]. It writes one job covering all segments,
// polls for the worker's result, and parses each raw response. On success
// both exchange files are removed; on timeout the job file is left for
// inspection.
func (o *Offloaded) Classify(ctx context.Context, segments []types.LabeledSegment, roster Roster) ([]types.Classification, error) {
	if len(segments) == 0 {
		return []types.Classification{}, nil
	}

	jobID := o.newJobID()
	jobPath := filepath.Join(o.root, pendingDir, jobID+".json")
	resultPath := filepath.Join(o.root, completeDir, jobID+"_result.json")

	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}
	job := OffloadJob{
		JobID:    jobID,
		Segments: texts,
		Roster:   roster,
		Created:  time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("classify: marshal offload job: %w", err)
	}
	if err := os.WriteFile(jobPath, data, 0o644); err != nil {
		return nil, fmt.Errorf("classify: write offload job: %w", err)
	}
	slog.Info("offloaded classification job submitted", "job_id", jobID, "segments", len(segments))

	result, err := o.awaitResult(ctx, resultPath)
	if err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, fmt.Errorf("classify: offloaded worker reported: %s", result.Error)
	}

	out := make([]types.Classification, len(segments))
	for i := range segments {
		if i >= len(result.Responses) {
			out[i] = defaulted(i)
			continue
		}
		if o.audit != nil {
			o.audit(AuditRecord{
				SegmentIndex: i,
				Prompt:       BuildPrompt(segments, i, roster),
				Response:     result.Responses[i],
				Model:        result.Model,
				Attempt:      "offloaded",
			})
		}
		out[i] = ParseResponse(result.Responses[i], i, roster)
	}

	if err := os.Remove(jobPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not remove completed offload job", "path", jobPath, "error", err)
	}
	if err := os.Remove(resultPath); err != nil {
		slog.Warn("could not remove offload result", "path", resultPath, "error", err)
	}
	return out, nil
}

func (o *Offloaded) awaitResult(ctx context.Context, resultPath string) (*OffloadResult, error) {
	deadline := time.Now().Add(o.timeout)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		data, err := os.ReadFile(resultPath)
		if err == nil {
			var result OffloadResult
			if err := json.Unmarshal(data, &result); err != nil {
				// The worker may still be writing; treat as not ready.
				slog.Debug("offload result not yet parseable", "path", resultPath, "error", err)
			} else {
				return &result, nil
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("classify: read offload result: %w", err)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s", ErrJobTimeout, o.timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ Classifier = (*Offloaded)(nil)
