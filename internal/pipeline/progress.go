package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/tablescribe/tablescribe/internal/status"
)

// progressStep and progressInterval debounce status updates during long
// stages: an update goes out when progress advanced by at least 5% or 30
// seconds passed since the last one.
const (
	progressStep     = 0.05
	progressInterval = 30 * time.Second
)

// progressReporter forwards debounced per-stage progress to the status
// tracker. Not safe for concurrent use; stages report from a single
// goroutine.
type progressReporter struct {
	tracker   status.Tracker
	sessionID string
	stage     string

	clock  func() time.Time
	last   float64
	lastAt time.Time
}

func newProgressReporter(tracker status.Tracker, sessionID, stage string) *progressReporter {
	return &progressReporter{
		tracker:   tracker,
		sessionID: sessionID,
		stage:     stage,
		clock:     time.Now,
		last:      -1,
	}
}

// Report pushes fraction (in [0, 1]) to the tracker when it clears the
// debounce thresholds. Completion (fraction >= 1) always goes out. Tracker
// failures are logged, never fatal.
func (r *progressReporter) Report(ctx context.Context, fraction float64) {
	nowT := r.clock()
	if fraction < 1 && r.last >= 0 &&
		fraction-r.last < progressStep && nowT.Sub(r.lastAt) < progressInterval {
		return
	}
	r.last = fraction
	r.lastAt = nowT
	if err := r.tracker.UpdateStage(ctx, r.sessionID, r.stage, fraction); err != nil {
		slog.Warn("status update failed", "stage", r.stage, "error", err)
	}
}
