// Package observe provides OpenTelemetry metrics for the transcription
// pipeline, with a Prometheus exporter bridge so long sessions can be watched
// from a /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/tablescribe/tablescribe"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// StageDuration tracks wall-clock time per pipeline stage. Use with
	// attributes: attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// TranscriptionDuration tracks per-chunk transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// ClassificationDuration tracks per-segment LLM classification latency.
	ClassificationDuration metric.Float64Histogram

	// ChunksProcessed counts audio chunks through transcription. Use with
	// attribute.String("status", ...)
	ChunksProcessed metric.Int64Counter

	// SegmentsClassified counts classified segments. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("label", ...)
	SegmentsClassified metric.Int64Counter

	// ClassificationRetries counts low-vram and fallback-model retries. Use
	// with attribute.String("reason", ...)
	ClassificationRetries metric.Int64Counter

	// StageErrors counts stage failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("severity", ...)
	StageErrors metric.Int64Counter

	// ActiveSessions tracks pipeline runs currently in flight.
	ActiveSessions metric.Int64UpDownCounter
}

// stageBuckets defines histogram bucket boundaries (in seconds). Stages on a
// multi-hour session range from sub-second formatting to hour-long
// transcription.
var stageBuckets = []float64{
	0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600, 7200,
}

// callBuckets covers single model or transcription calls.
var callBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("tablescribe.stage.duration",
		metric.WithDescription("Wall-clock duration per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("tablescribe.transcription.duration",
		metric.WithDescription("Latency of per-chunk transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ClassificationDuration, err = m.Float64Histogram("tablescribe.classification.duration",
		metric.WithDescription("Latency of per-segment classification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChunksProcessed, err = m.Int64Counter("tablescribe.chunks.processed",
		metric.WithDescription("Total audio chunks transcribed by status."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsClassified, err = m.Int64Counter("tablescribe.segments.classified",
		metric.WithDescription("Total segments classified by backend and label."),
	); err != nil {
		return nil, err
	}
	if met.ClassificationRetries, err = m.Int64Counter("tablescribe.classification.retries",
		metric.WithDescription("Classification retries by reason."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("tablescribe.stage.errors",
		metric.WithDescription("Stage failures by stage and severity."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("tablescribe.active_sessions",
		metric.WithDescription("Pipeline runs currently in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStage records one stage's duration and, for failures, the error
// counter with the standard attribute set.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, elapsed time.Duration) {
	m.StageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
	if status != "completed" && status != "skipped" {
		m.StageErrors.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("stage", stage),
				attribute.String("severity", status),
			),
		)
	}
}

// RecordClassification records one classified segment with its latency.
func (m *Metrics) RecordClassification(ctx context.Context, backend, label string, elapsed time.Duration) {
	m.ClassificationDuration.Record(ctx, elapsed.Seconds())
	m.SegmentsClassified.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("label", label),
		),
	)
}

// RecordChunk records one transcribed chunk with its latency.
func (m *Metrics) RecordChunk(ctx context.Context, status string, elapsed time.Duration) {
	m.TranscriptionDuration.Record(ctx, elapsed.Seconds())
	m.ChunksProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
