package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// InstrumentationName is the name used for OTEL instrumentation.
	InstrumentationName = "github.com/fyrsmithlabs/refine/internal/orchestrator"
)

// Metrics provides OpenTelemetry metrics for the orchestrator.
type Metrics struct {
	// Counters
	artifactsTotal    metric.Int64Counter
	revisionsTotal    metric.Int64Counter
	skippedTotal      metric.Int64Counter
	storeRecordsTotal metric.Int64Counter

	// Gauges (using UpDownCounter for gauge semantics)
	activeArtifacts metric.Int64UpDownCounter

	// Histograms
	artifactDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with the provided meter.
// If meter is nil, uses the global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}

	m := &Metrics{}
	var err error

	m.artifactsTotal, err = meter.Int64Counter(
		"refine.artifacts.total",
		metric.WithDescription("Artifacts finished, by stop reason"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return nil, err
	}

	m.revisionsTotal, err = meter.Int64Counter(
		"refine.revisions.generated.total",
		metric.WithDescription("Revisions produced by the generation service"),
		metric.WithUnit("{revision}"),
	)
	if err != nil {
		return nil, err
	}

	m.skippedTotal, err = meter.Int64Counter(
		"refine.artifacts.skipped.total",
		metric.WithDescription("Artifacts skipped because a previous run resolved them"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return nil, err
	}

	m.storeRecordsTotal, err = meter.Int64Counter(
		"refine.store.records.total",
		metric.WithDescription("Outcomes upserted to the result store"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.activeArtifacts, err = meter.Int64UpDownCounter(
		"refine.artifacts.active",
		metric.WithDescription("Artifacts currently in a revision loop"),
		metric.WithUnit("{artifact}"),
	)
	if err != nil {
		return nil, err
	}

	m.artifactDuration, err = meter.Float64Histogram(
		"refine.artifact.duration.seconds",
		metric.WithDescription("Wall time spent on one artifact"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) recordStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeArtifacts.Add(ctx, 1)
}

func (m *Metrics) recordFinished(ctx context.Context, reason string, generated int, d time.Duration) {
	if m == nil {
		return
	}
	m.activeArtifacts.Add(ctx, -1)
	m.artifactsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	if generated > 0 {
		m.revisionsTotal.Add(ctx, int64(generated))
	}
	m.artifactDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) recordSkipped(ctx context.Context) {
	if m == nil {
		return
	}
	m.skippedTotal.Add(ctx, 1)
}

func (m *Metrics) recordStored(ctx context.Context) {
	if m == nil {
		return
	}
	m.storeRecordsTotal.Add(ctx, 1)
}
