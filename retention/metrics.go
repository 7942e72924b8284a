package retention

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds retention-related OpenTelemetry metric instruments.
type Metrics struct {
	sweepsTotal      metric.Int64Counter
	sweepDuration    metric.Float64Histogram
	agedEvicted      metric.Int64Counter
	countEvicted     metric.Int64Counter
	sizeEvicted      metric.Int64Counter
	orphansDeleted   metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sweepsTotal, err := meter.Int64Counter(
		"media_cache_retention_sweeps_total",
		metric.WithDescription("Total number of retention sweeps"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"media_cache_retention_sweep_duration_seconds",
		metric.WithDescription("Retention sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	agedEvicted, err := meter.Int64Counter(
		"media_cache_retention_aged_evicted_total",
		metric.WithDescription("Total number of entries evicted for exceeding the maximum age"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	countEvicted, err := meter.Int64Counter(
		"media_cache_retention_count_evicted_total",
		metric.WithDescription("Total number of entries evicted for exceeding a per-kind count budget"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	sizeEvicted, err := meter.Int64Counter(
		"media_cache_retention_size_evicted_total",
		metric.WithDescription("Total number of entries evicted for exceeding the total size budget"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	orphansDeleted, err := meter.Int64Counter(
		"media_cache_retention_orphans_deleted_total",
		metric.WithDescription("Total number of orphaned files deleted (on disk but unclaimed by an entry)"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"media_cache_retention_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by retention sweeps"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"media_cache_retention_errors_total",
		metric.WithDescription("Total number of retention sweep errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"media_cache_retention_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last retention sweep"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"media_cache_retention_last_run_success",
		metric.WithDescription("Whether last retention sweep was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sweepsTotal:      sweepsTotal,
		sweepDuration:    sweepDuration,
		agedEvicted:      agedEvicted,
		countEvicted:     countEvicted,
		sizeEvicted:      sizeEvicted,
		orphansDeleted:   orphansDeleted,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}

// recordSweep records all instruments for a completed sweep. A nil receiver
// records nothing, which keeps metrics optional in tests.
func (m *Metrics) recordSweep(ctx context.Context, result *Result) {
	if m == nil {
		return
	}

	m.sweepsTotal.Add(ctx, 1)
	m.sweepDuration.Record(ctx, result.Duration.Seconds())
	m.agedEvicted.Add(ctx, int64(result.AgedEvicted))
	m.countEvicted.Add(ctx, int64(result.CountEvicted))
	m.sizeEvicted.Add(ctx, int64(result.SizeEvicted))
	m.orphansDeleted.Add(ctx, int64(result.OrphansDeleted))
	m.bytesReclaimed.Add(ctx, result.BytesReclaimed)
	m.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))
	if len(result.Errors) == 0 {
		m.lastRunSuccess.Record(ctx, 1)
	} else {
		m.lastRunSuccess.Record(ctx, 0)
	}
}
