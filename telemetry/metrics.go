// Package telemetry provides OpenTelemetry metrics for the media cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/media-cache"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	downloadsTotal       metric.Int64Counter
	downloadDuration     metric.Float64Histogram
	downloadBytesTotal   metric.Int64Counter
	retriesScheduledTotal metric.Int64Counter

	fetchDuration   metric.Float64Histogram
	fetchTotal      metric.Int64Counter
	fetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	cacheSizeBytes metric.Int64Gauge
	cacheItems     metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "media-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	downloadsTotal, err := meter.Int64Counter(
		"media_cache_downloads_total",
		metric.WithDescription("Total number of download jobs completed"),
		metric.WithUnit("{download}"),
	)
	if err != nil {
		return err
	}

	downloadDuration, err := meter.Float64Histogram(
		"media_cache_download_duration_seconds",
		metric.WithDescription("Download job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	downloadBytesTotal, err := meter.Int64Counter(
		"media_cache_download_bytes_total",
		metric.WithDescription("Total bytes persisted by completed downloads"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	retriesScheduledTotal, err := meter.Int64Counter(
		"media_cache_retries_scheduled_total",
		metric.WithDescription("Total transient-failure retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return err
	}

	fetchDuration, err := meter.Float64Histogram(
		"media_cache_fetch_duration_seconds",
		metric.WithDescription("Duration of remote fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	fetchTotal, err := meter.Int64Counter(
		"media_cache_fetch_total",
		metric.WithDescription("Total number of remote fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	fetchBytesTotal, err := meter.Int64Counter(
		"media_cache_fetch_bytes_total",
		metric.WithDescription("Total bytes read from remote fetches"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	backendRequestDuration, err := meter.Float64Histogram(
		"media_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of cache directory storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	backendRequestsTotal, err := meter.Int64Counter(
		"media_cache_backend_requests_total",
		metric.WithDescription("Total number of cache directory storage operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	backendBytesTotal, err := meter.Int64Counter(
		"media_cache_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in storage operations"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"media_cache_size_bytes",
		metric.WithDescription("Total bytes held by cached entries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheItems, err := meter.Int64Gauge(
		"media_cache_items",
		metric.WithDescription("Number of cached entries per media kind"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		downloadsTotal:        downloadsTotal,
		downloadDuration:      downloadDuration,
		downloadBytesTotal:    downloadBytesTotal,
		retriesScheduledTotal: retriesScheduledTotal,
		fetchDuration:         fetchDuration,
		fetchTotal:            fetchTotal,
		fetchBytesTotal:       fetchBytesTotal,
		backendRequestDuration: backendRequestDuration,
		backendRequestsTotal:   backendRequestsTotal,
		backendBytesTotal:      backendBytesTotal,
		cacheSizeBytes:         cacheSizeBytes,
		cacheItems:             cacheItems,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordDownload records the outcome of a completed download job.
// outcome is "cached", "transient_failure", "permanent_failure", or "cancelled".
func RecordDownload(ctx context.Context, kind string, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.downloadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.downloadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.downloadBytesTotal.Add(ctx, bytes, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordRetryScheduled records a scheduled transient-failure retry.
func RecordRetryScheduled(ctx context.Context, kind string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.retriesScheduledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordFetch records a remote fetch request. Called by the instrumented
// transport, once per HTTP round trip.
func RecordFetch(ctx context.Context, kind string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}
	globalMetrics.fetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.fetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.fetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordBackendOp records a cache directory storage operation.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordCacheStats records the aggregate cache gauges. Called by the stats
// aggregator after each recompute.
func RecordCacheStats(ctx context.Context, totalSizeBytes int64, itemsByKind map[string]int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.cacheSizeBytes.Record(ctx, totalSizeBytes)
	for kind, count := range itemsByKind {
		globalMetrics.cacheItems.Record(ctx, int64(count),
			metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// Meter returns the meter for packages that manage their own instruments.
func Meter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
