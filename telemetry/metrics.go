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
	meterName = "github.com/wolfeidau/pwa-cache"
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
	requestsTotal        metric.Int64Counter
	responseBytesTotal   metric.Int64Counter
	requestDuration      metric.Float64Histogram
	requestsByRouteTotal metric.Int64Counter

	originFetchDuration   metric.Float64Histogram
	originFetchTotal      metric.Int64Counter
	originFetchBytesTotal metric.Int64Counter

	storeOpDuration metric.Float64Histogram
	storeOpsTotal   metric.Int64Counter
	storeBytesTotal metric.Int64Counter
	entryWriteSize  metric.Float64Histogram

	lifecycleEventsTotal    metric.Int64Counter
	lifecycleEventDuration  metric.Float64Histogram
	installAssetsTotal      metric.Int64Counter
	namespacesDeletedTotal  metric.Int64Counter
	controlledClients       metric.Int64Gauge
	controlMessagesReceived metric.Int64Counter

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
		cfg.ServiceName = "pwa-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"pwa_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"pwa_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"pwa_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByRouteTotal, err = meter.Int64Counter(
		"pwa_cache_http_requests_by_route_total",
		metric.WithDescription("Total number of HTTP requests by server route (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.originFetchDuration, err = meter.Float64Histogram(
		"pwa_cache_origin_fetch_duration_seconds",
		metric.WithDescription("Duration of network fetches to the application origin"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.originFetchTotal, err = meter.Int64Counter(
		"pwa_cache_origin_fetch_total",
		metric.WithDescription("Total number of network fetches to the application origin"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.originFetchBytesTotal, err = meter.Int64Counter(
		"pwa_cache_origin_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the application origin"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.storeOpDuration, err = meter.Float64Histogram(
		"pwa_cache_store_op_duration_seconds",
		metric.WithDescription("Duration of cache storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.storeOpsTotal, err = meter.Int64Counter(
		"pwa_cache_store_ops_total",
		metric.WithDescription("Total number of cache storage operations"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, err
	}

	if m.storeBytesTotal, err = meter.Int64Counter(
		"pwa_cache_store_bytes_total",
		metric.WithDescription("Total bytes transferred in cache storage operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.entryWriteSize, err = meter.Float64Histogram(
		"pwa_cache_entry_write_size_bytes",
		metric.WithDescription("Body size of entries written to a namespace"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	); err != nil {
		return nil, err
	}

	if m.lifecycleEventsTotal, err = meter.Int64Counter(
		"pwa_cache_lifecycle_events_total",
		metric.WithDescription("Total worker lifecycle events dispatched"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}

	if m.lifecycleEventDuration, err = meter.Float64Histogram(
		"pwa_cache_lifecycle_event_duration_seconds",
		metric.WithDescription("Duration of install and activate events"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.installAssetsTotal, err = meter.Int64Counter(
		"pwa_cache_install_assets_total",
		metric.WithDescription("Manifest assets processed during install"),
		metric.WithUnit("{asset}"),
	); err != nil {
		return nil, err
	}

	if m.namespacesDeletedTotal, err = meter.Int64Counter(
		"pwa_cache_namespaces_deleted_total",
		metric.WithDescription("Cache namespaces deleted by activate or clear"),
		metric.WithUnit("{namespace}"),
	); err != nil {
		return nil, err
	}

	if m.controlledClients, err = meter.Int64Gauge(
		"pwa_cache_controlled_clients",
		metric.WithDescription("Clients controlled by the active worker"),
		metric.WithUnit("{client}"),
	); err != nil {
		return nil, err
	}

	if m.controlMessagesReceived, err = meter.Int64Counter(
		"pwa_cache_control_messages_total",
		metric.WithDescription("Control-channel messages received"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, err
	}

	return m, nil
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

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Strategy and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	strategy := "none"
	cacheResult := string(CacheBypass)
	route := ""
	if tags != nil {
		if tags.Strategy != "" {
			strategy = tags.Strategy
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		route = tags.Route
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {strategy, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if route != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("status_class", statusClass),
		}
		globalMetrics.requestsByRouteTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordStoreOp records a cache storage operation.
func RecordStoreOp(ctx context.Context, driver, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("driver", driver),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordEntryWrite records an entry written to a namespace of the given kind
// ("static" or "runtime").
func RecordEntryWrite(ctx context.Context, kind string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("strategy", StrategyFromContext(ctx)),
	}
	globalMetrics.entryWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordOriginFetch records a network fetch to the origin.
func RecordOriginFetch(ctx context.Context, strategy string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("outcome", outcome),
	}
	globalMetrics.originFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.originFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.originFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordLifecycleEvent records one install, activate, fetch or message event.
// Duration is only recorded for install and activate.
func RecordLifecycleEvent(ctx context.Context, event, version, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("version", version),
		attribute.String("outcome", outcome),
	)
	globalMetrics.lifecycleEventsTotal.Add(ctx, 1, attrs)
	if event == "install" || event == "activate" {
		globalMetrics.lifecycleEventDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordInstallAssets records the outcome of an install's precache pass.
func RecordInstallAssets(ctx context.Context, version string, cached, failed int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.installAssetsTotal.Add(ctx, int64(cached), metric.WithAttributes(
		attribute.String("version", version), attribute.String("outcome", "cached")))
	globalMetrics.installAssetsTotal.Add(ctx, int64(failed), metric.WithAttributes(
		attribute.String("version", version), attribute.String("outcome", "failed")))
}

// RecordNamespacesDeleted records namespaces removed by reason ("activate" or "clear").
func RecordNamespacesDeleted(ctx context.Context, reason string, deleted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.namespacesDeletedTotal.Add(ctx, int64(deleted), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordControlMessage records a control-channel message by type.
func RecordControlMessage(ctx context.Context, msgType string, recognised bool) {
	if globalMetrics == nil {
		return
	}
	if !recognised {
		msgType = "unknown"
	}
	globalMetrics.controlMessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}

// UpdateControlledClients records the number of clients under the active worker.
func UpdateControlledClients(ctx context.Context, version string, clients int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.controlledClients.Record(ctx, int64(clients), metric.WithAttributes(attribute.String("version", version)))
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

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
