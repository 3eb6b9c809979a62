package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs Metrics backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/icons/icon-192.png", nil)
	r = InjectTags(r)
	SetStrategy(r.Context(), "cache-first")
	SetCacheResult(r.Context(), CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "pwa_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "strategy", "cache-first"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "pwa_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "pwa_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include route attribute
	_, hasRoute := dps[0].Attributes.Value(attribute.Key("route"))
	require.False(t, hasRoute)
}

func TestRecordHTTP_DetailMetricWithRoute(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/__pwa/status", nil)
	r = InjectTags(r)
	SetCacheResult(r.Context(), CacheNA)
	SetRoute(r, "status")

	RecordHTTP(context.Background(), r, http.StatusOK, 64, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "pwa_cache_http_requests_by_route_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "status"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusGatewayTimeout, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "pwa_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "strategy", "none"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "5xx"))

	require.Empty(t, findCounter(rm, "pwa_cache_http_requests_by_route_total"))
}

func TestRecordStoreOp(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordStoreOp(context.Background(), "bolt", "put", "success", time.Millisecond, 512)
	RecordStoreOp(context.Background(), "bolt", "match", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "pwa_cache_store_ops_total")
	require.Len(t, dps, 2)

	bytesDps := findCounter(rm, "pwa_cache_store_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "put"))
}

func TestRecordLifecycleEvent(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordLifecycleEvent(ctx, "install", "v2", "success", 20*time.Millisecond)
	RecordLifecycleEvent(ctx, "fetch", "v2", "success", time.Millisecond)
	RecordInstallAssets(ctx, "v2", 3, 1)
	RecordNamespacesDeleted(ctx, "activate", 2)

	rm := collectMetrics(t, reader)

	require.Len(t, findCounter(rm, "pwa_cache_lifecycle_events_total"), 2)

	// Only install/activate record a duration
	histDps := findHistogram(rm, "pwa_cache_lifecycle_event_duration_seconds")
	require.Len(t, histDps, 1)
	require.True(t, hasAttr(histDps[0].Attributes, "event", "install"))

	assets := findCounter(rm, "pwa_cache_install_assets_total")
	require.Len(t, assets, 2)
	for _, dp := range assets {
		if hasAttr(dp.Attributes, "outcome", "cached") {
			require.EqualValues(t, 3, dp.Value)
		} else {
			require.EqualValues(t, 1, dp.Value)
		}
	}

	deleted := findCounter(rm, "pwa_cache_namespaces_deleted_total")
	require.Len(t, deleted, 1)
	require.EqualValues(t, 2, deleted[0].Value)
}

func TestRecordControlMessage_UnknownCollapsed(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordControlMessage(context.Background(), "SKIP_WAITING", true)
	RecordControlMessage(context.Background(), "PING", false)
	RecordControlMessage(context.Background(), "HELLO", false)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "pwa_cache_control_messages_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "type", "unknown") {
			require.EqualValues(t, 2, dp.Value)
		}
	}
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := InjectTags(httptest.NewRequest(http.MethodGet, "/", nil))
	ctx := context.Background()

	// Should not panic
	RecordHTTP(ctx, r, http.StatusOK, 0, time.Millisecond)
	RecordStoreOp(ctx, "memory", "put", "success", time.Millisecond, 1)
	RecordEntryWrite(ctx, "runtime", 1)
	RecordOriginFetch(ctx, "origin", time.Millisecond, 1, "success")
	RecordLifecycleEvent(ctx, "activate", "v1", "success", time.Millisecond)
	RecordInstallAssets(ctx, "v1", 1, 0)
	RecordNamespacesDeleted(ctx, "clear", 1)
	RecordControlMessage(ctx, "CLEAR_CACHE", true)
	UpdateControlledClients(ctx, "v1", 2)
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
