package tlscontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetricsCollector swaps in a manual-reader meter provider and returns
// a freshly initialized collector bound to it.
func newTestMetricsCollector(t *testing.T) (*ContextMetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()

	collector, err := GetContextMetricsCollector(nil)
	require.NoError(t, err)
	return collector, reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordHandshakeSuccessEmitsCountersAndHistogram(t *testing.T) {
	collector, reader := newTestMetricsCollector(t)

	collector.RecordHandshakeSuccess(context.Background(),
		"TLS 1.3", "TLS_AES_128_GCM_SHA256", "edge.internal", "h2",
		150*time.Millisecond, false)

	metrics := collectMetrics(t, reader)

	total, ok := metrics["tlsctx_handshakes_total"]
	require.True(t, ok, "missing handshakes total metric")
	totalData, ok := total.Data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected data type for handshakes metric")
	require.Len(t, totalData.DataPoints, 1)
	assert.Equal(t, int64(1), totalData.DataPoints[0].Value)

	value, ok := totalData.DataPoints[0].Attributes.Value(attribute.Key("cipher_suite"))
	require.True(t, ok)
	assert.Equal(t, "TLS_AES_128_GCM_SHA256", value.AsString())

	hist, ok := metrics["tlsctx_handshake_duration_seconds"]
	require.True(t, ok, "missing handshake duration metric")
	histData, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "unexpected data type for duration metric")
	require.Len(t, histData.DataPoints, 1)
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count)
	assert.InDelta(t, 0.15, histData.DataPoints[0].Sum, 1e-9)

	version, ok := metrics["tlsctx_version_total"]
	require.True(t, ok, "missing version distribution metric")
	versionData, ok := version.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, versionData.DataPoints, 1)
	assert.Equal(t, int64(1), versionData.DataPoints[0].Value)
}

func TestRecordHandshakeErrorCountsFailures(t *testing.T) {
	collector, reader := newTestMetricsCollector(t)

	collector.RecordHandshakeError(context.Background(),
		"edge.internal", "verify_failed", "x509: certificate has expired")

	metrics := collectMetrics(t, reader)

	errs, ok := metrics["tlsctx_handshake_errors_total"]
	require.True(t, ok, "missing handshake errors metric")
	errData, ok := errs.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, errData.DataPoints, 1)
	assert.Equal(t, int64(1), errData.DataPoints[0].Value)

	value, ok := errData.DataPoints[0].Attributes.Value(attribute.Key("error_type"))
	require.True(t, ok)
	assert.Equal(t, "verify_failed", value.AsString())
}

func TestRecordSNIRequestCountsMisses(t *testing.T) {
	collector, reader := newTestMetricsCollector(t)

	collector.RecordSNIRequest(context.Background(), "a.internal", ServerNameFound)
	collector.RecordSNIRequest(context.Background(), "b.internal", ServerNameNotFoundFatal)

	metrics := collectMetrics(t, reader)

	requests, ok := metrics["tlsctx_sni_requests_total"]
	require.True(t, ok, "missing sni requests metric")
	requestData, ok := requests.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range requestData.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	misses, ok := metrics["tlsctx_sni_misses_total"]
	require.True(t, ok, "missing sni misses metric")
	missData, ok := misses.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, missData.DataPoints, 1)
	assert.Equal(t, int64(1), missData.DataPoints[0].Value)

	value, ok := missData.DataPoints[0].Attributes.Value(attribute.Key("server_name"))
	require.True(t, ok)
	assert.Equal(t, "b.internal", value.AsString())
}

func TestSessionMetricsTrackStoreOccupancy(t *testing.T) {
	collector, reader := newTestMetricsCollector(t)

	collector.RecordSessionMinted(context.Background(), true)
	collector.RecordSessionMinted(context.Background(), false)
	collector.AddStoreEntries(context.Background(), 1)
	collector.AddStoreEntries(context.Background(), -1)
	collector.RecordSessionRemoved(context.Background())

	metrics := collectMetrics(t, reader)

	minted, ok := metrics["tlsctx_sessions_minted_total"]
	require.True(t, ok, "missing sessions minted metric")
	mintedData, ok := minted.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range mintedData.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)

	removed, ok := metrics["tlsctx_sessions_removed_total"]
	require.True(t, ok, "missing sessions removed metric")
	removedData, ok := removed.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, removedData.DataPoints, 1)
	assert.Equal(t, int64(1), removedData.DataPoints[0].Value)

	size, ok := metrics["tlsctx_session_store_entries"]
	require.True(t, ok, "missing store occupancy metric")
	sizeData, ok := size.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sizeData.DataPoints, 1)
	assert.Equal(t, int64(0), sizeData.DataPoints[0].Value)
}
