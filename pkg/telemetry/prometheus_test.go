package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// gatherValue returns the sample value for the named metric with exactly the
// given labels, failing the test when no such series exists.
func gatherValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if len(metric.GetLabel()) != len(labels) {
				continue
			}
			match := true
			for _, lp := range metric.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					match = false
					break
				}
			}
			if !match {
				continue
			}
			switch {
			case metric.GetCounter() != nil:
				return metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				return metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				return float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func TestMetricsRecordHandshake(t *testing.T) {
	m := NewMetrics()

	m.RecordHandshake("TLS 1.3", "TLS_AES_128_GCM_SHA256", false, 12*time.Millisecond)
	m.RecordHandshake("TLS 1.3", "TLS_AES_128_GCM_SHA256", false, 8*time.Millisecond)
	m.RecordHandshake("TLS 1.2", "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", true, 3*time.Millisecond)

	fresh := gatherValue(t, m, "tlsctx_handshakes_total", map[string]string{
		"tls_version": "TLS 1.3",
		"cipher":      "TLS_AES_128_GCM_SHA256",
		"resumed":     "false",
	})
	if fresh != 2 {
		t.Fatalf("expected 2 fresh handshakes, got %v", fresh)
	}

	resumed := gatherValue(t, m, "tlsctx_handshakes_total", map[string]string{
		"tls_version": "TLS 1.2",
		"cipher":      "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		"resumed":     "true",
	})
	if resumed != 1 {
		t.Fatalf("expected 1 resumed handshake, got %v", resumed)
	}

	samples := gatherValue(t, m, "tlsctx_handshake_duration_seconds", map[string]string{
		"tls_version": "TLS 1.3",
	})
	if samples != 2 {
		t.Fatalf("expected 2 duration samples for TLS 1.3, got %v", samples)
	}
}

func TestMetricsConnectionLifecycle(t *testing.T) {
	m := NewMetrics()

	m.RecordConnectionOpened()
	m.RecordConnectionOpened()
	m.RecordConnectionClosed(250 * time.Millisecond)

	if active := gatherValue(t, m, "tlsctx_connections_active", nil); active != 1 {
		t.Fatalf("expected 1 active connection, got %v", active)
	}
	if total := gatherValue(t, m, "tlsctx_connections_total", nil); total != 2 {
		t.Fatalf("expected 2 total connections, got %v", total)
	}
	if closed := gatherValue(t, m, "tlsctx_connection_duration_seconds", nil); closed != 1 {
		t.Fatalf("expected 1 duration sample, got %v", closed)
	}
}

func TestMetricsALPNSelectionEmptyProtocol(t *testing.T) {
	m := NewMetrics()

	m.RecordALPNSelection("h2")
	m.RecordALPNSelection("")

	if h2 := gatherValue(t, m, "tlsctx_alpn_selections_total", map[string]string{"protocol": "h2"}); h2 != 1 {
		t.Fatalf("expected 1 h2 selection, got %v", h2)
	}
	if none := gatherValue(t, m, "tlsctx_alpn_selections_total", map[string]string{"protocol": "none"}); none != 1 {
		t.Fatalf("expected empty protocol to count as none, got %v", none)
	}
}

func TestMetricsHandlerServesExposition(t *testing.T) {
	m := NewMetrics()
	m.RecordHandshakeError("handshake_failure")
	m.RecordServerNameDecision("found")
	m.RecordCredentialReload("success")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics handler, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"tlsctx_handshake_errors_total",
		"tlsctx_server_name_decisions_total",
		"tlsctx_credential_reloads_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %s:\n%s", want, body)
		}
	}
}

func TestMetricsMiddlewareRecordsRequests(t *testing.T) {
	m := NewMetrics()

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	count := gatherValue(t, m, "tlsctx_http_requests_total", map[string]string{
		"method":      "GET",
		"endpoint":    "healthz",
		"status_code": "404",
	})
	if count != 1 {
		t.Fatalf("expected 1 recorded request, got %v", count)
	}
}
