package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics exported by the serving layer.
type Metrics struct {
	// Handshake metrics
	handshakesTotal   *prometheus.CounterVec
	handshakeDuration *prometheus.HistogramVec
	handshakeErrors   *prometheus.CounterVec

	// Connection metrics
	connectionsActive    prometheus.Gauge
	connectionsTotal     prometheus.Counter
	connectionDuration   prometheus.Histogram
	connectionsThrottled prometheus.Counter

	// Negotiation metrics
	serverNameDecisions *prometheus.CounterVec
	alpnSelections      *prometheus.CounterVec

	// Credential metrics
	credentialReloads *prometheus.CounterVec

	// Admin HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all serving-layer metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		handshakesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctx_handshakes_total",
				Help: "Total number of completed TLS handshakes by negotiated parameters",
			},
			[]string{"tls_version", "cipher", "resumed"},
		),

		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tlsctx_handshake_duration_seconds",
				Help:    "TLS handshake latency in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"tls_version"},
		),

		handshakeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctx_handshake_errors_total",
				Help: "Total number of failed TLS handshakes by reason",
			},
			[]string{"reason"},
		),

		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tlsctx_connections_active",
				Help: "Number of currently open TLS connections",
			},
		),

		connectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tlsctx_connections_total",
				Help: "Total number of accepted TLS connections",
			},
		),

		connectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tlsctx_connection_duration_seconds",
				Help:    "Connection lifetime in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
			},
		),

		connectionsThrottled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tlsctx_throttled_connections_total",
				Help: "Total number of connections dropped by the handshake throttle",
			},
		),

		serverNameDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctx_server_name_decisions_total",
				Help: "Total number of server name indication verdicts by outcome",
			},
			[]string{"outcome"},
		),

		alpnSelections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctx_alpn_selections_total",
				Help: "Total number of negotiated application protocols",
			},
			[]string{"protocol"},
		),

		credentialReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctx_credential_reloads_total",
				Help: "Total number of credential reload attempts by status",
			},
			[]string{"status"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tlsctx_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tlsctx_http_request_duration_seconds",
				Help:    "Admin HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	// Register all metrics
	registry.MustRegister(
		m.handshakesTotal,
		m.handshakeDuration,
		m.handshakeErrors,
		m.connectionsActive,
		m.connectionsTotal,
		m.connectionDuration,
		m.connectionsThrottled,
		m.serverNameDecisions,
		m.alpnSelections,
		m.credentialReloads,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordHandshake records a completed TLS handshake.
func (m *Metrics) RecordHandshake(version, cipher string, resumed bool, duration time.Duration) {
	m.handshakesTotal.WithLabelValues(version, cipher, strconv.FormatBool(resumed)).Inc()
	m.handshakeDuration.WithLabelValues(version).Observe(duration.Seconds())
}

// RecordHandshakeError records a failed TLS handshake.
func (m *Metrics) RecordHandshakeError(reason string) {
	m.handshakeErrors.WithLabelValues(reason).Inc()
}

// RecordConnectionOpened records an accepted connection.
func (m *Metrics) RecordConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

// RecordConnectionClosed records a finished connection and its lifetime.
func (m *Metrics) RecordConnectionClosed(duration time.Duration) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(duration.Seconds())
}

// RecordConnectionThrottled records a connection dropped before the handshake
// because its source exceeded the configured rate.
func (m *Metrics) RecordConnectionThrottled() {
	m.connectionsThrottled.Inc()
}

// RecordServerNameDecision records a server name indication verdict.
func (m *Metrics) RecordServerNameDecision(outcome string) {
	m.serverNameDecisions.WithLabelValues(outcome).Inc()
}

// RecordALPNSelection records the application protocol negotiated for a
// connection. The empty protocol is reported as "none".
func (m *Metrics) RecordALPNSelection(protocol string) {
	if protocol == "" {
		protocol = "none"
	}
	m.alpnSelections.WithLabelValues(protocol).Inc()
}

// RecordCredentialReload records a credential reload attempt.
func (m *Metrics) RecordCredentialReload(status string) {
	m.credentialReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records an admin HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware creates HTTP middleware that records request metrics.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := adminEndpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

func (rw *responseWriter) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := rw.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// adminEndpointName extracts a normalized endpoint name from the path
func adminEndpointName(path string) string {
	switch path {
	case "/healthz":
		return "healthz"
	case "/readyz":
		return "readyz"
	case "/metrics":
		return "metrics"
	default:
		return "unknown"
	}
}
