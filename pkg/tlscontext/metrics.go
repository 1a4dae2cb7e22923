package tlscontext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	ctxMetricsInst *ContextMetricsCollector
)

// ContextMetricsCollector handles context-manager metrics collection
type ContextMetricsCollector struct {
	// Handshake metrics
	handshakesTotal   metric.Int64Counter
	handshakeErrors   metric.Int64Counter
	handshakeDuration metric.Float64Histogram

	// Distribution metrics
	versionDistribution metric.Int64Counter
	cipherDistribution  metric.Int64Counter

	// Extension metrics
	sniRequests    metric.Int64Counter
	sniMisses      metric.Int64Counter
	alpnSelections metric.Int64Counter
	alpnMisses     metric.Int64Counter

	// Credential metrics
	credentialLoads   metric.Int64Counter
	credentialReloads metric.Int64Counter
	certificateExpiry metric.Float64Gauge

	// Session metrics
	sessionsMinted   metric.Int64Counter
	sessionsRemoved  metric.Int64Counter
	sessionStoreSize metric.Int64UpDownCounter

	logger *slog.Logger
}

// GetContextMetricsCollector returns the singleton context metrics collector
func GetContextMetricsCollector(logger *slog.Logger) (*ContextMetricsCollector, error) {
	metricsOnce.Do(func() {
		ctxMetricsInst, metricsInitErr = newContextMetricsCollector(logger)
	})
	return ctxMetricsInst, metricsInitErr
}

// newContextMetricsCollector creates a new context metrics collector
func newContextMetricsCollector(logger *slog.Logger) (*ContextMetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("tlsctx.context")

	collector := &ContextMetricsCollector{
		logger: logger,
	}

	var err error

	// Handshake metrics
	collector.handshakesTotal, err = meter.Int64Counter(
		"tlsctx_handshakes_total",
		metric.WithDescription("Total number of TLS handshakes completed"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeErrors, err = meter.Int64Counter(
		"tlsctx_handshake_errors_total",
		metric.WithDescription("Total number of TLS handshake failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handshakeDuration, err = meter.Float64Histogram(
		"tlsctx_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Distribution metrics
	collector.versionDistribution, err = meter.Int64Counter(
		"tlsctx_version_total",
		metric.WithDescription("TLS handshakes by negotiated protocol version"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	collector.cipherDistribution, err = meter.Int64Counter(
		"tlsctx_cipher_suite_total",
		metric.WithDescription("TLS handshakes by negotiated cipher suite"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	// Extension metrics
	collector.sniRequests, err = meter.Int64Counter(
		"tlsctx_sni_requests_total",
		metric.WithDescription("Total number of server name indications evaluated"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	collector.sniMisses, err = meter.Int64Counter(
		"tlsctx_sni_misses_total",
		metric.WithDescription("Total number of server names not acknowledged"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	collector.alpnSelections, err = meter.Int64Counter(
		"tlsctx_alpn_selections_total",
		metric.WithDescription("Total number of application protocol selections"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		return nil, err
	}

	collector.alpnMisses, err = meter.Int64Counter(
		"tlsctx_alpn_misses_total",
		metric.WithDescription("Total number of selections with no protocol overlap"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	// Credential metrics
	collector.credentialLoads, err = meter.Int64Counter(
		"tlsctx_credential_loads_total",
		metric.WithDescription("Total number of certificate and key load operations"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, err
	}

	collector.credentialReloads, err = meter.Int64Counter(
		"tlsctx_credential_reloads_total",
		metric.WithDescription("Total number of watcher-driven credential reloads"),
		metric.WithUnit("{reload}"),
	)
	if err != nil {
		return nil, err
	}

	collector.certificateExpiry, err = meter.Float64Gauge(
		"tlsctx_certificate_expiry_timestamp",
		metric.WithDescription("Leaf certificate expiry timestamp in Unix seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Session metrics
	collector.sessionsMinted, err = meter.Int64Counter(
		"tlsctx_sessions_minted_total",
		metric.WithDescription("Resumption sessions offered to the lifecycle relay"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	collector.sessionsRemoved, err = meter.Int64Counter(
		"tlsctx_sessions_removed_total",
		metric.WithDescription("Resumption sessions evicted from caches"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	collector.sessionStoreSize, err = meter.Int64UpDownCounter(
		"tlsctx_session_store_entries",
		metric.WithDescription("Resumption sessions currently held by the session store"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandshakeSuccess records a successful TLS handshake
func (c *ContextMetricsCollector) RecordHandshakeSuccess(ctx context.Context, version, cipherSuite, serverName, protocol string, duration time.Duration, resumed bool) {
	attrs := []attribute.KeyValue{
		attribute.String("tls_version", version),
		attribute.String("cipher_suite", cipherSuite),
		attribute.String("server_name", serverName),
		attribute.String("protocol", protocol),
		attribute.Bool("resumed", resumed),
	}

	c.handshakesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if duration > 0 {
		c.handshakeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}

	c.versionDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tls_version", version),
	))

	c.cipherDistribution.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cipher_suite", cipherSuite),
	))

	c.logger.Debug("TLS handshake completed",
		"tls_version", version,
		"cipher_suite", cipherSuite,
		"server_name", serverName,
		"protocol", protocol,
		"resumed", resumed,
		"handshake_duration", duration)
}

// RecordHandshakeError records a TLS handshake failure
func (c *ContextMetricsCollector) RecordHandshakeError(ctx context.Context, serverName, errorType, errorMsg string) {
	attrs := []attribute.KeyValue{
		attribute.String("server_name", serverName),
		attribute.String("error_type", errorType),
	}

	c.handshakeErrors.Add(ctx, 1, metric.WithAttributes(attrs...))

	c.logger.Warn("TLS handshake failed",
		"server_name", serverName,
		"error_type", errorType,
		"error", errorMsg)
}

// RecordCredentialLoad records a certificate or key load operation
func (c *ContextMetricsCollector) RecordCredentialLoad(ctx context.Context, source string, success bool) {
	c.credentialLoads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.Bool("success", success),
	))
}

// RecordCredentialReload records a watcher-driven credential reload
func (c *ContextMetricsCollector) RecordCredentialReload(ctx context.Context, certFile string, success bool, errorMsg string) {
	c.credentialReloads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cert_file", certFile),
		attribute.Bool("success", success),
	))

	if success {
		c.logger.Info("Credentials reloaded",
			"cert_file", certFile)
	} else {
		c.logger.Error("Credential reload failed",
			"cert_file", certFile,
			"error", errorMsg)
	}
}

// RecordCertificateExpiry records the active leaf certificate's expiry
func (c *ContextMetricsCollector) RecordCertificateExpiry(ctx context.Context, subject string, expiryTime time.Time) {
	c.certificateExpiry.Record(ctx, float64(expiryTime.Unix()), metric.WithAttributes(
		attribute.String("subject", subject),
	))

	daysUntilExpiry := int(time.Until(expiryTime).Hours() / 24)

	if daysUntilExpiry <= 0 {
		c.logger.Error("Certificate has expired",
			"subject", subject,
			"expired_on", expiryTime)
	} else if daysUntilExpiry <= 30 {
		c.logger.Warn("Certificate expires soon",
			"subject", subject,
			"expires_on", expiryTime,
			"days_remaining", daysUntilExpiry)
	}
}

// RecordSNIRequest records a server name indication and its outcome
func (c *ContextMetricsCollector) RecordSNIRequest(ctx context.Context, serverName string, outcome ServerNameOutcome) {
	c.sniRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server_name", serverName),
		attribute.String("outcome", outcome.String()),
	))

	if outcome != ServerNameFound {
		c.sniMisses.Add(ctx, 1, metric.WithAttributes(
			attribute.String("server_name", serverName),
		))
	}
}

// RecordALPNSelection records a negotiation-time protocol selection
func (c *ContextMetricsCollector) RecordALPNSelection(ctx context.Context, selected string, groupIndex int, matched bool) {
	c.alpnSelections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("selected", selected),
		attribute.Int("group_index", groupIndex),
		attribute.Bool("matched", matched),
	))

	if !matched {
		c.alpnMisses.Add(ctx, 1)
	}
}

// RecordSessionMinted records a resumption session entering the relay
func (c *ContextMetricsCollector) RecordSessionMinted(ctx context.Context, accepted bool) {
	c.sessionsMinted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("accepted", accepted),
	))
}

// RecordSessionRemoved records a resumption session leaving a cache
func (c *ContextMetricsCollector) RecordSessionRemoved(ctx context.Context) {
	c.sessionsRemoved.Add(ctx, 1)
}

// AddStoreEntries adjusts the session store occupancy gauge
func (c *ContextMetricsCollector) AddStoreEntries(ctx context.Context, delta int64) {
	c.sessionStoreSize.Add(ctx, delta)
}
