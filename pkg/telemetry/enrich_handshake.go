package telemetry

import (
	"crypto/tls"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// RecordHandshake annotates the provided span with the outcome of a TLS
// handshake. On failure only the error is recorded; the connection state is
// not inspected. Attributes pass through the default redaction deny-list
// before they reach the span.
func RecordHandshake(span trace.Span, state tls.ConnectionState, err error) {
	if !span.IsRecording() {
		return
	}

	if err != nil {
		span.SetAttributes(attribute.String("tls.handshake.error", err.Error()))
		span.AddEvent("tls.handshake.failed")
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tls.protocol.version", tls.VersionName(state.Version)),
		attribute.String("tls.cipher", tls.CipherSuiteName(state.CipherSuite)),
		attribute.Bool("tls.resumed", state.DidResume),
	}

	if state.ServerName != "" {
		attrs = append(attrs, attribute.String("tls.server.name", state.ServerName))
	}
	if state.NegotiatedProtocol != "" {
		attrs = append(attrs, attribute.String("tls.alpn.protocol", state.NegotiatedProtocol))
	}
	if len(state.PeerCertificates) > 0 {
		attrs = append(attrs, attribute.String("tls.peer.subject", state.PeerCertificates[0].Subject.String()))
	}

	span.SetAttributes(RedactAttributes(nil, attrs)...)
}

// RecordServerNameDecision annotates the span with the verdict rendered for a
// client's server name indication.
func RecordServerNameDecision(span trace.Span, serverName string, outcome tlscontext.ServerNameOutcome) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(
		attribute.String("tls.server.name", serverName),
		attribute.String("tls.server_name.outcome", outcome.String()),
	)

	if outcome == tlscontext.ServerNameNotFoundFatal {
		span.AddEvent("tls.server_name.rejected")
	}
}

// RecordVerificationEvent attaches a coarse-grained peer verification event to
// the provided span without leaking certificate contents.
func RecordVerificationEvent(span trace.Span, verified bool, reason string, chainLength int) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("tls.verify.ok", verified),
		attribute.Int("tls.verify.chain_length", chainLength),
	}

	if reason != "" {
		attrs = append(attrs, attribute.String("tls.verify.failure_reason", reason))
	}

	span.AddEvent("tls.verify", trace.WithAttributes(attrs...))
}
