package telemetry

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// startRecordedSpan returns a recording span and a collect function that ends
// the span and returns everything the recorder captured.
func startRecordedSpan(t *testing.T) (trace.Span, func() []sdktrace.ReadOnlySpan) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "accept")

	return span, func() []sdktrace.ReadOnlySpan {
		span.End()
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown tracer provider: %v", err)
		}
		return recorder.Ended()
	}
}

func TestRecordHandshakeAnnotatesSpan(t *testing.T) {
	span, collect := startRecordedSpan(t)

	RecordHandshake(span, tls.ConnectionState{
		Version:            tls.VersionTLS13,
		CipherSuite:        tls.TLS_AES_128_GCM_SHA256,
		ServerName:         "edge.internal",
		NegotiatedProtocol: "h2",
		DidResume:          true,
	}, nil)

	spans := collect()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value(attribute.Key("tls.protocol.version")); !ok || value.AsString() != "TLS 1.3" {
		t.Fatalf("expected TLS 1.3 version attribute, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("tls.cipher")); !ok || value.AsString() != "TLS_AES_128_GCM_SHA256" {
		t.Fatalf("expected cipher suite attribute, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("tls.alpn.protocol")); !ok || value.AsString() != "h2" {
		t.Fatalf("expected negotiated protocol attribute, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("tls.resumed")); !ok || !value.AsBool() {
		t.Fatalf("expected resumed attribute true")
	}
	if value, ok := attrs.Value(attribute.Key("tls.server.name")); !ok || value.AsString() != "edge.internal" {
		t.Fatalf("expected server name attribute, got %v", value)
	}
}

func TestRecordHandshakeFailure(t *testing.T) {
	span, collect := startRecordedSpan(t)

	RecordHandshake(span, tls.ConnectionState{}, errors.New("remote error: tls: bad certificate"))

	spans := collect()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "tls.handshake.failed" {
		t.Fatalf("expected a handshake failure event, got %v", events)
	}

	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value(attribute.Key("tls.handshake.error")); !ok || value.AsString() == "" {
		t.Fatalf("expected handshake error attribute")
	}
	if _, ok := attrs.Value(attribute.Key("tls.protocol.version")); ok {
		t.Fatalf("failed handshakes must not report a protocol version")
	}
}

func TestRecordServerNameDecision(t *testing.T) {
	span, collect := startRecordedSpan(t)

	RecordServerNameDecision(span, "unknown.internal", tlscontext.ServerNameNotFoundFatal)

	spans := collect()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	attrs := attribute.NewSet(spans[0].Attributes()...)
	if value, ok := attrs.Value(attribute.Key("tls.server.name")); !ok || value.AsString() != "unknown.internal" {
		t.Fatalf("expected server name attribute, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("tls.server_name.outcome")); !ok || value.AsString() != "not_found_fatal" {
		t.Fatalf("expected not_found_fatal outcome, got %v", value)
	}

	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "tls.server_name.rejected" {
		t.Fatalf("expected a rejection event, got %v", events)
	}
}

func TestRecordVerificationEvent(t *testing.T) {
	span, collect := startRecordedSpan(t)

	RecordVerificationEvent(span, false, "x509: certificate has expired", 3)

	spans := collect()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	events := spans[0].Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 verification event, got %d", len(events))
	}
	event := events[0]
	if event.Name != "tls.verify" {
		t.Fatalf("unexpected event name %q", event.Name)
	}

	attrs := attribute.NewSet(event.Attributes...)
	if value, ok := attrs.Value(attribute.Key("tls.verify.ok")); !ok || value.AsBool() {
		t.Fatalf("expected tls.verify.ok attribute false")
	}
	if value, ok := attrs.Value(attribute.Key("tls.verify.chain_length")); !ok || value.AsInt64() != 3 {
		t.Fatalf("expected chain length 3, got %v", value)
	}
	if value, ok := attrs.Value(attribute.Key("tls.verify.failure_reason")); !ok || value.AsString() != "x509: certificate has expired" {
		t.Fatalf("expected failure reason attribute, got %v", value)
	}
}
