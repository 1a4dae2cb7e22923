package e2e

import (
	"context"
	"net"
	"sync"
	"testing"

	collectortrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/grpc"
)

// mockTraceCollector is an in-process OTLP gRPC collector that records every
// exported resource span for later inspection.
type mockTraceCollector struct {
	collectortrace.UnimplementedTraceServiceServer

	t             *testing.T
	mu            sync.Mutex
	resourceSpans []*tracepb.ResourceSpans
	notify        chan struct{}
}

// startMockTraceCollector binds a loopback OTLP endpoint and returns the
// collector together with its host:port address.
func startMockTraceCollector(t *testing.T) (*mockTraceCollector, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start OTLP listener: %v", err)
	}

	collector := &mockTraceCollector{
		notify: make(chan struct{}, 1),
		t:      t,
	}

	server := grpc.NewServer()
	collectortrace.RegisterTraceServiceServer(server, collector)

	go func() {
		_ = server.Serve(lis)
	}()

	t.Cleanup(func() {
		server.Stop()
		_ = lis.Close()
	})

	return collector, lis.Addr().String()
}

func (m *mockTraceCollector) Export(_ context.Context, req *collectortrace.ExportTraceServiceRequest) (*collectortrace.ExportTraceServiceResponse, error) {
	m.mu.Lock()
	m.resourceSpans = append(m.resourceSpans, req.ResourceSpans...)
	m.mu.Unlock()

	if m.t != nil {
		m.t.Logf("received %d resource spans", len(req.ResourceSpans))
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return &collectortrace.ExportTraceServiceResponse{}, nil
}

// WaitForSpans blocks until at least minSpans spans have been exported or the
// context expires, returning the flattened spans seen so far.
func (m *mockTraceCollector) WaitForSpans(ctx context.Context, minSpans int) []*tracepb.Span {
	for {
		m.mu.Lock()
		spans := flattenResourceSpans(m.resourceSpans)
		m.mu.Unlock()

		if len(spans) >= minSpans {
			return spans
		}

		select {
		case <-ctx.Done():
			return spans
		case <-m.notify:
		}
	}
}

// ServiceNames returns the distinct service.name resource attribute values
// observed across all exports.
func (m *mockTraceCollector) ServiceNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := map[string]struct{}{}
	var names []string
	for _, rs := range m.resourceSpans {
		for _, kv := range rs.GetResource().GetAttributes() {
			if kv.GetKey() != "service.name" {
				continue
			}
			name := kv.GetValue().GetStringValue()
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	return names
}

func flattenResourceSpans(resSpans []*tracepb.ResourceSpans) []*tracepb.Span {
	var spans []*tracepb.Span
	for _, rs := range resSpans {
		for _, scope := range rs.ScopeSpans {
			spans = append(spans, scope.Spans...)
		}
	}
	return spans
}

// spansNamed filters the flattened spans by span name.
func spansNamed(spans []*tracepb.Span, name string) []*tracepb.Span {
	var out []*tracepb.Span
	for _, span := range spans {
		if span.GetName() == name {
			out = append(out, span)
		}
	}
	return out
}

// spanAttribute returns the string value of the named attribute and whether it
// is present on the span.
func spanAttribute(span *tracepb.Span, key string) (string, bool) {
	for _, kv := range span.GetAttributes() {
		if kv.GetKey() == key {
			return kv.GetValue().GetStringValue(), true
		}
	}
	return "", false
}

// spanHasEvent reports whether the span carries an event with the given name.
func spanHasEvent(span *tracepb.Span, name string) bool {
	for _, event := range span.GetEvents() {
		if event.GetName() == name {
			return true
		}
	}
	return false
}
