package perf

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/polisai/tlsctx/internal/certgen"
	"github.com/polisai/tlsctx/internal/server"
	"github.com/polisai/tlsctx/pkg/authz"
	"github.com/polisai/tlsctx/pkg/config"
	"github.com/polisai/tlsctx/pkg/engine"
	"github.com/polisai/tlsctx/pkg/tlscontext"
)

const benchPolicy = `package tlsctx.authz

default allow := false

allow if input.server_name == "api.example.com"
`

// startBenchServer brings up the TLS endpoint on a loopback port with a
// development bundle and returns its address plus a pool trusting the CA.
func startBenchServer(b *testing.B) (string, *x509.CertPool) {
	b.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dir := b.TempDir()
	if err := certgen.DevBundle(dir); err != nil {
		b.Fatalf("failed to generate dev bundle: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Address:      "127.0.0.1:0",
			AdminAddress: "localhost:0",
		},
		Context: config.ContextConfig{
			Credentials: config.CredentialConfig{
				CertFile: filepath.Join(dir, "server.crt"),
				KeyFile:  filepath.Join(dir, "server.key"),
			},
			SNI: map[string]config.TLSCertConfig{
				"api.example.com": {
					CertFile: filepath.Join(dir, "api.crt"),
					KeyFile:  filepath.Join(dir, "api.key"),
				},
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		b.Fatalf("failed to validate config: %v", err)
	}

	srv, err := server.New(context.Background(), cfg, logger)
	if err != nil {
		b.Fatalf("failed to build server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		b.Fatalf("failed to start server: %v", err)
	}
	b.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})

	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		b.Fatalf("failed to read dev CA: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		b.Fatal("dev CA certificate did not parse")
	}

	return srv.Addr().String(), pool
}

// BenchmarkHandshake_Default measures a full TLS 1.3 handshake against the
// default context, one connection per iteration.
func BenchmarkHandshake_Default(b *testing.B) {
	addr, pool := startBenchServer(b)
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "localhost"}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		conn, err := tls.Dial("tcp", addr, clientCfg)
		if err != nil {
			b.Fatalf("handshake failed: %v", err)
		}
		_ = conn.Close()
	}
}

// BenchmarkHandshake_VirtualHost measures the same handshake routed through
// the SNI virtual host table to a derived context.
func BenchmarkHandshake_VirtualHost(b *testing.B) {
	addr, pool := startBenchServer(b)
	clientCfg := &tls.Config{RootCAs: pool, ServerName: "api.example.com"}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		conn, err := tls.Dial("tcp", addr, clientCfg)
		if err != nil {
			b.Fatalf("handshake failed: %v", err)
		}
		_ = conn.Close()
	}
}

// BenchmarkCreateSession measures per-connection session allocation on a
// shared context.
func BenchmarkCreateSession(b *testing.B) {
	ctx, err := tlscontext.New(engine.VersionAuto, nil)
	if err != nil {
		b.Fatalf("failed to create context: %v", err)
	}
	b.Cleanup(ctx.Close)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := ctx.CreateSession(); err != nil {
			b.Fatalf("failed to create session: %v", err)
		}
	}
}

// BenchmarkMatchHostnamePattern measures the wildcard matcher on the SNI
// routing hot path.
func BenchmarkMatchHostnamePattern(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if !tlscontext.MatchHostnamePattern("api.staging.example.com", "*.staging.example.com") {
			b.Fatal("expected pattern to match")
		}
		if tlscontext.MatchHostnamePattern("api.staging.example.com", "*.example.com") {
			b.Fatal("wildcard must not cross label boundaries")
		}
	}
}

func benchSession(b *testing.B, name string) *engine.Session {
	b.Helper()

	ctx, err := tlscontext.New(engine.VersionAuto, nil)
	if err != nil {
		b.Fatalf("failed to create context: %v", err)
	}
	b.Cleanup(ctx.Close)

	sess, err := ctx.CreateSession()
	if err != nil {
		b.Fatalf("failed to create session: %v", err)
	}
	sess.SetServerName(name)
	return sess
}

// BenchmarkGateEvaluate_CacheHit measures the per-connection cost of an
// authorization verdict served from the LRU cache.
func BenchmarkGateEvaluate_CacheHit(b *testing.B) {
	gate, err := authz.NewGate(context.Background(), authz.Options{Module: benchPolicy}, nil)
	if err != nil {
		b.Fatalf("failed to create gate: %v", err)
	}

	sess := benchSession(b, "api.example.com")
	if got := gate.Evaluate(sess); got != tlscontext.ServerNameFound {
		b.Fatalf("warmup verdict = %v, want %v", got, tlscontext.ServerNameFound)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if got := gate.Evaluate(sess); got != tlscontext.ServerNameFound {
			b.Fatalf("verdict = %v, want %v", got, tlscontext.ServerNameFound)
		}
	}
}

// BenchmarkGateEvaluate_PolicyQuery measures the full Rego evaluation with
// caching disabled.
func BenchmarkGateEvaluate_PolicyQuery(b *testing.B) {
	gate, err := authz.NewGate(context.Background(), authz.Options{
		Module:          benchPolicy,
		CacheMaxEntries: -1,
	}, nil)
	if err != nil {
		b.Fatalf("failed to create gate: %v", err)
	}

	sess := benchSession(b, "api.example.com")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if got := gate.Evaluate(sess); got != tlscontext.ServerNameFound {
			b.Fatalf("verdict = %v, want %v", got, tlscontext.ServerNameFound)
		}
	}
}
