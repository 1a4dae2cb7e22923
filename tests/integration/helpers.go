package integration

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/polisai/tlsctx/internal/certgen"
	"github.com/polisai/tlsctx/internal/server"
	"github.com/polisai/tlsctx/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// devConfig writes a development certificate bundle into a test directory
// and returns a server configuration serving it, a pool trusting the
// bundle's CA, and the bundle directory. Both listeners bind
// kernel-assigned loopback ports.
func devConfig(t *testing.T) (*config.Config, *x509.CertPool, string) {
	t.Helper()

	dir := t.TempDir()
	if err := certgen.DevBundle(dir); err != nil {
		t.Fatalf("failed to generate dev bundle: %v", err)
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
		},
	}

	caPEM, err := os.ReadFile(filepath.Join(dir, "ca.crt"))
	if err != nil {
		t.Fatalf("failed to read dev CA: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatal("dev CA certificate did not parse")
	}
	return cfg, pool, dir
}

// startServer validates the configuration, builds the server, and starts
// it. Shutdown runs on test cleanup.
func startServer(t *testing.T, cfg *config.Config) *server.Server {
	t.Helper()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("failed to validate config: %v", err)
	}

	srv, err := server.New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		_ = srv.Shutdown(context.Background())
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return srv
}

// dialState completes one handshake against the TLS listener and returns
// the negotiated connection state.
func dialState(t *testing.T, addr string, clientCfg *tls.Config) tls.ConnectionState {
	t.Helper()

	conn, err := tls.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", addr, err)
	}
	defer conn.Close()
	return conn.ConnectionState()
}

// adminGet fetches one admin endpoint and returns the status code and body.
func adminGet(t *testing.T, srv *server.Server, path string) (int, string) {
	t.Helper()

	resp, err := http.Get("http://" + srv.AdminAddr().String() + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read %s body: %v", path, err)
	}
	return resp.StatusCode, string(body)
}

// waitForMetric polls the admin metrics endpoint until the exposition
// contains want. Credential reloads and connection accounting run
// asynchronously, so samples can land shortly after the triggering event.
func waitForMetric(t *testing.T, srv *server.Server, want string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		status, body := adminGet(t, srv, "/metrics")
		if status == http.StatusOK && strings.Contains(body, want) {
			return
		}
		last = body
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("metrics never contained %q\nlast exposition:\n%s", want, last)
}

// leafOrganization returns the first organization of the served leaf
// certificate, or the empty string when none is set.
func leafOrganization(state tls.ConnectionState) string {
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	org := state.PeerCertificates[0].Subject.Organization
	if len(org) == 0 {
		return ""
	}
	return org[0]
}
