// Package server implements the demonstration TLS endpoint: an accept loop
// driven entirely by contexts built from configuration, with virtual host
// routing, policy-gated server name admission, and an admin plane exposing
// health and metrics.
package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/tlsctx/pkg/authz"
	"github.com/polisai/tlsctx/pkg/config"
	"github.com/polisai/tlsctx/pkg/engine"
	"github.com/polisai/tlsctx/pkg/telemetry"
	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// Server terminates TLS connections using contexts assembled from a Config
// and answers each request with a report of the negotiated session.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	deflt  *config.Runtime
	vhosts map[string]*config.Runtime
	gate   *authz.Gate

	acceptCfg        *tls.Config
	handshakeTimeout time.Duration
	throttle         *handshakeThrottle

	mu            sync.Mutex
	running       bool
	listener      net.Listener
	adminListener net.Listener
	admin         *http.Server
	shutdown      chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// New builds the default context, one context per virtual host, and the
// authorization gate when enabled. The caller owns the result and must call
// Shutdown to release the contexts.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, tlscontext.NewInvalidArgumentError("server requires a configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Context.Credentials.CertFile == "" {
		return nil, tlscontext.NewError(tlscontext.ErrorTypeConfiguration, "server requires a certificate and key").
			WithSuggestion("Set context.credentials.cert_file and key_file in the configuration").
			WithSuggestion("Generate a development pair with the cert generate command")
	}

	metrics := telemetry.NewMetrics()
	reloadHook := func(err error) {
		if err != nil {
			metrics.RecordCredentialReload("error")
			return
		}
		metrics.RecordCredentialReload("success")
	}

	deflt, err := cfg.Context.Build(logger, reloadHook)
	if err != nil {
		return nil, fmt.Errorf("build default context: %w", err)
	}

	s := &Server{
		cfg:              cfg,
		logger:           logger.With("component", "server"),
		metrics:          metrics,
		tracer:           otel.Tracer("github.com/polisai/tlsctx/internal/server"),
		deflt:            deflt,
		handshakeTimeout: cfg.Server.EffectiveHandshakeTimeout(),
		throttle:         newHandshakeThrottle(cfg.Server.HandshakeRate, cfg.Server.HandshakeBurst),
		shutdown:         make(chan struct{}),
	}
	s.acceptCfg = s.acceptConfig()

	ok := false
	defer func() {
		if !ok {
			s.closeRuntimes()
		}
	}()

	s.vhosts, err = buildVirtualHosts(&cfg.Context, logger, reloadHook)
	if err != nil {
		return nil, err
	}

	if cfg.Authz.Enabled {
		source, filename, err := authz.LoadPolicy(cfg.Authz.PolicyFile, cfg.Authz.PolicyInline, cfg.Authz.PolicySHA256)
		if err != nil {
			return nil, fmt.Errorf("load authorization policy: %w", err)
		}
		onMiss, err := authz.ParseMissAction(cfg.Authz.OnMiss)
		if err != nil {
			return nil, err
		}
		gate, err := authz.NewGate(ctx, authz.Options{
			Module:   source,
			Filename: filename,
			Query:    cfg.Authz.Query,
			OnMiss:   onMiss,
		}, logger)
		if err != nil {
			return nil, err
		}
		s.gate = gate

		cb := meteredServerNameCallback{next: gate, metrics: s.metrics}
		s.deflt.Context.SetServerNameCallback(cb)
		for _, rt := range s.vhosts {
			rt.Context.SetServerNameCallback(cb)
		}
	}

	ok = true
	return s, nil
}

// Start binds the TLS listener and the admin listener and begins accepting
// connections. It returns once both listeners are live.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		return listenError(s.cfg.Server.Address, err)
	}

	adminListener, err := net.Listen("tcp", s.cfg.Server.AdminAddress)
	if err != nil {
		if closeErr := listener.Close(); closeErr != nil {
			s.logger.Error("Failed to close listener", "error", closeErr)
		}
		return listenError(s.cfg.Server.AdminAddress, err)
	}

	s.listener = listener
	s.adminListener = adminListener
	s.running = true

	s.startAdmin(adminListener)

	s.wg.Add(1)
	go s.acceptConnections(ctx, listener)

	s.logger.Info("TLS server started",
		"address", listener.Addr().String(),
		"admin_address", adminListener.Addr().String(),
		"virtual_hosts", len(s.vhosts),
		"authz", s.gate != nil)
	return nil
}

// listenError wraps a bind failure with operator guidance.
func listenError(address string, err error) error {
	lerr := tlscontext.NewErrorWithCause(tlscontext.ErrorTypeListenerCreate,
		fmt.Sprintf("failed to listen on %s", address), err).
		WithContext("address", address)

	switch {
	case strings.Contains(err.Error(), "address already in use"):
		lerr = lerr.WithSuggestion("Check if another instance is already running").
			WithSuggestion("Use a different port in the server configuration")
	case strings.Contains(err.Error(), "permission denied"):
		lerr = lerr.WithSuggestion("Use a port number above 1024").
			WithSuggestion("Run with elevated privileges if binding to a privileged port")
	}
	return lerr
}

// startAdmin serves health and metrics endpoints on the admin listener.
func (s *Server) startAdmin(listener net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", s.metrics.Handler())

	s.admin = &http.Server{
		Handler:           otelhttp.NewHandler(s.metrics.MetricsMiddleware(mux), "tlsctx.admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.admin.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", "error", err)
		}
	}()
}

// handleHealthz reports process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReadyz reports whether the default context can serve handshakes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := map[string]string{"status": "ready"}
	code := http.StatusOK
	if !s.deflt.Context.IsCertKeyPairValid() {
		status["status"] = "not_ready"
		status["reason"] = "default context has no usable credential"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// Addr returns the bound TLS listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// AdminAddr returns the bound admin listener address, nil before Start.
func (s *Server) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminListener == nil {
		return nil
	}
	return s.adminListener.Addr()
}

// acceptConnections handles incoming connections on the listener.
func (s *Server) acceptConnections(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()

	s.logger.Info("Accepting TLS connections", "address", listener.Addr().String())

	for {
		select {
		case <-s.shutdown:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			case <-ctx.Done():
				return
			default:
			}

			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		if !s.throttle.allow(conn.RemoteAddr(), time.Now()) {
			s.metrics.RecordConnectionThrottled()
			s.logger.Debug("Connection dropped by handshake throttle",
				"remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection processes one TLS connection end to end.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connectionStart := time.Now()
	remoteAddr := conn.RemoteAddr().String()

	s.metrics.RecordConnectionOpened()
	defer func() {
		s.metrics.RecordConnectionClosed(time.Since(connectionStart))
	}()

	_, span := s.tracer.Start(ctx, "tls.accept")
	defer span.End()

	handshakeStart := time.Now()
	tconn, err := s.handshake(conn)
	handshakeDuration := time.Since(handshakeStart)

	if err != nil {
		telemetry.RecordHandshake(span, tls.ConnectionState{}, err)
		s.metrics.RecordHandshakeError(handshakeErrorReason(err))
		s.logger.Warn("TLS handshake failed",
			"error", err,
			"remote_addr", remoteAddr,
			"duration", handshakeDuration)
		return
	}

	state := tconn.ConnectionState()
	telemetry.RecordHandshake(span, state, nil)
	s.metrics.RecordHandshake(tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite),
		state.DidResume, handshakeDuration)
	s.metrics.RecordALPNSelection(state.NegotiatedProtocol)

	s.logger.Debug("TLS handshake completed",
		"remote_addr", remoteAddr,
		"server_name", state.ServerName,
		"tls_version", tls.VersionName(state.Version),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
		"alpn", state.NegotiatedProtocol,
		"resumed", state.DidResume,
		"duration", handshakeDuration)

	if err := s.serveConnection(tconn, state, handshakeDuration); err != nil {
		s.logger.Debug("Connection ended with error", "error", err, "remote_addr", remoteAddr)
	}
}

// handshake runs the TLS handshake through the default context's accept
// runner so deployments can schedule handshake work off the accept goroutine.
func (s *Server) handshake(conn net.Conn) (*tls.Conn, error) {
	tconn := tls.Server(conn, s.acceptCfg)
	deadline := time.Now().Add(s.handshakeTimeout)

	done := make(chan error, 1)
	s.deflt.Context.AcceptRunner().Run(func() error {
		if err := tconn.SetDeadline(deadline); err != nil {
			return err
		}
		if err := tconn.Handshake(); err != nil {
			return err
		}
		return tconn.SetDeadline(time.Time{})
	}, func(err error) {
		done <- err
	})

	if err := <-done; err != nil {
		return nil, err
	}
	return tconn, nil
}

// handshakeErrorReason folds a handshake error into a bounded label value.
func handshakeErrorReason(err error) string {
	var unrecognized *engine.UnrecognizedNameError
	switch {
	case errors.As(err, &unrecognized):
		return "unrecognized_name"
	case errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no application protocol"):
		return "alpn_mismatch"
	case strings.Contains(msg, "certificate"):
		return "certificate"
	case strings.Contains(msg, "protocol version"):
		return "protocol_version"
	case strings.Contains(msg, "cipher"):
		return "cipher"
	default:
		return "handshake_failure"
	}
}

// sessionReport is the response body describing one negotiated session.
type sessionReport struct {
	Version            string   `json:"tls_version"`
	CipherSuite        string   `json:"cipher_suite"`
	ServerName         string   `json:"server_name,omitempty"`
	NegotiatedProtocol string   `json:"negotiated_protocol,omitempty"`
	Resumed            bool     `json:"resumed"`
	ClientAuth         bool     `json:"client_auth"`
	PeerSubjects       []string `json:"peer_subjects,omitempty"`
	HandshakeDuration  string   `json:"handshake_duration"`
}

func buildSessionReport(state tls.ConnectionState, handshakeDuration time.Duration) sessionReport {
	report := sessionReport{
		Version:            tls.VersionName(state.Version),
		CipherSuite:        tls.CipherSuiteName(state.CipherSuite),
		ServerName:         state.ServerName,
		NegotiatedProtocol: state.NegotiatedProtocol,
		Resumed:            state.DidResume,
		ClientAuth:         len(state.PeerCertificates) > 0,
		HandshakeDuration:  handshakeDuration.String(),
	}
	for _, cert := range state.PeerCertificates {
		report.PeerSubjects = append(report.PeerSubjects, cert.Subject.String())
	}
	return report
}

// serveConnection answers one plain HTTP/1.1 request on the established
// connection with a JSON report of the negotiated session, then closes.
func (s *Server) serveConnection(tconn *tls.Conn, state tls.ConnectionState, handshakeDuration time.Duration) error {
	if err := tconn.SetReadDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}

	req, err := http.ReadRequest(bufio.NewReader(tconn))
	if err != nil {
		if err == io.EOF {
			// Client closed without sending a request
			return nil
		}
		return fmt.Errorf("read request: %w", err)
	}

	body, err := json.Marshal(buildSessionReport(state, handshakeDuration))
	if err != nil {
		return err
	}

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Close:         true,
		Request:       req,
	}
	resp.Header.Set("Content-Type", "application/json")
	return resp.Write(tconn)
}

// Shutdown gracefully closes the listeners and waits for in-flight
// connections, releasing the contexts once drained or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		s.closeRuntimes()
		return nil
	}

	s.logger.Info("Shutting down TLS server")

	close(s.shutdown)

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.logger.Error("Failed to close listener", "error", err)
		}
		s.listener = nil
	}

	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			s.logger.Error("Failed to shut down admin server", "error", err)
		}
		s.admin = nil
		s.adminListener = nil
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All TLS connections closed gracefully")
	case <-ctx.Done():
		s.logger.Warn("TLS server shutdown timeout exceeded")
	}

	s.closeRuntimes()

	s.running = false
	s.logger.Info("TLS server shutdown complete")
	return nil
}

// closeRuntimes releases every context runtime exactly once.
func (s *Server) closeRuntimes() {
	s.closeOnce.Do(func() {
		for _, rt := range s.vhosts {
			rt.Close()
		}
		s.deflt.Close()
	})
}
