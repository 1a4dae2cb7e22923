package tlscontext

import (
	"context"
	"log/slog"
	"time"
)

// ContextLogger provides structured logging for context-manager events
type ContextLogger struct {
	logger *slog.Logger
}

// NewContextLogger creates a new context-manager logger
func NewContextLogger(logger *slog.Logger) *ContextLogger {
	if logger == nil {
		logger = slog.Default()
	}

	return &ContextLogger{
		logger: logger.With("component", "tlscontext"),
	}
}

// LogCredentialLoad logs certificate chain and private key loading events
func (l *ContextLogger) LogCredentialLoad(ctx context.Context, certSource, keySource string, success bool, err error) {
	level := slog.LevelInfo
	message := "Credentials loaded successfully"

	if !success {
		level = slog.LevelError
		message = "Credential loading failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "credential_load"),
		slog.String("cert_source", certSource),
		slog.String("key_source", keySource),
		slog.Bool("success", success),
		slog.Time("timestamp", time.Now()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

// LogClientCAListSkipped logs a client CA list that failed to load and was
// skipped rather than failing the configuration call
func (l *ContextLogger) LogClientCAListSkipped(ctx context.Context, path string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Client CA list not loaded, continuing without it",
		slog.String("event", "client_ca_list_skipped"),
		slog.String("path", path),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

// LogServerNameDecision logs the outcome of the server-name callback
func (l *ContextLogger) LogServerNameDecision(ctx context.Context, serverName string, outcome ServerNameOutcome) {
	level := slog.LevelDebug
	message := "Server name evaluated"

	if outcome == ServerNameNotFoundFatal {
		level = slog.LevelWarn
		message = "Server name rejected, handshake aborted"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "server_name_decision"),
		slog.String("server_name", serverName),
		slog.String("outcome", outcome.String()),
		slog.Time("timestamp", time.Now()),
	)
}

// LogClientHelloObserverFailure logs a client-hello observer error that was
// swallowed to keep the handshake alive
func (l *ContextLogger) LogClientHelloObserverFailure(ctx context.Context, serverName string, index int, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "Client hello observer failed",
		slog.String("event", "client_hello_observer_failure"),
		slog.String("server_name", serverName),
		slog.Int("observer_index", index),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

// LogProtocolAdvertisement logs protocol advertisement configuration changes
func (l *ContextLogger) LogProtocolAdvertisement(ctx context.Context, groupCount int, totalWeight uint64, primary string, enabled bool) {
	level := slog.LevelInfo
	message := "Protocol advertisement configured"

	if !enabled {
		level = slog.LevelWarn
		message = "Protocol advertisement disabled"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "protocol_advertisement"),
		slog.Int("group_count", groupCount),
		slog.Uint64("total_weight", totalWeight),
		slog.String("primary_offer", primary),
		slog.Bool("enabled", enabled),
		slog.Time("timestamp", time.Now()),
	)
}

// LogProtocolSelection logs negotiation-time protocol selection
func (l *ContextLogger) LogProtocolSelection(ctx context.Context, serverName, selected string, groupIndex int, matched bool) {
	level := slog.LevelDebug
	message := "Application protocol selected"

	if !matched {
		message = "No application protocol overlap with peer"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "protocol_selection"),
		slog.String("server_name", serverName),
		slog.String("selected", selected),
		slog.Int("group_index", groupIndex),
		slog.Bool("matched", matched),
		slog.Time("timestamp", time.Now()),
	)
}

// LogSessionMinted logs a freshly established resumption session entering the
// lifecycle relay
func (l *ContextLogger) LogSessionMinted(ctx context.Context, key string, observed, stored bool) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Session minted",
		slog.String("event", "session_minted"),
		slog.String("session_key", key),
		slog.Bool("observer_notified", observed),
		slog.Bool("manager_accepted", stored),
		slog.Time("timestamp", time.Now()),
	)
}

// LogSessionRemoved logs a resumption session leaving the cache
func (l *ContextLogger) LogSessionRemoved(ctx context.Context, key string) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Session removed",
		slog.String("event", "session_removed"),
		slog.String("session_key", key),
		slog.Time("timestamp", time.Now()),
	)
}

// LogAcceptRunnerChange logs accept-runner replacement, including rejected
// nil assignments
func (l *ContextLogger) LogAcceptRunnerChange(ctx context.Context, accepted bool) {
	level := slog.LevelInfo
	message := "Accept runner replaced"

	if !accepted {
		level = slog.LevelError
		message = "Ignoring attempt to set null accept runner"
	}

	l.logger.LogAttrs(ctx, level, message,
		slog.String("event", "accept_runner_change"),
		slog.Bool("accepted", accepted),
		slog.Time("timestamp", time.Now()),
	)
}

// LogPasswordRequest logs password collector invocations for encrypted keys
func (l *ContextLogger) LogPasswordRequest(ctx context.Context, collector string, maxLen, gotLen int) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "Password requested for encrypted key",
		slog.String("event", "password_request"),
		slog.String("collector", collector),
		slog.Int("max_len", maxLen),
		slog.Int("got_len", gotLen),
		slog.Time("timestamp", time.Now()),
	)
}

// LogCredentialReload logs watcher-driven credential reload events
func (l *ContextLogger) LogCredentialReload(ctx context.Context, certFile string, success bool, err error) {
	level := slog.LevelInfo
	message := "Credentials reloaded"

	if !success {
		level = slog.LevelError
		message = "Credential reload failed"
	}

	attrs := []slog.Attr{
		slog.String("event", "credential_reload"),
		slog.String("cert_file", certFile),
		slog.Bool("success", success),
		slog.Time("timestamp", time.Now()),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}
