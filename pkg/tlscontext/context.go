package tlscontext

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/tlsctx/pkg/engine"
)

// contextExDataIndex is the engine ex-data slot associating a handle with its
// owning Context. The association is registered at construction and cleared
// on Close; dispatch trampolines recover the owner through it rather than
// through any process-wide table.
var contextExDataIndex = engine.NewExDataIndex()

// Context centralizes the configuration needed to establish TLS connections:
// version bounds, cipher policy, credentials, peer verification, application
// protocol advertisement, and the pluggable capability slots invoked from
// inside handshakes. Configure it single-threaded, then share it read-only
// with connection-handling goroutines; CreateSession and callback dispatch
// are safe to run concurrently once no mutator runs.
type Context struct {
	eng     *engine.Context
	logger  *slog.Logger
	events  *ContextLogger
	metrics *ContextMetricsCollector

	mu sync.RWMutex

	serverNameCb   ServerNameCallback
	helloObservers []ClientHelloCallback
	passwords      PasswordCollector
	ticketHandler  TicketHandler
	acceptRunner   AcceptRunner
	observer       SessionLifecycleObserver
	sessionManager SessionManager

	advertised        advertisement
	alpnAllowMismatch bool

	checkPeerName bool
	pinnedName    string

	sources credentialSources

	closed bool
}

// New creates a context with a fresh engine handle at the given minimum
// protocol version. A floor of TLS 1.3 is rejected as unsupported. The
// baseline applied before returning: compression off, auto-retry on, the
// engine's internal session cache disabled in favor of lifecycle callbacks,
// and the owner association plus dispatch trampolines registered.
func New(minVersion engine.ProtoVersion, logger *slog.Logger) (*Context, error) {
	eng := engine.NewContext()
	if minVersion == engine.VersionTLS13 {
		eng.Free()
		return nil, NewVersionBoundsError("minimum protocol version TLS 1.3 is not supported").
			WithContext("min_version", minVersion.String())
	}
	if err := eng.SetMinProtoVersion(minVersion); err != nil {
		cfgErr := NewConfigurationError("set minimum protocol version: "+eng.Errors(), err).
			WithContext("min_version", minVersion.String())
		eng.Free()
		return nil, cfgErr
	}
	return newContext(eng, logger), nil
}

// Adopt wraps an externally supplied engine handle, sharing ownership with
// the caller. The handle's reference count is incremented and the same
// baseline as New is applied, but version bounds are left untouched.
func Adopt(eng *engine.Context, logger *slog.Logger) (*Context, error) {
	if eng == nil {
		return nil, NewInvalidArgumentError("engine context is nil")
	}
	if err := eng.UpRef(); err != nil {
		return nil, NewConfigurationError("adopt engine context", err)
	}
	return newContext(eng, logger), nil
}

func newContext(eng *engine.Context, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}

	// Get metrics collector (ignore error for now, it's optional)
	metrics, _ := GetContextMetricsCollector(logger)

	c := &Context{
		eng:               eng,
		logger:            logger.With("component", "tlscontext"),
		events:            NewContextLogger(logger),
		metrics:           metrics,
		acceptRunner:      inlineAcceptRunner{},
		alpnAllowMismatch: true,
	}
	c.applyBaseline()
	return c
}

// applyBaseline puts the engine handle into the manager's fixed starting
// state and wires every dispatch trampoline.
func (c *Context) applyBaseline() {
	c.eng.SetOptions(engine.OptNoCompression)
	c.eng.SetMode(engine.ModeAutoRetry)
	c.eng.SetSessionCacheMode(engine.SessionCacheBoth | engine.SessionCacheNoInternal | engine.SessionCacheNoAutoClear)
	c.eng.SetExData(contextExDataIndex, c)
	c.eng.SetServerNameCallback(dispatchServerName)
	c.eng.SetPasswordCallback(dispatchPassword)
	c.eng.SetNewSessionCallback(relayNewSession)
	c.eng.SetRemoveSessionCallback(relayRemoveSession)
}

// Close drops this manager's reference on the engine handle and severs the
// owner association. Exactly one reference is released no matter how often
// Close is called.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.eng.SetExData(contextExDataIndex, nil)
	c.eng.Free()
}

// Engine exposes the underlying handle for collaborators that speak the
// engine API directly.
func (c *Context) Engine() *engine.Context { return c.eng }

// CreateSession spawns one per-connection session object carrying the
// context's peer-name policy and, when a session manager is installed, a
// resumption lookup backed by it.
func (c *Context) CreateSession() (*engine.Session, error) {
	sess, err := c.eng.NewSession()
	if err != nil {
		return nil, NewSessionAllocationError(err)
	}

	c.mu.RLock()
	check, pinned := c.checkPeerName, c.pinnedName
	manager := c.sessionManager
	c.mu.RUnlock()

	sess.SetPeerNameCheck(check, pinned)
	if manager != nil {
		sess.SetResumptionLookup(func(key string) (*tls.ClientSessionState, bool) {
			state := manager.LookupSession(key)
			if state == nil {
				return nil, false
			}
			cs := state.ClientState()
			state.Release()
			if cs == nil {
				return nil, false
			}
			return cs, true
		})
	}
	return sess, nil
}

// Authenticate configures peer authentication in one call. With checkCert
// set, the verification mode requires and verifies the peer certificate and
// checkName/pinnedName control hostname verification. With checkCert unset,
// verification is disabled entirely and any pinned name is cleared, since a
// name check cannot outlive the certificate check.
func (c *Context) Authenticate(checkCert, checkName bool, pinnedName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if checkCert {
		c.eng.SetVerify(engine.VerifyPeer | engine.VerifyFailIfNoPeerCert | engine.VerifyClientOnce)
		c.checkPeerName = checkName
		if checkName {
			c.pinnedName = pinnedName
		} else {
			c.pinnedName = ""
		}
		return
	}

	c.eng.SetVerify(engine.VerifyNone)
	c.checkPeerName = false
	c.pinnedName = ""
}

// SetVerificationPolicy resolves the three verification toggles and applies
// the combined mode.
func (c *Context) SetVerificationPolicy(p VerificationPolicy) error {
	mode, err := p.Resolve()
	if err != nil {
		return err
	}
	c.eng.SetVerify(mode)
	return nil
}

// VerifyMode returns the effective native verification mode.
func (c *Context) VerifyMode() engine.VerifyMode { return c.eng.GetVerify() }

// PeerNameCheck reports whether hostname verification is enabled and the
// pinned name, empty when the session's own server name applies.
func (c *Context) PeerNameCheck() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkPeerName, c.pinnedName
}

// SetAcceptRunner replaces the accept runner. A nil runner is ignored with
// an error log; the previous runner stays active.
func (c *Context) SetAcceptRunner(runner AcceptRunner) {
	if runner == nil {
		c.events.LogAcceptRunnerChange(context.Background(), false)
		return
	}
	c.mu.Lock()
	c.acceptRunner = runner
	c.mu.Unlock()
	c.events.LogAcceptRunnerChange(context.Background(), true)
}

// AcceptRunner returns the active accept runner, never nil.
func (c *Context) AcceptRunner() AcceptRunner {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acceptRunner
}

// SetMinProtoVersion adjusts the protocol floor after construction.
func (c *Context) SetMinProtoVersion(v engine.ProtoVersion) error {
	if v == engine.VersionTLS13 {
		return NewVersionBoundsError("minimum protocol version TLS 1.3 is not supported").
			WithContext("min_version", v.String())
	}
	if err := c.eng.SetMinProtoVersion(v); err != nil {
		return c.configError("set minimum protocol version", err)
	}
	return nil
}

// SetMaxProtoVersion adjusts the protocol ceiling.
func (c *Context) SetMaxProtoVersion(v engine.ProtoVersion) error {
	if err := c.eng.SetMaxProtoVersion(v); err != nil {
		return c.configError("set maximum protocol version", err)
	}
	return nil
}

// DisableTLS13 caps negotiation at TLS 1.2 for stacks that misbehave on 1.3.
func (c *Context) DisableTLS13() error {
	return c.SetMaxProtoVersion(engine.VersionTLS12)
}

// EnableTLS13 restores the default ceiling.
func (c *Context) EnableTLS13() error {
	return c.SetMaxProtoVersion(engine.VersionAuto)
}

// SetCipherList installs the TLS 1.2-and-below cipher preference list.
// Unknown names are skipped; a list resolving to nothing is an error.
func (c *Context) SetCipherList(names []string) error {
	if err := c.eng.SetCipherList(names); err != nil {
		return c.configError("set cipher list", err)
	}
	return nil
}

// SetCipherSuites validates the TLS 1.3 suite list.
func (c *Context) SetCipherSuites(names []string) error {
	if err := c.eng.SetCipherSuites(names); err != nil {
		return c.configError("set TLS 1.3 cipher suites", err)
	}
	return nil
}

// SetClientECCurves installs the elliptic curve preference list offered on
// client handshakes.
func (c *Context) SetClientECCurves(names []string) error {
	if err := c.eng.SetCurves(names); err != nil {
		return c.configError("set client curves", err)
	}
	return nil
}

// SetServerECCurve pins the curve used for server key exchange.
func (c *Context) SetServerECCurve(name string) error {
	if err := c.eng.SetCurves([]string{name}); err != nil {
		return c.configError("set server curve", err)
	}
	return nil
}

// SetSignatureSchemes restricts the signature algorithms offered with the
// context's certificate.
func (c *Context) SetSignatureSchemes(schemes []tls.SignatureScheme) {
	c.eng.SetSignatureSchemes(schemes)
}

// SetOptions ORs engine option bits in and returns the resulting mask.
func (c *Context) SetOptions(opts engine.Options) engine.Options {
	return c.eng.SetOptions(opts)
}

// SetSessionCacheContext scopes resumption keys to the given identity,
// truncated to the engine's context length bound.
func (c *Context) SetSessionCacheContext(id string) {
	c.eng.SetSessionCacheContext(id)
}

// SetVerifyTime overrides the clock used for certificate validity checks,
// nil restoring the real clock.
func (c *Context) SetVerifyTime(now func() time.Time) {
	c.eng.SetVerifyTime(now)
}

// configError wraps an engine failure, appending the drained error-queue
// text so nothing stays queued across calls.
func (c *Context) configError(op string, cause error) *Error {
	msg := op
	if q := c.eng.Errors(); q != "" {
		msg = op + ": " + q
	}
	return NewConfigurationError(msg, cause)
}
