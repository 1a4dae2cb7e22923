package engine

import (
	"crypto/tls"
	"sync/atomic"
)

// ServerNameAction is the outcome a server-name callback hands back to the
// handshake.
type ServerNameAction int

const (
	// SNIAccept acknowledges the extension and continues.
	SNIAccept ServerNameAction = iota
	// SNINoAck continues the handshake without acknowledging the extension.
	SNINoAck
	// SNIFatal aborts the handshake for an unrecognized name.
	SNIFatal
)

// ALPNAction is the outcome of application-protocol selection.
type ALPNAction int

const (
	// ALPNSelected negotiates the single returned protocol.
	ALPNSelected ALPNAction = iota
	// ALPNNoAck proceeds without a negotiated protocol.
	ALPNNoAck
	// ALPNFatal aborts the handshake with a no-application-protocol alert.
	ALPNFatal
)

// ServerNameFunc is invoked once per server handshake after the ClientHello
// is parsed, before certificate selection.
type ServerNameFunc func(sess *Session) ServerNameAction

// ALPNSelectFunc is invoked on server handshakes whose peer offered
// application protocols. The returned slice is the negotiated protocol for
// ALPNSelected, the full advertised group for ALPNFatal (so the stack can
// raise the proper alert), and ignored for ALPNNoAck.
type ALPNSelectFunc func(sess *Session, peerProtos []string) ([]string, ALPNAction)

// NewSessionFunc receives freshly minted resumption state. The callee owns
// the passed reference.
type NewSessionFunc func(sess *Session, state *ResumptionState)

// RemoveSessionFunc observes resumption state leaving a cache. The reference
// stays owned by the caller.
type RemoveSessionFunc func(ctx *Context, state *ResumptionState)

// WrapTicketFunc seals server session state into a ticket. The owning
// context handle is passed so a free-function trampoline can recover its
// registered handler.
type WrapTicketFunc func(c *Context, cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error)

// UnwrapTicketFunc opens a ticket back into session state. Returning a nil
// state declines resumption.
type UnwrapTicketFunc func(c *Context, identity []byte, cs tls.ConnectionState) (*tls.SessionState, error)

// PasswordFunc supplies at most maxLen bytes of key-decryption password for
// the given context handle.
type PasswordFunc func(c *Context, maxLen int) []byte

// SetServerNameCallback installs or clears the server-name callback.
func (c *Context) SetServerNameCallback(cb ServerNameFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverNameCb = cb
}

// SetALPNSelectCallback installs or clears the protocol-selection callback.
func (c *Context) SetALPNSelectCallback(cb ALPNSelectFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alpnSelectCb = cb
}

// SetNewSessionCallback installs or clears the new-session callback.
func (c *Context) SetNewSessionCallback(cb NewSessionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newSessionCb = cb
}

// SetRemoveSessionCallback installs or clears the remove-session callback.
func (c *Context) SetRemoveSessionCallback(cb RemoveSessionFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeSessionCb = cb
}

// SetTicketCallbacks installs the ticket seal/open pair as one unit; passing
// nils clears both.
func (c *Context) SetTicketCallbacks(wrap WrapTicketFunc, unwrap UnwrapTicketFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrapTicket = wrap
	c.unwrapTicket = unwrap
}

// SetPasswordCallback installs or clears the key-decryption password source.
func (c *Context) SetPasswordCallback(cb PasswordFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwordCb = cb
}

// RemoveSession routes an eviction notice from an external session cache
// through the remove-session callback. The state reference stays owned by
// the caller for the duration of the call.
func (c *Context) RemoveSession(state *ResumptionState) {
	c.mu.RLock()
	cb := c.removeSessionCb
	c.mu.RUnlock()
	if cb != nil {
		cb(c, state)
	}
}

// ResumptionState is one negotiated session's resumption material. Hand-offs
// between the relay, an observer, and a session cache follow explicit
// reference counting: Retain before sharing, Release when done. A state whose
// count reaches zero is dead and must not be used again.
type ResumptionState struct {
	key    string
	client *tls.ClientSessionState
	raw    *tls.SessionState
	refs   atomic.Int32
}

// NewResumptionState builds a state holding one reference.
func NewResumptionState(key string, client *tls.ClientSessionState) *ResumptionState {
	r := &ResumptionState{key: key, client: client}
	r.refs.Store(1)
	return r
}

// NewServerResumptionState builds a state for server-minted session material.
func NewServerResumptionState(key string, raw *tls.SessionState) *ResumptionState {
	r := &ResumptionState{key: key, raw: raw}
	r.refs.Store(1)
	return r
}

// Key returns the cache key the state was minted under.
func (r *ResumptionState) Key() string { return r.key }

// ClientState returns the client-side resumption record, nil for server
// minted state.
func (r *ResumptionState) ClientState() *tls.ClientSessionState { return r.client }

// ServerState returns the raw server session state, nil for client state.
func (r *ResumptionState) ServerState() *tls.SessionState { return r.raw }

// Retain adds a reference and returns the state for chaining.
func (r *ResumptionState) Retain() *ResumptionState {
	r.refs.Add(1)
	return r
}

// Release drops one reference.
func (r *ResumptionState) Release() {
	r.refs.Add(-1)
}

// RefCount returns the live reference count.
func (r *ResumptionState) RefCount() int { return int(r.refs.Load()) }

// sessionCacheAdapter bridges the stack's client session cache interface to
// the context's lifecycle callbacks and the session's resumption source.
type sessionCacheAdapter struct {
	sess *Session
}

func (a *sessionCacheAdapter) Put(key string, cs *tls.ClientSessionState) {
	if cs == nil {
		return
	}
	ctx := a.sess.ctx
	ctx.mu.RLock()
	cb := ctx.newSessionCb
	ctx.mu.RUnlock()
	if cb == nil {
		return
	}
	cb(a.sess, NewResumptionState(ctx.scopedSessionKey(key), cs))
}

func (a *sessionCacheAdapter) Get(key string) (*tls.ClientSessionState, bool) {
	lookup := a.sess.resumeLookup
	if lookup == nil {
		return nil, false
	}
	return lookup(a.sess.ctx.scopedSessionKey(key))
}

var cipherSuiteIDs = map[string]uint16{
	"TLS_RSA_WITH_AES_128_CBC_SHA":                  tls.TLS_RSA_WITH_AES_128_CBC_SHA,
	"TLS_RSA_WITH_AES_256_CBC_SHA":                  tls.TLS_RSA_WITH_AES_256_CBC_SHA,
	"TLS_RSA_WITH_AES_128_GCM_SHA256":               tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_RSA_WITH_AES_256_GCM_SHA384":               tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":          tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":          tls.TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":            tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":            tls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

var tls13SuiteIDs = map[string]uint16{
	"TLS_AES_128_GCM_SHA256":       tls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":       tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256": tls.TLS_CHACHA20_POLY1305_SHA256,
}

var curveIDs = map[string]tls.CurveID{
	"P-256":  tls.CurveP256,
	"P-384":  tls.CurveP384,
	"P-521":  tls.CurveP521,
	"X25519": tls.X25519,
}

// CipherSuiteName returns the registry name for a suite ID.
func CipherSuiteName(id uint16) string {
	for name, v := range cipherSuiteIDs {
		if v == id {
			return name
		}
	}
	for name, v := range tls13SuiteIDs {
		if v == id {
			return name
		}
	}
	return ""
}
