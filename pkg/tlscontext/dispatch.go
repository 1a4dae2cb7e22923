package tlscontext

import (
	"context"
	"crypto/tls"

	"github.com/polisai/tlsctx/pkg/engine"
)

// The engine invokes free functions, not methods: every trampoline below
// receives a handle and recovers the owning Context through the ex-data
// association before forwarding to the registered capability.

func ownerOfContext(eng *engine.Context) *Context {
	if eng == nil {
		return nil
	}
	owner, _ := eng.ExData(contextExDataIndex).(*Context)
	return owner
}

func ownerOfSession(sess *engine.Session) *Context {
	if sess == nil {
		return nil
	}
	return ownerOfContext(sess.Context())
}

// dispatchServerName handles one server handshake's SNI stage. A dispatch
// with no recoverable owner continues without acknowledging the extension.
func dispatchServerName(sess *engine.Session) engine.ServerNameAction {
	owner := ownerOfSession(sess)
	if owner == nil {
		return engine.SNINoAck
	}
	return owner.evaluateServerName(sess)
}

// evaluateServerName runs every client-hello observer, then the server-name
// callback. Observer errors are logged and swallowed; only the server-name
// callback decides the handshake's fate.
func (c *Context) evaluateServerName(sess *engine.Session) engine.ServerNameAction {
	c.mu.RLock()
	observers := c.helloObservers
	cb := c.serverNameCb
	c.mu.RUnlock()

	for i, obs := range observers {
		if err := obs.Observe(sess); err != nil {
			c.events.LogClientHelloObserverFailure(context.Background(), sess.ServerName(), i, err)
		}
	}

	if cb == nil {
		return engine.SNINoAck
	}

	outcome := cb.Evaluate(sess)
	c.events.LogServerNameDecision(context.Background(), sess.ServerName(), outcome)
	if c.metrics != nil {
		c.metrics.RecordSNIRequest(context.Background(), sess.ServerName(), outcome)
	}

	switch outcome {
	case ServerNameFound:
		return engine.SNIAccept
	case ServerNameNotFoundFatal:
		return engine.SNIFatal
	default:
		return engine.SNINoAck
	}
}

// dispatchALPNSelect forwards protocol selection to the owner's weighted
// advertisement.
func dispatchALPNSelect(sess *engine.Session, peerProtos []string) ([]string, engine.ALPNAction) {
	owner := ownerOfSession(sess)
	if owner == nil {
		return nil, engine.ALPNNoAck
	}
	return owner.selectProtocols(sess, peerProtos)
}

// dispatchPassword supplies key-decryption passwords. No collector means no
// password, reported as zero bytes rather than a failure.
func dispatchPassword(eng *engine.Context, maxLen int) []byte {
	owner := ownerOfContext(eng)
	if owner == nil {
		return nil
	}

	owner.mu.RLock()
	collector := owner.passwords
	owner.mu.RUnlock()
	if collector == nil {
		return nil
	}

	pw := collector.GetPassword(maxLen)
	if len(pw) > maxLen {
		pw = pw[:maxLen]
	}
	owner.events.LogPasswordRequest(context.Background(), collector.Describe(), maxLen, len(pw))
	return pw
}

// Ticket dispatch runs only when SetTicketHandler registered it, and that
// call installs the handler in the same critical section. Reaching either
// trampoline without a handler means the invariant was broken externally.

func dispatchWrapTicket(eng *engine.Context, cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
	return ticketHandlerOf(eng).WrapSession(cs, ss)
}

func dispatchUnwrapTicket(eng *engine.Context, identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
	return ticketHandlerOf(eng).UnwrapSession(identity, cs)
}

func ticketHandlerOf(eng *engine.Context) TicketHandler {
	owner := ownerOfContext(eng)
	if owner == nil {
		panic("session ticket dispatch without an owning context")
	}
	owner.mu.RLock()
	handler := owner.ticketHandler
	owner.mu.RUnlock()
	if handler == nil {
		panic("session ticket dispatch without a registered handler")
	}
	return handler
}

// SetServerNameCallback installs or clears the server-name decision
// callback. Replacing a callback drops the previous one.
func (c *Context) SetServerNameCallback(cb ServerNameCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverNameCb = cb
}

// ServerNameCallback returns the active server-name callback, nil when none.
func (c *Context) ServerNameCallback() ServerNameCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverNameCb
}

// AddClientHelloCallback appends an observer. All registered observers run,
// in registration order, on every server handshake.
func (c *Context) AddClientHelloCallback(cb ClientHelloCallback) {
	if cb == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.helloObservers = append(c.helloObservers, cb)
}

// ClearClientHelloCallbacks drops every registered observer.
func (c *Context) ClearClientHelloCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.helloObservers = nil
}

// SetPasswordCollector installs or clears the password source for encrypted
// private keys.
func (c *Context) SetPasswordCollector(collector PasswordCollector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passwords = collector
}

// PasswordCollector returns the active collector, nil when none.
func (c *Context) PasswordCollector() PasswordCollector {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.passwords
}

// SetTicketHandler installs the session-ticket handler and registers the
// engine's ticket callbacks as one unit. A nil handler unregisters both.
func (c *Context) SetTicketHandler(handler TicketHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticketHandler = handler
	if handler == nil {
		c.eng.SetTicketCallbacks(nil, nil)
		return
	}
	c.eng.SetTicketCallbacks(dispatchWrapTicket, dispatchUnwrapTicket)
}

// TicketHandler returns the active ticket handler, nil when none.
func (c *Context) TicketHandler() TicketHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticketHandler
}
