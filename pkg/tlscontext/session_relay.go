package tlscontext

import (
	"context"

	"github.com/polisai/tlsctx/pkg/engine"
)

// relayNewSession receives freshly minted resumption state from the engine.
// The relay owns the state's reference and balances it on every path: an
// unrecoverable owner releases immediately.
func relayNewSession(sess *engine.Session, state *engine.ResumptionState) {
	owner := ownerOfSession(sess)
	if owner == nil {
		state.Release()
		return
	}
	owner.onNewSession(sess, state)
}

// relayRemoveSession receives an invalidation notice. The engine keeps
// ownership of the state for the duration of the call.
func relayRemoveSession(eng *engine.Context, state *engine.ResumptionState) {
	owner := ownerOfContext(eng)
	if owner == nil {
		return
	}
	owner.onRemoveSession(eng, state)
}

func (c *Context) onNewSession(sess *engine.Session, state *engine.ResumptionState) {
	c.mu.RLock()
	observer := c.observer
	manager := c.sessionManager
	c.mu.RUnlock()

	observed := observer != nil
	if observed {
		observer.OnNewSession(sess, state.Retain())
	}

	stored := false
	if manager != nil {
		// Offer by move: acceptance transfers the relay's reference to
		// the manager.
		stored = manager.StoreSession(state)
	}
	if !stored {
		state.Release()
	}

	c.events.LogSessionMinted(context.Background(), state.Key(), observed, stored)
	if c.metrics != nil {
		c.metrics.RecordSessionMinted(context.Background(), stored)
	}
}

func (c *Context) onRemoveSession(eng *engine.Context, state *engine.ResumptionState) {
	c.mu.RLock()
	observer := c.observer
	c.mu.RUnlock()

	if observer != nil {
		observer.OnRemoveSession(eng, state)
	}

	c.events.LogSessionRemoved(context.Background(), state.Key())
	if c.metrics != nil {
		c.metrics.RecordSessionRemoved(context.Background())
	}
}

// SetSessionLifecycleObserver installs or clears the lifecycle observer.
// Replacing an observer drops the previous one.
func (c *Context) SetSessionLifecycleObserver(obs SessionLifecycleObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

// SessionLifecycleObserver returns the active observer, nil when none.
func (c *Context) SessionLifecycleObserver() SessionLifecycleObserver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observer
}

// SetSessionManager installs or clears the external session manager that
// minted sessions are offered to.
func (c *Context) SetSessionManager(manager SessionManager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionManager = manager
}

// SessionManager returns the active manager, nil when none.
func (c *Context) SessionManager() SessionManager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionManager
}
