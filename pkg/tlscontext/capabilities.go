package tlscontext

import (
	"crypto/tls"

	"github.com/polisai/tlsctx/pkg/engine"
)

// ServerNameOutcome is the verdict a ServerNameCallback renders for an
// incoming server name indication.
type ServerNameOutcome int

const (
	// ServerNameFound accepts the indicated name and continues the handshake.
	ServerNameFound ServerNameOutcome = iota
	// ServerNameNotFound continues the handshake without acknowledging the name.
	ServerNameNotFound
	// ServerNameNotFoundFatal aborts the handshake.
	ServerNameNotFoundFatal
)

func (o ServerNameOutcome) String() string {
	switch o {
	case ServerNameFound:
		return "found"
	case ServerNameNotFound:
		return "not_found"
	case ServerNameNotFoundFatal:
		return "not_found_fatal"
	default:
		return "unknown"
	}
}

// ServerNameCallback decides whether a server-side handshake should proceed
// for the name the client indicated. The session carries the client hello.
type ServerNameCallback interface {
	Evaluate(sess *engine.Session) ServerNameOutcome
}

// ClientHelloCallback observes server-side client hellos before the
// server-name decision is made. Errors are logged and do not affect the
// handshake.
type ClientHelloCallback interface {
	Observe(sess *engine.Session) error
}

// PasswordCollector supplies passwords for encrypted private key material.
type PasswordCollector interface {
	// GetPassword returns at most maxLen bytes of password. A collector may
	// return fewer bytes, including none.
	GetPassword(maxLen int) []byte
	// Describe identifies the collector in logs.
	Describe() string
}

// SessionLifecycleObserver is notified as resumption state enters and leaves
// the underlying session caches.
type SessionLifecycleObserver interface {
	// OnNewSession observes freshly established resumption state. The
	// observer receives its own retained reference and must release it.
	OnNewSession(sess *engine.Session, state *engine.ResumptionState)
	// OnRemoveSession observes state being evicted. The reference belongs to
	// the caller and must not be released.
	OnRemoveSession(ctx *engine.Context, state *engine.ResumptionState)
}

// SessionManager takes ownership of resumption state for external caching.
type SessionManager interface {
	// StoreSession is offered ownership of the passed reference. Returning
	// true accepts the transfer; returning false leaves the reference with
	// the caller.
	StoreSession(state *engine.ResumptionState) bool
	// LookupSession returns stored state for key, or nil. The returned
	// reference belongs to the caller.
	LookupSession(key string) *engine.ResumptionState
	// RemoveSession drops stored state for key if present.
	RemoveSession(key string)
}

// TicketHandler seals and opens session tickets with externally managed keys.
type TicketHandler interface {
	WrapSession(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error)
	UnwrapSession(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error)
}

// AcceptRunner schedules server-side handshake work. Run invokes accept,
// possibly on another goroutine, and reports its result through finish.
type AcceptRunner interface {
	Run(accept func() error, finish func(error))
}

// inlineAcceptRunner runs handshakes on the calling goroutine.
type inlineAcceptRunner struct{}

func (inlineAcceptRunner) Run(accept func() error, finish func(error)) {
	finish(accept())
}
