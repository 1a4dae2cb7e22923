package tlscontext

import (
	"crypto/tls"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tlsctx/pkg/engine"
)

type scriptedServerName struct {
	outcome  ServerNameOutcome
	calls    int
	lastName string
}

func (s *scriptedServerName) Evaluate(sess *engine.Session) ServerNameOutcome {
	s.calls++
	s.lastName = sess.ServerName()
	return s.outcome
}

type recordingHello struct {
	calls int
	err   error
}

func (o *recordingHello) Observe(*engine.Session) error {
	o.calls++
	return o.err
}

func TestDispatchServerNameOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		outcome  ServerNameOutcome
		expected engine.ServerNameAction
	}{
		{"found acknowledges", ServerNameFound, engine.SNIAccept},
		{"not found continues unacknowledged", ServerNameNotFound, engine.SNINoAck},
		{"fatal aborts", ServerNameNotFoundFatal, engine.SNIFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t)
			cb := &scriptedServerName{outcome: tt.outcome}
			c.SetServerNameCallback(cb)

			sess := newTestSession(t, c)
			sess.SetServerName("svc.test")

			assert.Equal(t, tt.expected, dispatchServerName(sess))
			assert.Equal(t, 1, cb.calls)
			assert.Equal(t, "svc.test", cb.lastName)
		})
	}
}

func TestDispatchServerNameWithoutCallback(t *testing.T) {
	c := newTestContext(t)
	obs := &recordingHello{}
	c.AddClientHelloCallback(obs)
	sess := newTestSession(t, c)

	assert.Equal(t, engine.SNINoAck, dispatchServerName(sess))
	assert.Equal(t, 1, obs.calls, "observers run even without a server-name callback")
}

func TestDispatchServerNameWithoutOwner(t *testing.T) {
	orphan := engine.NewContext()
	defer orphan.Free()
	sess, err := orphan.NewSession()
	require.NoError(t, err)

	assert.Equal(t, engine.SNINoAck, dispatchServerName(sess))
	assert.Equal(t, engine.SNINoAck, dispatchServerName(nil))
}

func TestClientHelloObserverFailuresAreSwallowed(t *testing.T) {
	c := newTestContext(t)
	failing := &recordingHello{err: errors.New("inspection failed")}
	trailing := &recordingHello{}
	cb := &scriptedServerName{outcome: ServerNameFound}
	c.AddClientHelloCallback(failing)
	c.AddClientHelloCallback(trailing)
	c.SetServerNameCallback(cb)

	sess := newTestSession(t, c)

	assert.Equal(t, engine.SNIAccept, dispatchServerName(sess))
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, trailing.calls, "a failing observer must not stop later observers")
	assert.Equal(t, 1, cb.calls)
}

func TestDispatchPassword(t *testing.T) {
	t.Run("no collector means zero bytes", func(t *testing.T) {
		c := newTestContext(t)

		assert.Nil(t, dispatchPassword(c.Engine(), 64))
	})

	t.Run("collector output is capped at the limit", func(t *testing.T) {
		c := newTestContext(t)
		c.SetPasswordCollector(fixedPassword{password: "a very long passphrase that exceeds the cap"})

		pw := dispatchPassword(c.Engine(), 10)
		assert.Len(t, pw, 10)
	})

	t.Run("no owner means zero bytes", func(t *testing.T) {
		orphan := engine.NewContext()
		defer orphan.Free()

		assert.Nil(t, dispatchPassword(orphan, 64))
		assert.Nil(t, dispatchPassword(nil, 64))
	})
}

type recordingTickets struct {
	wrapCalls   int
	unwrapCalls int
}

func (h *recordingTickets) WrapSession(tls.ConnectionState, *tls.SessionState) ([]byte, error) {
	h.wrapCalls++
	return []byte("ticket"), nil
}

func (h *recordingTickets) UnwrapSession([]byte, tls.ConnectionState) (*tls.SessionState, error) {
	h.unwrapCalls++
	return nil, nil
}

func TestTicketDispatchRequiresHandler(t *testing.T) {
	c := newTestContext(t)

	assert.Panics(t, func() {
		_, _ = dispatchWrapTicket(c.Engine(), tls.ConnectionState{}, nil)
	})
	assert.Panics(t, func() {
		_, _ = dispatchUnwrapTicket(c.Engine(), []byte("id"), tls.ConnectionState{})
	})
}

func TestSetTicketHandlerRoutesDispatch(t *testing.T) {
	c := newTestContext(t)
	handler := &recordingTickets{}
	c.SetTicketHandler(handler)

	ticket, err := dispatchWrapTicket(c.Engine(), tls.ConnectionState{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ticket"), ticket)
	assert.Equal(t, 1, handler.wrapCalls)

	_, err = dispatchUnwrapTicket(c.Engine(), []byte("id"), tls.ConnectionState{})
	require.NoError(t, err)
	assert.Equal(t, 1, handler.unwrapCalls)

	// Uninstalling restores the fatal-on-dispatch invariant.
	c.SetTicketHandler(nil)
	assert.Nil(t, c.TicketHandler())
	assert.Panics(t, func() {
		_, _ = dispatchWrapTicket(c.Engine(), tls.ConnectionState{}, nil)
	})
}

func TestCapabilitySlotAccessors(t *testing.T) {
	c := newTestContext(t)

	cb := &scriptedServerName{}
	c.SetServerNameCallback(cb)
	assert.Equal(t, cb, c.ServerNameCallback())
	c.SetServerNameCallback(nil)
	assert.Nil(t, c.ServerNameCallback())

	collector := fixedPassword{password: "pw"}
	c.SetPasswordCollector(collector)
	assert.Equal(t, collector, c.PasswordCollector())

	c.AddClientHelloCallback(nil) // ignored
	c.AddClientHelloCallback(&recordingHello{})
	c.ClearClientHelloCallbacks()
	sess := newTestSession(t, c)
	assert.Equal(t, engine.SNINoAck, dispatchServerName(sess))
}
