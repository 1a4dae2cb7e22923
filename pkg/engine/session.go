package engine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the per-connection handle spawned from a Context. It carries the
// connection-scoped state the handshake callbacks need (parsed ClientHello,
// ex-data associations, peer-name checking overrides) and materializes the
// owning context's configuration into the stack's form on demand.
type Session struct {
	ctx *Context
	id  uuid.UUID

	mu     sync.Mutex
	exData map[int]any

	chi *tls.ClientHelloInfo

	serverName    string
	checkPeerName bool
	peerFixedName string

	resumeLookup func(key string) (*tls.ClientSessionState, bool)
}

// NewSession spawns a per-connection handle. It fails once the context has
// been released.
func (c *Context) NewSession() (*Session, error) {
	if c.Released() {
		c.pushError("new session: context released")
		return nil, errors.New("session allocation failed: " + c.Errors())
	}
	return &Session{
		ctx:    c,
		id:     uuid.New(),
		exData: make(map[int]any),
	}, nil
}

// Context returns the owning context handle.
func (s *Session) Context() *Context { return s.ctx }

// ID returns the session's stable identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// SetExData stores v in the session-scoped ex-data slot.
func (s *Session) SetExData(index int, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v == nil {
		delete(s.exData, index)
		return
	}
	s.exData[index] = v
}

// ExData returns the session-scoped slot value, or nil.
func (s *Session) ExData(index int) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exData[index]
}

// SetServerName sets the name sent in the SNI extension and, when peer-name
// checking is enabled without a pinned name, the name certificates are
// checked against.
func (s *Session) SetServerName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverName = name
}

// SetPeerNameCheck controls client-side hostname verification. With check
// enabled, fixedName pins the expected identity; empty falls back to the
// session's server name.
func (s *Session) SetPeerNameCheck(check bool, fixedName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkPeerName = check
	s.peerFixedName = fixedName
}

// SetResumptionLookup wires the session's resumption source, consulted when
// the stack asks for cached session state.
func (s *Session) SetResumptionLookup(fn func(key string) (*tls.ClientSessionState, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeLookup = fn
}

// ClientHello returns the peer's parsed hello. Only non-nil inside server
// callback dispatch.
func (s *Session) ClientHello() *tls.ClientHelloInfo { return s.chi }

// ServerName returns the SNI value: the peer's requested name during server
// dispatch, otherwise the locally configured target name.
func (s *Session) ServerName() string {
	if s.chi != nil {
		return s.chi.ServerName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverName
}

// UnrecognizedNameError aborts a server handshake whose SNI callback returned
// a fatal outcome.
type UnrecognizedNameError struct {
	ServerName string
}

func (e *UnrecognizedNameError) Error() string {
	return fmt.Sprintf("unrecognized server name %q", e.ServerName)
}

// ClientConfig materializes the owning context for the client side of one
// connection.
func (s *Session) ClientConfig() *tls.Config {
	c := s.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()
	s.mu.Lock()
	serverName, checkName, fixedName := s.serverName, s.checkPeerName, s.peerFixedName
	s.mu.Unlock()

	cfg := &tls.Config{
		MinVersion:             uint16(c.minVersion),
		MaxVersion:             uint16(c.maxVersion),
		CipherSuites:           c.cipherSuites,
		CurvePreferences:       c.curves,
		RootCAs:                c.trustStore,
		SessionTicketsDisabled: c.options&OptNoTicket != 0,
		Renegotiation:          tls.RenegotiateNever,
		Time:                   c.verifyTime,
		ServerName:             serverName,
	}

	if cert, ok := c.certificateLocked(); ok {
		cfg.Certificates = []tls.Certificate{cert}
	}
	if protos, err := SplitALPNWire(c.alpnWire); err == nil && len(protos) > 0 {
		cfg.NextProtos = protos
	}

	switch {
	case c.verifyMode&VerifyPeer == 0:
		cfg.InsecureSkipVerify = true
	case checkName:
		if fixedName != "" {
			cfg.ServerName = fixedName
		}
	default:
		// Chain verification without a name check is outside the stack's
		// standard path; run it manually against the trust store.
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = s.verifyChainOnly
	}

	if c.sessionCacheMode&SessionCacheClient != 0 {
		cfg.ClientSessionCache = &sessionCacheAdapter{sess: s}
	}
	return cfg
}

func (s *Session) verifyChainOnly(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("no peer certificate presented")
	}
	opts := x509.VerifyOptions{
		Roots:         s.ctx.TrustStore(),
		Intermediates: x509.NewCertPool(),
	}
	s.ctx.mu.RLock()
	if s.ctx.verifyTime != nil {
		opts.CurrentTime = s.ctx.verifyTime()
	}
	s.ctx.mu.RUnlock()
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

// ServerConfig materializes the owning context for the server side of one
// connection. Callback dispatch is wired through the per-client hook so the
// server-name and protocol-selection callbacks fire with this session.
func (s *Session) ServerConfig() *tls.Config {
	c := s.ctx
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := &tls.Config{
		MinVersion:             uint16(c.minVersion),
		MaxVersion:             uint16(c.maxVersion),
		CipherSuites:           c.cipherSuites,
		CurvePreferences:       c.curves,
		ClientCAs:              c.clientCAs,
		ClientAuth:             clientAuthFor(c.verifyMode),
		SessionTicketsDisabled: c.options&OptNoTicket != 0,
		Renegotiation:          tls.RenegotiateNever,
		Time:                   c.verifyTime,
	}

	if cert, ok := c.certificateLocked(); ok {
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.wrapTicket != nil {
		wrap, unwrap := c.wrapTicket, c.unwrapTicket
		notify := c.newSessionCb
		mode := c.sessionCacheMode
		cfg.WrapSession = func(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
			if notify != nil && mode&SessionCacheServer != 0 {
				key := cs.ServerName
				if key == "" {
					key = "server"
				}
				notify(s, NewServerResumptionState(s.ctx.scopedSessionKey(key), ss))
			}
			return wrap(c, cs, ss)
		}
		if unwrap != nil {
			cfg.UnwrapSession = func(identity []byte, cs tls.ConnectionState) (*tls.SessionState, error) {
				return unwrap(c, identity, cs)
			}
		}
	}

	cfg.GetConfigForClient = s.dispatchClientHello
	return cfg
}

// dispatchClientHello runs the registered callbacks for one server handshake
// and derives the per-connection configuration from their outcomes.
func (s *Session) dispatchClientHello(chi *tls.ClientHelloInfo) (*tls.Config, error) {
	s.chi = chi
	c := s.ctx

	c.mu.RLock()
	sniCb := c.serverNameCb
	alpnCb := c.alpnSelectCb
	c.mu.RUnlock()

	per := s.ServerConfig()
	per.GetConfigForClient = nil

	if sniCb != nil {
		if sniCb(s) == SNIFatal {
			c.pushError("servername callback: unrecognized name " + chi.ServerName)
			return nil, &UnrecognizedNameError{ServerName: chi.ServerName}
		}
	}

	if alpnCb != nil && len(chi.SupportedProtos) > 0 {
		protos, action := alpnCb(s, chi.SupportedProtos)
		switch action {
		case ALPNSelected, ALPNFatal:
			per.NextProtos = protos
		case ALPNNoAck:
			per.NextProtos = nil
		}
	}
	return per, nil
}

// certificateLocked assembles the active credential. Callers hold c.mu.
func (c *Context) certificateLocked() (tls.Certificate, bool) {
	if len(c.chainDER) == 0 || c.key == nil {
		return tls.Certificate{}, false
	}
	cert := tls.Certificate{
		Certificate: c.chainDER,
		PrivateKey:  c.key,
		Leaf:        c.leaf,
	}
	if len(c.sigSchemes) > 0 {
		cert.SupportedSignatureAlgorithms = c.sigSchemes
	}
	return cert, true
}

func clientAuthFor(m VerifyMode) tls.ClientAuthType {
	switch {
	case m&VerifyPeer == 0:
		return tls.NoClientCert
	case m&VerifyFailIfNoPeerCert != 0:
		return tls.RequireAndVerifyClientCert
	default:
		return tls.VerifyClientCertIfGiven
	}
}

// Client wraps conn as the client side of this session.
func (s *Session) Client(conn net.Conn) *tls.Conn {
	return tls.Client(conn, s.ClientConfig())
}

// Server wraps conn as the server side of this session.
func (s *Session) Server(conn net.Conn) *tls.Conn {
	return tls.Server(conn, s.ServerConfig())
}

// HandshakeDeadline is a convenience for accept loops: it wraps conn for the
// server role, applies the deadline when non-zero, and runs the handshake.
func (s *Session) HandshakeDeadline(conn net.Conn, deadline time.Time) (*tls.Conn, error) {
	tconn := s.Server(conn)
	if !deadline.IsZero() {
		if err := tconn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	if err := tconn.Handshake(); err != nil {
		return nil, err
	}
	if !deadline.IsZero() {
		if err := tconn.SetDeadline(time.Time{}); err != nil {
			return nil, err
		}
	}
	return tconn, nil
}
