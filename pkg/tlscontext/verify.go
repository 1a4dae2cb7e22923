package tlscontext

import "github.com/polisai/tlsctx/pkg/engine"

// PeerVerifyMode is the legacy unified verification switch. It predates the
// split client/server policies and remains accepted wherever those are.
type PeerVerifyMode int

const (
	// PeerVerifyUseContext defers to the mode already stored on the context.
	// It is not a concrete mode and cannot be resolved directly.
	PeerVerifyUseContext PeerVerifyMode = iota
	// PeerVerifyEnabled verifies the peer certificate when one is presented.
	PeerVerifyEnabled
	// PeerVerifyRequired verifies the peer certificate and fails the
	// handshake when none is presented.
	PeerVerifyRequired
	// PeerVerifyDisabled performs no peer verification.
	PeerVerifyDisabled
)

func (m PeerVerifyMode) String() string {
	switch m {
	case PeerVerifyUseContext:
		return "use_context"
	case PeerVerifyEnabled:
		return "verify"
	case PeerVerifyRequired:
		return "verify_require_client_cert"
	case PeerVerifyDisabled:
		return "no_verify"
	default:
		return "unknown"
	}
}

// ClientCertPolicy states how a server treats client certificates.
type ClientCertPolicy int

const (
	// ClientCertDoNotRequest never asks the client for a certificate.
	ClientCertDoNotRequest ClientCertPolicy = iota
	// ClientCertIfPresented requests a certificate and verifies it when the
	// client supplies one.
	ClientCertIfPresented
	// ClientCertAlways requests a certificate and fails the handshake when
	// the client supplies none.
	ClientCertAlways
)

func (p ClientCertPolicy) String() string {
	switch p {
	case ClientCertDoNotRequest:
		return "do_not_request"
	case ClientCertIfPresented:
		return "if_presented"
	case ClientCertAlways:
		return "always"
	default:
		return "unknown"
	}
}

// ServerCertPolicy states how a client treats the server certificate.
type ServerCertPolicy int

const (
	// ServerCertIfPresented verifies the server certificate.
	ServerCertIfPresented ServerCertPolicy = iota
	// ServerCertIgnoreVerifyResult accepts the connection regardless of the
	// verification outcome.
	ServerCertIgnoreVerifyResult
)

func (p ServerCertPolicy) String() string {
	switch p {
	case ServerCertIfPresented:
		return "if_presented"
	case ServerCertIgnoreVerifyResult:
		return "ignore_verify_result"
	default:
		return "unknown"
	}
}

// VerificationPolicy carries the three independent verification toggles. The
// effective native mode is the bitwise OR of the three resolved modes.
type VerificationPolicy struct {
	Peer   PeerVerifyMode
	Client ClientCertPolicy
	Server ServerCertPolicy
}

// ResolvePeerVerify maps the legacy switch to native mode bits. Passing
// PeerVerifyUseContext where a concrete mode is required is an argument
// error.
func ResolvePeerVerify(m PeerVerifyMode) (engine.VerifyMode, error) {
	switch m {
	case PeerVerifyEnabled:
		return engine.VerifyPeer, nil
	case PeerVerifyRequired:
		return engine.VerifyPeer | engine.VerifyFailIfNoPeerCert, nil
	case PeerVerifyDisabled:
		return engine.VerifyNone, nil
	case PeerVerifyUseContext:
		return engine.VerifyNone, NewInvalidArgumentError("peer verify mode use_context cannot be resolved to a concrete mode").
			WithContext("mode", m.String())
	default:
		return engine.VerifyNone, NewInvalidArgumentError("unknown peer verify mode").
			WithContext("mode", int(m))
	}
}

// ResolveClientPolicy maps a client-certificate policy to native mode bits.
func ResolveClientPolicy(p ClientCertPolicy) engine.VerifyMode {
	switch p {
	case ClientCertAlways:
		return engine.VerifyPeer | engine.VerifyFailIfNoPeerCert
	case ClientCertIfPresented:
		return engine.VerifyPeer
	default:
		return engine.VerifyNone
	}
}

// ResolveServerPolicy maps a server-certificate policy to native mode bits.
func ResolveServerPolicy(p ServerCertPolicy) engine.VerifyMode {
	switch p {
	case ServerCertIfPresented:
		return engine.VerifyPeer
	default:
		return engine.VerifyNone
	}
}

// Resolve combines the three toggles into one native verification mode.
func (p VerificationPolicy) Resolve() (engine.VerifyMode, error) {
	peer, err := ResolvePeerVerify(p.Peer)
	if err != nil {
		return engine.VerifyNone, err
	}
	return peer | ResolveClientPolicy(p.Client) | ResolveServerPolicy(p.Server), nil
}

// NeedsPeerVerification reports whether the resolved mode verifies anything.
func (p VerificationPolicy) NeedsPeerVerification() bool {
	mode, err := p.Resolve()
	return err == nil && mode != engine.VerifyNone
}

// NeedsPeerVerification reports whether a native mode verifies anything.
func NeedsPeerVerification(mode engine.VerifyMode) bool {
	return mode != engine.VerifyNone
}
