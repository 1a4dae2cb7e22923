package config

import (
	"fmt"
	"strings"

	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// ParseVerifyMode maps a configuration string onto a peer verification mode.
// An empty string selects plain verification.
func ParseVerifyMode(mode string) (tlscontext.PeerVerifyMode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "verify":
		return tlscontext.PeerVerifyEnabled, nil
	case "require":
		return tlscontext.PeerVerifyRequired, nil
	case "none":
		return tlscontext.PeerVerifyDisabled, nil
	default:
		return 0, fmt.Errorf("unknown verification mode %q (expected none, verify, or require)", mode)
	}
}

// ParseClientCertPolicy maps a configuration string onto a client certificate
// request policy. An empty string means the context never asks for one.
func ParseClientCertPolicy(policy string) (tlscontext.ClientCertPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "do_not_request":
		return tlscontext.ClientCertDoNotRequest, nil
	case "if_presented":
		return tlscontext.ClientCertIfPresented, nil
	case "always":
		return tlscontext.ClientCertAlways, nil
	default:
		return 0, fmt.Errorf("unknown client certificate policy %q (expected do_not_request, if_presented, or always)", policy)
	}
}

// RawVerification is the YAML-facing shape of the peer verification settings.
// Pointer fields distinguish "absent" from explicit false so overrides can be
// layered without losing operator intent.
type RawVerification struct {
	Enabled     *bool            `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Mode        string           `yaml:"mode,omitempty" json:"mode,omitempty"`
	TrustBundle string           `yaml:"trust_bundle,omitempty" json:"trust_bundle,omitempty"`
	Client      *RawClientVerify `yaml:"client,omitempty" json:"client,omitempty"`
	Server      *RawServerVerify `yaml:"server,omitempty" json:"server,omitempty"`
}

// RawClientVerify holds client-side overrides: how the context checks the
// server certificate it receives.
type RawClientVerify struct {
	CheckName  *bool  `yaml:"check_name,omitempty" json:"check_name,omitempty"`
	PinnedName string `yaml:"pinned_name,omitempty" json:"pinned_name,omitempty"`
}

// RawServerVerify holds server-side overrides: whether and how the context
// requests certificates from connecting clients.
type RawServerVerify struct {
	ClientCerts string `yaml:"client_certs,omitempty" json:"client_certs,omitempty"`
	ClientCAs   string `yaml:"client_cas,omitempty" json:"client_cas,omitempty"`
}

// Clone returns a deep copy so callers can mutate overrides without touching
// the shared configuration snapshot.
func (r *RawVerification) Clone() *RawVerification {
	if r == nil {
		return nil
	}
	clone := &RawVerification{
		Mode:        r.Mode,
		TrustBundle: r.TrustBundle,
	}
	if r.Enabled != nil {
		enabled := *r.Enabled
		clone.Enabled = &enabled
	}
	if r.Client != nil {
		client := &RawClientVerify{PinnedName: r.Client.PinnedName}
		if r.Client.CheckName != nil {
			checkName := *r.Client.CheckName
			client.CheckName = &checkName
		}
		clone.Client = client
	}
	if r.Server != nil {
		server := *r.Server
		clone.Server = &server
	}
	return clone
}

// EffectiveVerification is the resolved form fed to the context builder after
// all defaults and per-direction overrides have been applied.
type EffectiveVerification struct {
	Enabled     bool
	Peer        tlscontext.PeerVerifyMode
	CheckName   bool
	PinnedName  string
	ClientCerts tlscontext.ClientCertPolicy
	ClientCAs   string
	TrustBundle string
}

// ToEffective resolves the raw settings into their effective form.
func (r *RawVerification) ToEffective() (EffectiveVerification, error) {
	effective := EffectiveVerification{}
	if r == nil {
		return effective, nil
	}

	if r.Enabled != nil {
		effective.Enabled = *r.Enabled
	}

	peer, err := ParseVerifyMode(r.Mode)
	if err != nil {
		return EffectiveVerification{}, err
	}
	effective.Peer = peer
	effective.TrustBundle = strings.TrimSpace(r.TrustBundle)

	if r.Client != nil {
		if r.Client.CheckName != nil {
			effective.CheckName = *r.Client.CheckName
		}
		effective.PinnedName = strings.TrimSpace(r.Client.PinnedName)
		if effective.PinnedName != "" {
			// A pinned name implies name checking even when check_name is absent.
			effective.CheckName = true
		}
	}

	if r.Server != nil {
		policy, err := ParseClientCertPolicy(r.Server.ClientCerts)
		if err != nil {
			return EffectiveVerification{}, err
		}
		effective.ClientCerts = policy
		effective.ClientCAs = strings.TrimSpace(r.Server.ClientCAs)
	}

	if !effective.Enabled && effective.Peer == tlscontext.PeerVerifyRequired {
		return EffectiveVerification{}, fmt.Errorf("verification mode %q requires enabled: true", r.Mode)
	}

	return effective, nil
}
