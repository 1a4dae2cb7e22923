package config

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TrustBundle names a set of PEM-encoded CA certificates used as a
// verification trust store. The material comes from a file path or an inline
// blob, optionally pinned to a SHA-256 digest, and is loaded lazily.
type TrustBundle struct {
	Name   string `json:"name" yaml:"name"`
	Path   string `json:"path" yaml:"path"`
	Inline string `json:"inline" yaml:"inline"`
	SHA256 string `json:"sha256" yaml:"sha256"`
	cached []byte
	poolMu sync.Mutex
	pool   *x509.CertPool
}

// Validate checks that the bundle declares a source for its material.
func (b *TrustBundle) Validate() error {
	if strings.TrimSpace(b.Path) == "" && strings.TrimSpace(b.Inline) == "" {
		return fmt.Errorf("trust bundle %s: no path or inline data provided", b.Name)
	}
	if b.SHA256 != "" {
		digest := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(b.SHA256)), "sha256:")
		if len(digest) != sha256.Size*2 {
			return fmt.Errorf("trust bundle %s: sha256 pin must be %d hex characters", b.Name, sha256.Size*2)
		}
		if _, err := hex.DecodeString(digest); err != nil {
			return fmt.Errorf("trust bundle %s: sha256 pin is not valid hex", b.Name)
		}
	}
	return nil
}

// Materialise returns the PEM-encoded contents for the bundle.
func (b *TrustBundle) Materialise() ([]byte, error) {
	if len(b.cached) > 0 {
		return append([]byte(nil), b.cached...), nil
	}

	var data []byte
	var err error
	switch {
	case strings.TrimSpace(b.Inline) != "":
		data = []byte(b.Inline)
	case strings.TrimSpace(b.Path) != "":
		path := filepath.Clean(b.Path)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: read: %w", b.Name, err)
		}
	default:
		return nil, fmt.Errorf("trust bundle %s: no path or inline data provided", b.Name)
	}

	if err := b.verifyChecksum(data); err != nil {
		return nil, err
	}

	b.cached = append([]byte(nil), data...)
	return append([]byte(nil), data...), nil
}

func (b *TrustBundle) verifyChecksum(data []byte) error {
	if b.SHA256 == "" {
		return nil
	}

	expected := strings.TrimSpace(strings.ToLower(b.SHA256))
	expected = strings.TrimPrefix(expected, "sha256:")
	digest := sha256.Sum256(data)
	actual := hex.EncodeToString(digest[:])
	if actual != expected {
		return fmt.Errorf("trust bundle %s: checksum mismatch", b.Name)
	}
	return nil
}

// CertPool parses the bundle into an x509.CertPool (cached per instance).
func (b *TrustBundle) CertPool() (*x509.CertPool, error) {
	b.poolMu.Lock()
	defer b.poolMu.Unlock()
	if b.pool != nil {
		return b.pool, nil
	}

	data, err := b.Materialise()
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("trust bundle %s: no certificates found", b.Name)
	}
	b.pool = pool
	return pool, nil
}

// Certificates parses the bundle into individual certificates. Servers use
// this to advertise acceptable client CA names during the handshake.
func (b *TrustBundle) Certificates() ([]*x509.Certificate, error) {
	data, err := b.Materialise()
	if err != nil {
		return nil, err
	}

	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("trust bundle %s: parse certificate: %w", b.Name, err)
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, fmt.Errorf("trust bundle %s: no certificates found", b.Name)
	}
	return certs, nil
}
