package tlscontext

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"
)

// maxCertChain bounds certificate chains parsed from one PEM stream.
const maxCertChain = 64

// FormatPEM is the only credential encoding every deployment must support.
const FormatPEM = "PEM"

// credentialSources remembers where file-backed credentials came from so the
// watcher can reload them on change.
type credentialSources struct {
	certPath     string
	certFormat   string
	keyPath      string
	keyFormat    string
	trustPath    string
	clientCAPath string
}

func (c *Context) recordSource(update func(*credentialSources)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	update(&c.sources)
}

// LoadCertificateChain loads a certificate chain from a file in the declared
// format. Only PEM is recognized.
func (c *Context) LoadCertificateChain(path, format string) error {
	if strings.TrimSpace(path) == "" {
		return NewInvalidArgumentError("certificate chain path is empty")
	}
	if strings.TrimSpace(format) == "" {
		return NewInvalidArgumentError("certificate chain format is empty")
	}
	if format != FormatPEM {
		return NewUnsupportedFormatError(format)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		loadErr := NewCredentialLoadError("read certificate chain file", err).
			WithContext("path", path)
		c.events.LogCredentialLoad(context.Background(), path, "", false, loadErr)
		return loadErr
	}

	if err := c.LoadCertificateChainFromPEM(data); err != nil {
		c.events.LogCredentialLoad(context.Background(), path, "", false, err)
		return err
	}
	c.recordSource(func(s *credentialSources) {
		s.certPath = path
		s.certFormat = format
	})
	return nil
}

// LoadCertificateChainFromPEM parses an in-memory PEM stream as leaf plus
// intermediates and installs the chain. Parsing stops cleanly at the first
// block past the leaf that is not a certificate; a chain longer than the
// hard bound fails outright.
func (c *Context) LoadCertificateChainFromPEM(data []byte) error {
	if len(data) == 0 {
		return NewInvalidArgumentError("certificate PEM buffer is empty")
	}

	var chain [][]byte
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			if len(chain) == 0 {
				return NewCredentialLoadError("first PEM block is not a certificate", nil).
					WithContext("block_type", block.Type)
			}
			c.eng.ClearErrors()
			break
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			if len(chain) == 0 {
				return NewCredentialLoadError("parse leaf certificate", err)
			}
			// End of chain: trailing garbage after at least one certificate
			// is not an error.
			c.eng.ClearErrors()
			break
		}
		chain = append(chain, block.Bytes)
		if len(chain) > maxCertChain {
			return NewChainTooLongError(len(chain))
		}
	}

	if len(chain) == 0 {
		return NewCredentialLoadError("no certificate found in PEM buffer", nil)
	}

	if err := c.eng.UseCertificateChainDER(chain); err != nil {
		if c.metrics != nil {
			c.metrics.RecordCredentialLoad(context.Background(), "memory", false)
		}
		return c.configError("use certificate chain", err)
	}

	if c.metrics != nil {
		c.metrics.RecordCredentialLoad(context.Background(), "memory", true)
		if leaf := c.eng.Leaf(); leaf != nil {
			c.metrics.RecordCertificateExpiry(context.Background(), leaf.Subject.String(), leaf.NotAfter)
		}
	}
	return nil
}

// LoadPrivateKey loads a private key from a file in the declared format.
func (c *Context) LoadPrivateKey(path, format string) error {
	if strings.TrimSpace(path) == "" {
		return NewInvalidArgumentError("private key path is empty")
	}
	if strings.TrimSpace(format) == "" {
		return NewInvalidArgumentError("private key format is empty")
	}
	if format != FormatPEM {
		return NewUnsupportedFormatError(format)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return NewCredentialLoadError("read private key file", err).
			WithContext("path", path)
	}
	if err := c.LoadPrivateKeyFromPEM(data); err != nil {
		return err
	}
	c.recordSource(func(s *credentialSources) {
		s.keyPath = path
		s.keyFormat = format
	})
	return nil
}

// LoadPrivateKeyFromPEM parses and installs an in-memory PEM private key.
// Encrypted legacy blocks are decrypted through the registered password
// collector.
func (c *Context) LoadPrivateKeyFromPEM(data []byte) error {
	if len(data) == 0 {
		return NewInvalidArgumentError("private key PEM buffer is empty")
	}
	if err := c.eng.UsePrivateKeyPEM(data); err != nil {
		if c.metrics != nil {
			c.metrics.RecordCredentialLoad(context.Background(), "memory", false)
		}
		return c.configError("use private key", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCredentialLoad(context.Background(), "memory", true)
	}
	return nil
}

// LoadCertKeyPairFromPEM loads a chain and key from in-memory PEM buffers
// and always validates that they match.
func (c *Context) LoadCertKeyPairFromPEM(certData, keyData []byte) error {
	if err := c.LoadCertificateChainFromPEM(certData); err != nil {
		return err
	}
	if err := c.LoadPrivateKeyFromPEM(keyData); err != nil {
		return err
	}
	if err := c.eng.CheckPrivateKey(); err != nil {
		c.eng.ClearErrors()
		return NewKeyMismatchError(err)
	}
	return nil
}

// LoadCertKeyPairFromFiles loads a chain and key from files in the declared
// format and always validates that they match.
func (c *Context) LoadCertKeyPairFromFiles(certPath, keyPath, format string) error {
	if err := c.LoadCertificateChain(certPath, format); err != nil {
		return err
	}
	if err := c.LoadPrivateKey(keyPath, format); err != nil {
		c.events.LogCredentialLoad(context.Background(), certPath, keyPath, false, err)
		return err
	}
	if err := c.eng.CheckPrivateKey(); err != nil {
		c.eng.ClearErrors()
		mismatch := NewKeyMismatchError(err).
			WithContext("cert_path", certPath).
			WithContext("key_path", keyPath)
		c.events.LogCredentialLoad(context.Background(), certPath, keyPath, false, mismatch)
		return mismatch
	}
	c.events.LogCredentialLoad(context.Background(), certPath, keyPath, true, nil)
	return nil
}

// IsCertKeyPairValid reports whether the loaded private key matches the
// loaded certificate. It never fails; absence of either piece is false.
func (c *Context) IsCertKeyPairValid() bool {
	err := c.eng.CheckPrivateKey()
	c.eng.ClearErrors()
	return err == nil
}

// LoadTrustedCertificates replaces the trust store with the CA certificates
// read from path.
func (c *Context) LoadTrustedCertificates(path string) error {
	if strings.TrimSpace(path) == "" {
		return NewInvalidArgumentError("trusted certificates path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return NewCredentialLoadError("read trusted certificates file", err).
			WithContext("path", path)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return NewCredentialLoadError("no trusted certificate parsed", nil).
			WithContext("path", path)
	}
	c.eng.SetTrustStore(pool)
	c.recordSource(func(s *credentialSources) {
		s.trustPath = path
	})
	return nil
}

// SetTrustStore replaces the trust store wholesale with an externally built
// pool, which the context owns from here on. A nil pool clears it.
func (c *Context) SetTrustStore(pool *x509.CertPool) {
	c.eng.SetTrustStore(pool)
}

// LoadClientCAList installs the CA pool used to verify client certificates.
// Unlike certificate and key loading this is best-effort: a failure is
// logged and the call is a no-op.
func (c *Context) LoadClientCAList(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		c.events.LogClientCAListSkipped(context.Background(), path, err)
		return
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		c.events.LogClientCAListSkipped(context.Background(), path,
			NewCredentialLoadError("no client CA certificate parsed", nil))
		return
	}
	c.eng.SetClientCAs(pool)
	c.recordSource(func(s *credentialSources) {
		s.clientCAPath = path
	})

	c.logger.Info("Client CA list loaded",
		"path", path)
}
