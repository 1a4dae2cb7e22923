// Package certgen generates PEM-encoded certificates and keys for
// development setups and the cert generate command.
package certgen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Options contains options for generating certificates
type Options struct {
	CommonName   string
	Organization []string
	Country      []string
	DNSNames     []string
	IPAddresses  []net.IP
	ValidFor     time.Duration
	IsCA         bool
	IsClient     bool
	// KeyType selects "ecdsa" (P-256, the default) or "rsa".
	KeyType string
	// RSABits sizes RSA keys; ignored for ECDSA. Defaults to 2048.
	RSABits      int
	SerialNumber *big.Int
	Parent       *x509.Certificate
	ParentKey    crypto.Signer
}

// serialNumberLimit bounds randomly drawn serials to 128 bits.
var serialNumberLimit = new(big.Int).Lsh(big.NewInt(1), 128)

// Generate creates a certificate and private key according to opts. Without
// a parent the certificate is self-signed.
func Generate(opts Options) (certPEM, keyPEM []byte, err error) {
	// Set defaults
	if opts.ValidFor == 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	if opts.CommonName == "" {
		opts.CommonName = "localhost"
	}
	if opts.SerialNumber == nil {
		opts.SerialNumber, err = rand.Int(rand.Reader, serialNumberLimit)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to draw serial number: %w", err)
		}
	}

	key, err := generateKey(opts.KeyType, opts.RSABits)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: opts.SerialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: opts.Organization,
			Country:      opts.Country,
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
	}

	// Default SANs keep dev certificates usable against loopback
	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	switch {
	case opts.IsCA:
		template.IsCA = true
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case opts.IsClient:
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	parent := &template
	var parentKey crypto.Signer = key
	if opts.Parent != nil && opts.ParentKey != nil {
		parent = opts.Parent
		parentKey = opts.ParentKey
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, parent, key.Public(), parentKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyDER,
	})

	return certPEM, keyPEM, nil
}

func generateKey(keyType string, rsaBits int) (crypto.Signer, error) {
	switch keyType {
	case "", "ecdsa":
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate ecdsa key: %w", err)
		}
		return key, nil
	case "rsa":
		if rsaBits == 0 {
			rsaBits = 2048
		}
		key, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rsa key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported key type %q (expected ecdsa or rsa)", keyType)
	}
}

// WriteFiles writes certificate and key to files, the key with restricted
// permissions.
func WriteFiles(certPEM, keyPEM []byte, certFile, keyFile string) error {
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate file: %w", err)
	}

	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	return nil
}

// LoadAuthority reads a CA certificate and key pair for signing leaf
// certificates. PKCS#8, PKCS#1, and SEC 1 key encodings are accepted.
func LoadAuthority(certFile, keyFile string) (*x509.Certificate, crypto.Signer, error) {
	certData, err := os.ReadFile(filepath.Clean(certFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certData)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, fmt.Errorf("CA file %s contains no certificate", certFile)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyData, err := os.ReadFile(filepath.Clean(keyFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CA key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyData)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("CA key file %s contains no PEM block", keyFile)
	}

	signer, err := parseSigner(keyBlock)
	if err != nil {
		return nil, nil, err
	}
	return cert, signer, nil
}

func parseSigner(block *pem.Block) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("failed to parse private key (tried PKCS#8, SEC 1, PKCS#1)")
}

// DevBundle generates a development certificate set under dir: a CA, a
// server certificate for localhost and example.com, a client certificate,
// and an SNI certificate for api.example.com.
func DevBundle(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	caCertPEM, caKeyPEM, err := Generate(Options{
		CommonName:   "Dev CA",
		Organization: []string{"Development"},
		IsCA:         true,
		ValidFor:     10 * 365 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := WriteFiles(caCertPEM, caKeyPEM, filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}

	caCert, caKey, err := LoadAuthority(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	if err != nil {
		return err
	}

	serverCertPEM, serverKeyPEM, err := Generate(Options{
		CommonName:  "localhost",
		DNSNames:    []string{"localhost", "example.com", "*.example.com"},
		IPAddresses: []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		Parent:      caCert,
		ParentKey:   caKey,
	})
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := WriteFiles(serverCertPEM, serverKeyPEM, filepath.Join(dir, "server.crt"), filepath.Join(dir, "server.key")); err != nil {
		return fmt.Errorf("failed to write server certificate: %w", err)
	}

	clientCertPEM, clientKeyPEM, err := Generate(Options{
		CommonName:   "dev-client",
		Organization: []string{"Development"},
		IsClient:     true,
		Parent:       caCert,
		ParentKey:    caKey,
	})
	if err != nil {
		return fmt.Errorf("failed to generate client certificate: %w", err)
	}
	if err := WriteFiles(clientCertPEM, clientKeyPEM, filepath.Join(dir, "client.crt"), filepath.Join(dir, "client.key")); err != nil {
		return fmt.Errorf("failed to write client certificate: %w", err)
	}

	sniCertPEM, sniKeyPEM, err := Generate(Options{
		CommonName: "api.example.com",
		DNSNames:   []string{"api.example.com", "api-staging.example.com"},
		Parent:     caCert,
		ParentKey:  caKey,
	})
	if err != nil {
		return fmt.Errorf("failed to generate SNI certificate: %w", err)
	}
	if err := WriteFiles(sniCertPEM, sniKeyPEM, filepath.Join(dir, "api.crt"), filepath.Join(dir, "api.key")); err != nil {
		return fmt.Errorf("failed to write SNI certificate: %w", err)
	}

	return nil
}
