// Package certinfo inspects PEM-encoded certificates for the cert inspect
// and cert validate commands.
package certinfo

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Report contains comprehensive certificate information
type Report struct {
	File               string           `json:"file"`
	Subject            string           `json:"subject"`
	Issuer             string           `json:"issuer"`
	NotBefore          time.Time        `json:"not_before"`
	NotAfter           time.Time        `json:"not_after"`
	DNSNames           []string         `json:"dns_names,omitempty"`
	IPAddresses        []net.IP         `json:"ip_addresses,omitempty"`
	Version            int              `json:"version"`
	SerialNumber       string           `json:"serial_number"`
	SignatureAlgorithm string           `json:"signature_algorithm"`
	PublicKeyAlgorithm string           `json:"public_key_algorithm"`
	KeySize            int              `json:"key_size"`
	IsCA               bool             `json:"is_ca"`
	KeyUsage           []string         `json:"key_usage,omitempty"`
	ExtKeyUsage        []string         `json:"ext_key_usage,omitempty"`
	Chain              []ChainEntry     `json:"chain,omitempty"`
	Status             ValidationStatus `json:"status"`
}

// ChainEntry contains information about an intermediate or root certificate
type ChainEntry struct {
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	SerialNumber       string    `json:"serial_number"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
}

// ValidationStatus contains certificate validation results
type ValidationStatus struct {
	Valid         bool     `json:"valid"`
	Expired       bool     `json:"expired"`
	NotYetValid   bool     `json:"not_yet_valid"`
	SelfSigned    bool     `json:"self_signed"`
	ChainValid    bool     `json:"chain_valid"`
	Warnings      []string `json:"warnings,omitempty"`
	Errors        []string `json:"errors,omitempty"`
	ExpiresInDays int      `json:"expires_in_days"`
	ChainLength   int      `json:"chain_length"`
}

// InspectFile performs detailed inspection of a certificate file
func InspectFile(certFile string) (*Report, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	return InspectData(data, certFile)
}

// InspectData performs detailed inspection of PEM data, which may contain a
// chain. The first certificate is treated as the subject of the report.
func InspectData(data []byte, filename string) (*Report, error) {
	certs, err := parseChain(data)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no valid certificates found in file")
	}

	primary := certs[0]
	report := &Report{
		File:               filename,
		Subject:            primary.Subject.String(),
		Issuer:             primary.Issuer.String(),
		NotBefore:          primary.NotBefore,
		NotAfter:           primary.NotAfter,
		DNSNames:           primary.DNSNames,
		IPAddresses:        primary.IPAddresses,
		Version:            primary.Version,
		SerialNumber:       primary.SerialNumber.String(),
		SignatureAlgorithm: primary.SignatureAlgorithm.String(),
		PublicKeyAlgorithm: primary.PublicKeyAlgorithm.String(),
		KeySize:            keySize(primary.PublicKey),
		IsCA:               primary.IsCA,
		KeyUsage:           describeKeyUsage(primary.KeyUsage),
		ExtKeyUsage:        describeExtKeyUsage(primary.ExtKeyUsage),
		Status:             validate(primary),
	}

	if len(certs) > 1 {
		report.Chain = chainEntries(certs[1:])
		report.Status.ChainLength = len(certs)
		report.Status.ChainValid = chainSignaturesValid(certs)
	} else {
		report.Status.ChainLength = 1
		report.Status.SelfSigned = primary.Subject.String() == primary.Issuer.String()
	}

	return report, nil
}

// ValidateFile checks that a file holds a parseable certificate inside its
// validity window.
func ValidateFile(certFile string) error {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return fmt.Errorf("failed to read certificate file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != "CERTIFICATE" {
		return fmt.Errorf("PEM block is not a certificate (type: %s)", block.Type)
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate is not yet valid (valid from %v)", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate has expired (expired on %v)", cert.NotAfter)
	}

	return nil
}

func parseChain(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data

	for {
		block, remaining := pem.Decode(rest)
		if block == nil {
			break
		}

		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}

		rest = remaining
		if len(rest) == 0 {
			break
		}
	}

	return certs, nil
}

func describeKeyUsage(keyUsage x509.KeyUsage) []string {
	var usages []string

	if keyUsage&x509.KeyUsageDigitalSignature != 0 {
		usages = append(usages, "Digital Signature")
	}
	if keyUsage&x509.KeyUsageContentCommitment != 0 {
		usages = append(usages, "Content Commitment")
	}
	if keyUsage&x509.KeyUsageKeyEncipherment != 0 {
		usages = append(usages, "Key Encipherment")
	}
	if keyUsage&x509.KeyUsageDataEncipherment != 0 {
		usages = append(usages, "Data Encipherment")
	}
	if keyUsage&x509.KeyUsageKeyAgreement != 0 {
		usages = append(usages, "Key Agreement")
	}
	if keyUsage&x509.KeyUsageCertSign != 0 {
		usages = append(usages, "Certificate Sign")
	}
	if keyUsage&x509.KeyUsageCRLSign != 0 {
		usages = append(usages, "CRL Sign")
	}
	if keyUsage&x509.KeyUsageEncipherOnly != 0 {
		usages = append(usages, "Encipher Only")
	}
	if keyUsage&x509.KeyUsageDecipherOnly != 0 {
		usages = append(usages, "Decipher Only")
	}

	return usages
}

func describeExtKeyUsage(extKeyUsage []x509.ExtKeyUsage) []string {
	var usages []string

	for _, usage := range extKeyUsage {
		switch usage {
		case x509.ExtKeyUsageServerAuth:
			usages = append(usages, "Server Authentication")
		case x509.ExtKeyUsageClientAuth:
			usages = append(usages, "Client Authentication")
		case x509.ExtKeyUsageCodeSigning:
			usages = append(usages, "Code Signing")
		case x509.ExtKeyUsageEmailProtection:
			usages = append(usages, "Email Protection")
		case x509.ExtKeyUsageTimeStamping:
			usages = append(usages, "Time Stamping")
		case x509.ExtKeyUsageOCSPSigning:
			usages = append(usages, "OCSP Signing")
		default:
			usages = append(usages, fmt.Sprintf("Unknown (%v)", usage))
		}
	}

	return usages
}

func validate(cert *x509.Certificate) ValidationStatus {
	status := ValidationStatus{
		Valid:    true,
		Warnings: make([]string, 0),
		Errors:   make([]string, 0),
	}

	now := time.Now()

	if now.After(cert.NotAfter) {
		status.Expired = true
		status.Valid = false
		status.Errors = append(status.Errors, fmt.Sprintf("Certificate expired on %s", cert.NotAfter.Format(time.RFC3339)))
	} else {
		daysUntilExpiry := int(cert.NotAfter.Sub(now).Hours() / 24)
		status.ExpiresInDays = daysUntilExpiry

		if daysUntilExpiry <= 30 {
			status.Warnings = append(status.Warnings, fmt.Sprintf("Certificate expires in %d days", daysUntilExpiry))
		}
	}

	if now.Before(cert.NotBefore) {
		status.NotYetValid = true
		status.Valid = false
		status.Errors = append(status.Errors, fmt.Sprintf("Certificate is not yet valid (valid from %s)", cert.NotBefore.Format(time.RFC3339)))
	}

	// Key strength thresholds apply to RSA only; a 256-bit EC key is fine
	if rsaKey, ok := cert.PublicKey.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < 2048 {
		status.Warnings = append(status.Warnings, fmt.Sprintf("Weak key size: %d bits (recommended: 2048+ bits)", rsaKey.N.BitLen()))
	}

	if strings.Contains(strings.ToLower(cert.SignatureAlgorithm.String()), "sha1") {
		status.Warnings = append(status.Warnings, "Uses SHA-1 signature algorithm (deprecated)")
	}

	if len(cert.DNSNames) == 0 && len(cert.IPAddresses) == 0 {
		cn := cert.Subject.CommonName
		if cn != "" && (strings.Contains(cn, ".") || strings.Contains(cn, ":")) {
			status.Warnings = append(status.Warnings, "No Subject Alternative Names (SAN) present")
		}
	}

	return status
}

func keySize(publicKey interface{}) int {
	switch key := publicKey.(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	default:
		return 0
	}
}

func chainEntries(certs []*x509.Certificate) []ChainEntry {
	var entries []ChainEntry

	for _, cert := range certs {
		entries = append(entries, ChainEntry{
			Subject:            cert.Subject.String(),
			Issuer:             cert.Issuer.String(),
			SerialNumber:       cert.SerialNumber.String(),
			NotBefore:          cert.NotBefore,
			NotAfter:           cert.NotAfter,
			SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		})
	}

	return entries
}

func chainSignaturesValid(certs []*x509.Certificate) bool {
	if len(certs) < 2 {
		return true
	}

	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return false
		}
	}

	return true
}

// Render formats the report for terminal output.
func (r *Report) Render() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Certificate: %s\n", r.File)
	fmt.Fprintf(&b, "  Subject:              %s\n", r.Subject)
	fmt.Fprintf(&b, "  Issuer:               %s\n", r.Issuer)
	fmt.Fprintf(&b, "  Serial Number:        %s\n", r.SerialNumber)
	fmt.Fprintf(&b, "  Validity:             %s to %s\n",
		r.NotBefore.Format(time.RFC3339), r.NotAfter.Format(time.RFC3339))
	fmt.Fprintf(&b, "  Signature Algorithm:  %s\n", r.SignatureAlgorithm)
	fmt.Fprintf(&b, "  Public Key:           %s (%d bits)\n", r.PublicKeyAlgorithm, r.KeySize)
	if r.IsCA {
		fmt.Fprintf(&b, "  Basic Constraints:    CA\n")
	}
	if len(r.DNSNames) > 0 {
		fmt.Fprintf(&b, "  DNS Names:            %s\n", strings.Join(r.DNSNames, ", "))
	}
	if len(r.IPAddresses) > 0 {
		addrs := make([]string, 0, len(r.IPAddresses))
		for _, ip := range r.IPAddresses {
			addrs = append(addrs, ip.String())
		}
		fmt.Fprintf(&b, "  IP Addresses:         %s\n", strings.Join(addrs, ", "))
	}
	if len(r.KeyUsage) > 0 {
		fmt.Fprintf(&b, "  Key Usage:            %s\n", strings.Join(r.KeyUsage, ", "))
	}
	if len(r.ExtKeyUsage) > 0 {
		fmt.Fprintf(&b, "  Extended Key Usage:   %s\n", strings.Join(r.ExtKeyUsage, ", "))
	}

	if len(r.Chain) > 0 {
		fmt.Fprintf(&b, "  Chain (%d certificates", r.Status.ChainLength)
		if r.Status.ChainValid {
			b.WriteString(", signatures valid):\n")
		} else {
			b.WriteString(", signature check FAILED):\n")
		}
		for i, entry := range r.Chain {
			fmt.Fprintf(&b, "    %d: %s (issued by %s)\n", i+1, entry.Subject, entry.Issuer)
		}
	} else if r.Status.SelfSigned {
		fmt.Fprintf(&b, "  Self-signed:          yes\n")
	}

	switch {
	case r.Status.Valid:
		fmt.Fprintf(&b, "  Status:               valid, expires in %d days\n", r.Status.ExpiresInDays)
	default:
		fmt.Fprintf(&b, "  Status:               INVALID\n")
	}
	for _, msg := range r.Status.Errors {
		fmt.Fprintf(&b, "    error:   %s\n", msg)
	}
	for _, msg := range r.Status.Warnings {
		fmt.Fprintf(&b, "    warning: %s\n", msg)
	}

	return b.String()
}
