package config

import (
	"fmt"
	"strings"
	"time"
)

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field       string
	Value       interface{}
	Reason      string
	Suggestions []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error in field '%s': %s", e.Field, e.Reason)
}

func (e *ConfigError) WithSuggestion(suggestion string) *ConfigError {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

func NewConfigMissingError(field string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Reason: fmt.Sprintf("required field '%s' is missing", field),
	}
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigError {
	return &ConfigError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// TLSVersion represents supported TLS protocol versions
type TLSVersion string

const (
	TLSVersion10 TLSVersion = "1.0"
	TLSVersion11 TLSVersion = "1.1"
	TLSVersion12 TLSVersion = "1.2"
	TLSVersion13 TLSVersion = "1.3"
)

// ParseTLSVersion converts a string to a TLSVersion with validation
func ParseTLSVersion(version string) (TLSVersion, error) {
	if version == "" {
		return TLSVersion12, nil
	}

	normalized := strings.TrimSpace(version)
	switch TLSVersion(normalized) {
	case TLSVersion10, TLSVersion11, TLSVersion12, TLSVersion13:
		return TLSVersion(normalized), nil
	default:
		return "", fmt.Errorf("unsupported TLS version %q", version)
	}
}

// ContextConfig describes one TLS context: protocol bounds, cipher policy,
// credentials, trust material, peer verification, session caching, and
// application protocol negotiation.
type ContextConfig struct {
	CacheID      string                   `yaml:"cache_id,omitempty" json:"cache_id,omitempty"`
	MinVersion   string                   `yaml:"min_version,omitempty" json:"min_version,omitempty"`
	MaxVersion   string                   `yaml:"max_version,omitempty" json:"max_version,omitempty"`
	CipherSuites []string                 `yaml:"cipher_suites,omitempty" json:"cipher_suites,omitempty"`
	TLS13Suites  []string                 `yaml:"tls13_cipher_suites,omitempty" json:"tls13_cipher_suites,omitempty"`
	Curves       []string                 `yaml:"curves,omitempty" json:"curves,omitempty"`
	Credentials  CredentialConfig         `yaml:"credentials" json:"credentials"`
	TrustBundles map[string]*TrustBundle  `yaml:"trust_bundles,omitempty" json:"trust_bundles,omitempty"`
	Verification RawVerification          `yaml:"verification,omitempty" json:"verification,omitempty"`
	SessionCache SessionCacheConfig       `yaml:"session_cache,omitempty" json:"session_cache,omitempty"`
	ALPN         ALPNConfig               `yaml:"alpn,omitempty" json:"alpn,omitempty"`
	SNI          map[string]TLSCertConfig `yaml:"sni,omitempty" json:"sni,omitempty"`
}

// CredentialConfig names the certificate chain and private key files.
type CredentialConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	Format   string `yaml:"format,omitempty" json:"format,omitempty"`
	Watch    bool   `yaml:"watch,omitempty" json:"watch,omitempty"`
}

// SessionCacheConfig sizes the external resumption store.
type SessionCacheConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Capacity int    `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	TTL      string `yaml:"ttl,omitempty" json:"ttl,omitempty"`
}

// ALPNConfig configures weighted application protocol negotiation.
type ALPNConfig struct {
	AllowMismatch *bool                 `yaml:"allow_mismatch,omitempty" json:"allow_mismatch,omitempty"`
	Groups        []ProtocolGroupConfig `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// ProtocolGroupConfig is one weighted set of protocol names.
type ProtocolGroupConfig struct {
	Weight    uint64   `yaml:"weight" json:"weight"`
	Protocols []string `yaml:"protocols" json:"protocols"`
}

// TLSCertConfig represents SNI-specific certificate configuration
type TLSCertConfig struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// Validate performs comprehensive validation of the context configuration
func (c *ContextConfig) Validate() error {
	// Validate TLS versions
	if c.MinVersion != "" {
		if _, err := ParseTLSVersion(c.MinVersion); err != nil {
			return NewConfigValidationError("min_version", c.MinVersion, err.Error()).
				WithSuggestion("Use a valid TLS version: 1.0, 1.1, 1.2, or 1.3").
				WithSuggestion("Consider using TLS 1.2 or higher for better security")
		}
	}

	if c.MaxVersion != "" {
		if _, err := ParseTLSVersion(c.MaxVersion); err != nil {
			return NewConfigValidationError("max_version", c.MaxVersion, err.Error()).
				WithSuggestion("Use a valid TLS version: 1.0, 1.1, 1.2, or 1.3").
				WithSuggestion("Ensure max_version is greater than or equal to min_version")
		}
	}

	// Validate version range
	if c.MinVersion != "" && c.MaxVersion != "" {
		minVer, _ := ParseTLSVersion(c.MinVersion)
		maxVer, _ := ParseTLSVersion(c.MaxVersion)
		if minVer > maxVer {
			return NewConfigValidationError("version_range",
				fmt.Sprintf("min_version=%s, max_version=%s", c.MinVersion, c.MaxVersion),
				"min_version cannot be greater than max_version").
				WithSuggestion("Ensure min_version is less than or equal to max_version").
				WithSuggestion("Review your TLS version requirements")
		}
	}

	// Additional security validation
	if err := c.validateSecuritySettings(); err != nil {
		return err
	}

	// Validate cipher suites with enhanced security checks
	if err := c.validateCipherSuites(); err != nil {
		return err
	}

	if err := c.validateTLS13Suites(); err != nil {
		return err
	}

	if err := c.validateCurves(); err != nil {
		return err
	}

	if err := c.Credentials.Validate(); err != nil {
		return err
	}

	// Bundles declared as map entries inherit their key as the name
	for name, bundle := range c.TrustBundles {
		if bundle == nil {
			return NewConfigValidationError("trust_bundles", name, "trust bundle entry is empty")
		}
		if bundle.Name == "" {
			bundle.Name = name
		}
		if err := bundle.Validate(); err != nil {
			return err
		}
	}

	// Validate verification settings and their trust bundle references
	effective, err := c.Verification.ToEffective()
	if err != nil {
		return fmt.Errorf("verification configuration error: %w", err)
	}
	if effective.TrustBundle != "" {
		if _, ok := c.TrustBundles[effective.TrustBundle]; !ok {
			return NewConfigValidationError("verification.trust_bundle", effective.TrustBundle,
				"references an undefined trust bundle").
				WithSuggestion("Define the bundle under trust_bundles").
				WithSuggestion("Check the bundle name for typos")
		}
	}

	if err := c.SessionCache.Validate(); err != nil {
		return err
	}

	if err := c.ALPN.Validate(); err != nil {
		return err
	}

	// Validate SNI configurations
	for serverName, sniConfig := range c.SNI {
		if err := sniConfig.Validate(); err != nil {
			return fmt.Errorf("SNI configuration error for server '%s': %w", serverName, err)
		}

		// Validate server name format
		if err := c.validateServerName(serverName); err != nil {
			return NewConfigValidationError("sni_server_name", serverName, err.Error()).
				WithSuggestion("Use a valid domain name or wildcard pattern").
				WithSuggestion("Examples: example.com, *.example.com, api.example.com")
		}
	}

	return nil
}

// validateCipherSuites validates the cipher suite configuration
func (c *ContextConfig) validateCipherSuites() error {
	if len(c.CipherSuites) == 0 {
		return nil // Empty means use defaults
	}

	validCiphers := map[string]bool{
		"TLS_RSA_WITH_RC4_128_SHA":                      true,
		"TLS_RSA_WITH_3DES_EDE_CBC_SHA":                 true,
		"TLS_RSA_WITH_AES_128_CBC_SHA":                  true,
		"TLS_RSA_WITH_AES_256_CBC_SHA":                  true,
		"TLS_RSA_WITH_AES_128_CBC_SHA256":               true,
		"TLS_RSA_WITH_AES_128_GCM_SHA256":               true,
		"TLS_RSA_WITH_AES_256_GCM_SHA384":               true,
		"TLS_ECDHE_ECDSA_WITH_RC4_128_SHA":              true,
		"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA":          true,
		"TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA":          true,
		"TLS_ECDHE_RSA_WITH_RC4_128_SHA":                true,
		"TLS_ECDHE_RSA_WITH_3DES_EDE_CBC_SHA":           true,
		"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA":            true,
		"TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA":            true,
		"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256":       true,
		"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256":         true,
		"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256":         true,
		"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256":       true,
		"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384":         true,
		"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384":       true,
		"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256":   true,
		"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": true,
	}

	var invalidCiphers []string
	var insecureCiphers []string

	for _, cipher := range c.CipherSuites {
		cipher = strings.TrimSpace(cipher)
		if !validCiphers[cipher] {
			invalidCiphers = append(invalidCiphers, cipher)
		}

		// Check for known insecure ciphers
		if strings.Contains(cipher, "RC4") || strings.Contains(cipher, "3DES") {
			insecureCiphers = append(insecureCiphers, cipher)
		}
	}

	if len(invalidCiphers) > 0 {
		return NewConfigValidationError("cipher_suites", invalidCiphers, "invalid cipher suites specified").
			WithSuggestion("Use only supported TLS cipher suites").
			WithSuggestion("Refer to the TLS configuration documentation for valid cipher suite names").
			WithSuggestion("Consider using modern, secure cipher suites like ECDHE with AES-GCM")
	}

	if len(insecureCiphers) > 0 {
		return NewConfigValidationError("cipher_suites", insecureCiphers, "insecure cipher suites detected").
			WithSuggestion("Remove insecure cipher suites (RC4, 3DES) from configuration").
			WithSuggestion("Use modern cipher suites with forward secrecy (ECDHE)").
			WithSuggestion("Consider using AES-GCM or ChaCha20-Poly1305 for authenticated encryption")
	}

	return nil
}

// validateTLS13Suites validates the TLS 1.3 cipher suite selection
func (c *ContextConfig) validateTLS13Suites() error {
	if len(c.TLS13Suites) == 0 {
		return nil
	}

	validSuites := map[string]bool{
		"TLS_AES_128_GCM_SHA256":       true,
		"TLS_AES_256_GCM_SHA384":       true,
		"TLS_CHACHA20_POLY1305_SHA256": true,
	}

	var invalid []string
	for _, suite := range c.TLS13Suites {
		if !validSuites[strings.TrimSpace(suite)] {
			invalid = append(invalid, suite)
		}
	}

	if len(invalid) > 0 {
		return NewConfigValidationError("tls13_cipher_suites", invalid, "unknown TLS 1.3 cipher suites specified").
			WithSuggestion("TLS 1.3 defines exactly three suites: TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256")
	}

	return nil
}

// validateCurves validates the elliptic curve preference list
func (c *ContextConfig) validateCurves() error {
	if len(c.Curves) == 0 {
		return nil
	}

	validCurves := map[string]bool{
		"P-256":  true,
		"P-384":  true,
		"P-521":  true,
		"X25519": true,
	}

	var invalid []string
	for _, curve := range c.Curves {
		if !validCurves[strings.TrimSpace(curve)] {
			invalid = append(invalid, curve)
		}
	}

	if len(invalid) > 0 {
		return NewConfigValidationError("curves", invalid, "unknown elliptic curves specified").
			WithSuggestion("Supported curves: P-256, P-384, P-521, X25519")
	}

	return nil
}

// validateSecuritySettings performs additional security validation
func (c *ContextConfig) validateSecuritySettings() error {
	// Check minimum TLS version for security
	if c.MinVersion != "" {
		minVer, err := ParseTLSVersion(c.MinVersion)
		if err == nil && minVer < TLSVersion12 {
			return NewConfigValidationError("min_version", c.MinVersion,
				"TLS versions below 1.2 are deprecated and insecure").
				WithSuggestion("Use TLS 1.2 or higher for security").
				WithSuggestion("TLS 1.3 is recommended for best security and performance")
		}
		// The negotiation floor tops out at 1.2: a 1.3-only context would
		// reject every session the manager can build.
		if err == nil && minVer == TLSVersion13 {
			return NewConfigValidationError("min_version", c.MinVersion,
				"TLS 1.3 cannot be used as the minimum protocol version").
				WithSuggestion("Set min_version to 1.2 and leave max_version empty to prefer TLS 1.3")
		}
	}

	if c.MaxVersion != "" {
		maxVer, err := ParseTLSVersion(c.MaxVersion)
		if err == nil && maxVer < TLSVersion12 {
			return NewConfigValidationError("max_version", c.MaxVersion,
				"maximum TLS version below 1.2 is insecure").
				WithSuggestion("Allow TLS 1.2 or higher").
				WithSuggestion("Remove max_version to use the latest supported version")
		}
	}

	return nil
}

// validateServerName validates SNI server name format
func (c *ContextConfig) validateServerName(serverName string) error {
	if serverName == "" {
		return fmt.Errorf("server name cannot be empty")
	}

	// Allow wildcard patterns
	if strings.HasPrefix(serverName, "*.") {
		serverName = serverName[2:] // Remove wildcard prefix for validation
	}

	// Basic domain name validation
	if len(serverName) > 253 {
		return fmt.Errorf("server name too long (max 253 characters)")
	}

	parts := strings.Split(serverName, ".")
	for _, part := range parts {
		if len(part) == 0 {
			return fmt.Errorf("empty label in server name")
		}
		if len(part) > 63 {
			return fmt.Errorf("label too long (max 63 characters): %s", part)
		}

		// Check for valid characters (simplified validation)
		for _, char := range part {
			if !((char >= 'a' && char <= 'z') || (char >= 'A' && char <= 'Z') ||
				(char >= '0' && char <= '9') || char == '-') {
				return fmt.Errorf("invalid character in server name: %c", char)
			}
		}

		// Labels cannot start or end with hyphen
		if strings.HasPrefix(part, "-") || strings.HasSuffix(part, "-") {
			return fmt.Errorf("label cannot start or end with hyphen: %s", part)
		}
	}

	return nil
}

// Validate performs validation of credential configuration
func (c *CredentialConfig) Validate() error {
	hasCert := strings.TrimSpace(c.CertFile) != ""
	hasKey := strings.TrimSpace(c.KeyFile) != ""

	if !hasCert && !hasKey {
		if c.Watch {
			return NewConfigValidationError("credentials.watch", true,
				"credential watching requires cert_file and key_file").
				WithSuggestion("Provide cert_file and key_file, or disable watch")
		}
		return nil // Credentials are optional for verify-only contexts
	}

	if !hasCert {
		return NewConfigMissingError("cert_file").
			WithSuggestion("Provide a path to a valid TLS certificate file").
			WithSuggestion("Ensure the certificate file is in PEM format")
	}
	if !hasKey {
		return NewConfigMissingError("key_file").
			WithSuggestion("Provide a path to a valid TLS private key file").
			WithSuggestion("Ensure the private key file is in PEM format and matches the certificate")
	}

	format := strings.TrimSpace(strings.ToUpper(c.Format))
	if format != "" && format != "PEM" {
		return NewConfigValidationError("credentials.format", c.Format, "unsupported credential format").
			WithSuggestion("Only PEM encoded credentials are supported").
			WithSuggestion("Convert DER material with: openssl x509 -inform der -in cert.der -out cert.pem")
	}

	return nil
}

// Validate performs validation of session cache configuration
func (c *SessionCacheConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Capacity < 0 {
		return NewConfigValidationError("session_cache.capacity", c.Capacity,
			"capacity cannot be negative").
			WithSuggestion("Use a positive capacity, or omit it for the default")
	}

	if c.TTL != "" {
		if _, err := time.ParseDuration(c.TTL); err != nil {
			return NewConfigValidationError("session_cache.ttl", c.TTL, err.Error()).
				WithSuggestion("Use a Go duration string such as 5m or 1h30m")
		}
	}

	return nil
}

// EffectiveTTL returns the parsed TTL, or zero when unset.
func (c *SessionCacheConfig) EffectiveTTL() time.Duration {
	if c.TTL == "" {
		return 0
	}
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0
	}
	return ttl
}

// Validate performs validation of protocol negotiation configuration
func (c *ALPNConfig) Validate() error {
	if len(c.Groups) == 0 {
		return nil
	}

	var totalWeight uint64
	for i, group := range c.Groups {
		if len(group.Protocols) == 0 {
			return NewConfigValidationError(fmt.Sprintf("alpn.groups[%d].protocols", i), nil,
				"protocol group defines no protocols").
				WithSuggestion("List at least one protocol name per group").
				WithSuggestion("Remove empty groups from the configuration")
		}
		for _, name := range group.Protocols {
			if name == "" {
				return NewConfigValidationError(fmt.Sprintf("alpn.groups[%d].protocols", i), name,
					"protocol names cannot be empty")
			}
			if len(name) >= 256 {
				return NewConfigValidationError(fmt.Sprintf("alpn.groups[%d].protocols", i), name,
					"protocol names must be shorter than 256 bytes").
					WithSuggestion("Use registered ALPN protocol identifiers such as h2 or http/1.1")
			}
		}
		totalWeight += group.Weight
	}

	if totalWeight == 0 {
		return NewConfigValidationError("alpn.groups", nil,
			"total group weight is zero, negotiation would be disabled").
			WithSuggestion("Give at least one group a positive weight")
	}

	return nil
}

// Validate performs validation of SNI certificate configuration
func (c *TLSCertConfig) Validate() error {
	if strings.TrimSpace(c.CertFile) == "" {
		return fmt.Errorf("cert_file is required for SNI configuration")
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return fmt.Errorf("key_file is required for SNI configuration")
	}
	return nil
}
