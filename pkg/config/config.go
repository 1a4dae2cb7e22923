// Package config provides configuration structures and loading logic for the
// TLS context manager.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the daemon.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Context ContextConfig `yaml:"context"`

	Authz     AuthzConfig     `yaml:"authz"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds configuration for the TLS listener and the admin server.
type ServerConfig struct {
	Address          string `yaml:"address"`
	AdminAddress     string `yaml:"admin_address"`
	HandshakeTimeout string `yaml:"handshake_timeout,omitempty"`

	// HandshakeRate caps accepted connections per second per source address.
	// Zero disables the throttle. HandshakeBurst defaults to HandshakeRate.
	HandshakeRate  int `yaml:"handshake_rate,omitempty"`
	HandshakeBurst int `yaml:"handshake_burst,omitempty"`
}

// AuthzConfig holds configuration for policy-driven server name authorization.
type AuthzConfig struct {
	Enabled      bool   `yaml:"enabled"`
	PolicyFile   string `yaml:"policy_file,omitempty"`
	PolicyInline string `yaml:"policy_inline,omitempty"`
	PolicySHA256 string `yaml:"policy_sha256,omitempty"`
	Query        string `yaml:"query,omitempty"`
	OnMiss       string `yaml:"on_miss,omitempty"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint string            `yaml:"otlp_endpoint"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	ResourceTags map[string]string `yaml:"resource_tags,omitempty"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty,omitempty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			Address:      ":8443",
			AdminAddress: ":9095",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("TLSCTX_ADDR"); val != "" {
		cfg.Server.Address = val
	}
	if val := os.Getenv("TLSCTX_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("TLSCTX_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("TLSCTX_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}

	if val := os.Getenv("TLSCTX_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}

	if val := os.Getenv("TLSCTX_CERT_FILE"); val != "" {
		cfg.Context.Credentials.CertFile = val
	}
	if val := os.Getenv("TLSCTX_KEY_FILE"); val != "" {
		cfg.Context.Credentials.KeyFile = val
	}
	if val := os.Getenv("TLSCTX_WATCH_CREDENTIALS"); val == "true" {
		cfg.Context.Credentials.Watch = true
	}
	if val := os.Getenv("TLSCTX_HANDSHAKE_RATE"); val != "" {
		if rate, err := strconv.Atoi(val); err == nil {
			cfg.Server.HandshakeRate = rate
		}
	}
	if val := os.Getenv("TLSCTX_MIN_VERSION"); val != "" {
		cfg.Context.MinVersion = val
	}
	if val := os.Getenv("TLSCTX_CACHE_ID"); val != "" {
		cfg.Context.CacheID = val
	}
}

// Validate performs comprehensive validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Context.Validate(); err != nil {
		return fmt.Errorf("context configuration: %w", err)
	}

	if err := c.Authz.Validate(); err != nil {
		return fmt.Errorf("authz configuration: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	// Set defaults if not provided
	if strings.TrimSpace(c.Address) == "" {
		c.Address = ":8443"
	}

	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":9095"
	}

	if c.Address == c.AdminAddress {
		return fmt.Errorf("address %q conflicts with admin_address", c.Address)
	}

	if c.HandshakeTimeout != "" {
		timeout, err := time.ParseDuration(c.HandshakeTimeout)
		if err != nil {
			return fmt.Errorf("invalid handshake_timeout %q: %w", c.HandshakeTimeout, err)
		}
		if timeout <= 0 {
			return fmt.Errorf("handshake_timeout must be positive, got %q", c.HandshakeTimeout)
		}
	}

	if c.HandshakeRate < 0 {
		return fmt.Errorf("handshake_rate must not be negative, got %d", c.HandshakeRate)
	}
	if c.HandshakeBurst < 0 {
		return fmt.Errorf("handshake_burst must not be negative, got %d", c.HandshakeBurst)
	}
	if c.HandshakeBurst > 0 && c.HandshakeRate == 0 {
		return fmt.Errorf("handshake_burst requires handshake_rate to be set")
	}

	return nil
}

// EffectiveHandshakeTimeout returns the parsed handshake timeout, defaulting
// to ten seconds when unset.
func (c *ServerConfig) EffectiveHandshakeTimeout() time.Duration {
	if c.HandshakeTimeout == "" {
		return 10 * time.Second
	}
	timeout, err := time.ParseDuration(c.HandshakeTimeout)
	if err != nil || timeout <= 0 {
		return 10 * time.Second
	}
	return timeout
}

// Validate performs validation of authorization configuration
func (c *AuthzConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	hasFile := strings.TrimSpace(c.PolicyFile) != ""
	hasInline := strings.TrimSpace(c.PolicyInline) != ""
	if !hasFile && !hasInline {
		return fmt.Errorf("authz is enabled but neither policy_file nor policy_inline is set")
	}
	if hasFile && hasInline {
		return fmt.Errorf("policy_file and policy_inline are mutually exclusive")
	}

	if strings.TrimSpace(c.Query) == "" {
		c.Query = "data.tlsctx.authz.allow"
	}

	onMiss := strings.TrimSpace(strings.ToLower(c.OnMiss))
	switch onMiss {
	case "":
		c.OnMiss = "continue"
	case "continue", "reject":
		c.OnMiss = onMiss
	default:
		return fmt.Errorf("invalid on_miss %q, supported values: continue, reject", c.OnMiss)
	}

	return nil
}

// Validate performs validation of telemetry configuration
func (c *TelemetryConfig) Validate() error {
	// Basic validation - OTLP endpoint format could be validated more strictly
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	// Set default log level if not provided
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level // Normalize to lowercase
		return nil
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}
}
