package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tlsctx/internal/certinfo"
)

func TestLoadServeConfig(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "tlsctx.yaml")
	configYAML := `server:
  address: ":9443"
  admin_address: ":9095"
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(configFile, []byte(configYAML), 0644))

	tests := []struct {
		name          string
		opts          *serveOptions
		expectError   bool
		expectedAddr  string
		expectedAdmin string
		expectedLevel string
	}{
		{
			name:          "defaults without config file",
			opts:          &serveOptions{},
			expectedAddr:  ":8443",
			expectedAdmin: ":9095",
			expectedLevel: "info",
		},
		{
			name: "flag overrides",
			opts: &serveOptions{
				listen:      ":7443",
				adminListen: ":7444",
				logLevel:    "warn",
			},
			expectedAddr:  ":7443",
			expectedAdmin: ":7444",
			expectedLevel: "warn",
		},
		{
			name:          "config file values",
			opts:          &serveOptions{configPath: configFile},
			expectedAddr:  ":9443",
			expectedAdmin: ":9095",
			expectedLevel: "debug",
		},
		{
			name: "flags override config file",
			opts: &serveOptions{
				configPath: configFile,
				listen:     ":7443",
			},
			expectedAddr:  ":7443",
			expectedAdmin: ":9095",
			expectedLevel: "debug",
		},
		{
			name:        "non-existent config file",
			opts:        &serveOptions{configPath: "/non/existent/path.yaml"},
			expectError: true,
		},
		{
			name:        "invalid log level",
			opts:        &serveOptions{logLevel: "loud"},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadServeConfig(tt.opts)

			if tt.expectError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expectedAddr, cfg.Server.Address)
			assert.Equal(t, tt.expectedAdmin, cfg.Server.AdminAddress)
			assert.Equal(t, tt.expectedLevel, cfg.Logging.Level)
		})
	}
}

func TestLoadServeConfigPrettyFlag(t *testing.T) {
	cfg, err := loadServeConfig(&serveOptions{pretty: true})
	require.NoError(t, err)
	assert.True(t, cfg.Logging.Pretty)
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "tlsctx", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)

	var names []string
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "cert")
	assert.Contains(t, names, "version")

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	configFlag := serve.Flags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	logLevelFlag := serve.Flags().Lookup("log-level")
	require.NotNil(t, logLevelFlag)
	assert.Equal(t, "l", logLevelFlag.Shorthand)
}

func TestCertGenerateValidateInspect(t *testing.T) {
	dir := t.TempDir()

	opts := &generateOptions{
		commonName:   "unit.example.com",
		organization: "Development",
		dnsNames:     "unit.example.com,alt.example.com",
		ipAddresses:  "127.0.0.1",
		validFor:     24 * time.Hour,
		keyType:      "ecdsa",
		certFile:     "unit.crt",
		keyFile:      "unit.key",
		outputDir:    dir,
	}
	require.NoError(t, runCertGenerate(opts))

	certPath := filepath.Join(dir, "unit.crt")
	keyPath := filepath.Join(dir, "unit.key")
	require.FileExists(t, certPath)
	require.FileExists(t, keyPath)

	require.NoError(t, runCertValidate(certPath, keyPath, false))
	require.NoError(t, runCertInspect(certPath, "text"))
	require.NoError(t, runCertInspect(certPath, "json"))
	assert.Error(t, runCertInspect(certPath, "xml"))

	report, err := certinfo.InspectFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"unit.example.com", "alt.example.com"}, report.DNSNames)
	assert.Contains(t, report.Subject, "unit.example.com")
}

func TestCertGenerateWithAuthority(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, runCertGenerate(&generateOptions{
		commonName:   "Unit CA",
		organization: "Development",
		isCA:         true,
		validFor:     24 * time.Hour,
		keyType:      "ecdsa",
		certFile:     "ca.crt",
		keyFile:      "ca.key",
		outputDir:    dir,
	}))

	require.NoError(t, runCertGenerate(&generateOptions{
		commonName:   "leaf.example.com",
		organization: "Development",
		dnsNames:     "leaf.example.com",
		validFor:     24 * time.Hour,
		keyType:      "ecdsa",
		caCertFile:   filepath.Join(dir, "ca.crt"),
		caKeyFile:    filepath.Join(dir, "ca.key"),
		certFile:     "leaf.crt",
		keyFile:      "leaf.key",
		outputDir:    dir,
	}))

	report, err := certinfo.InspectFile(filepath.Join(dir, "leaf.crt"))
	require.NoError(t, err)
	assert.Contains(t, report.Issuer, "Unit CA")

	// A key that does not match the certificate fails pair validation.
	assert.Error(t, runCertValidate(filepath.Join(dir, "leaf.crt"), filepath.Join(dir, "ca.key"), false))

	assert.Error(t, runCertGenerate(&generateOptions{
		commonName: "incomplete",
		caCertFile: filepath.Join(dir, "ca.crt"),
		outputDir:  dir,
		certFile:   "x.crt",
		keyFile:    "x.key",
	}))
}

func TestCertGenerateDevBundle(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, runCertGenerate(&generateOptions{outputDir: dir, devBundle: true}))

	for _, name := range []string{
		"ca.crt", "ca.key",
		"server.crt", "server.key",
		"client.crt", "client.key",
		"api.crt", "api.key",
	} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "empty", input: "", expected: nil},
		{name: "single", input: "example.com", expected: []string{"example.com"}},
		{
			name:     "multiple with spaces",
			input:    "a.example.com, b.example.com ,c.example.com",
			expected: []string{"a.example.com", "b.example.com", "c.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, splitList(tt.input))
		})
	}
}

func TestParseIPList(t *testing.T) {
	ips := parseIPList("127.0.0.1, ::1, not-an-ip")
	require.Len(t, ips, 2)
	assert.Equal(t, net.ParseIP("127.0.0.1"), ips[0])
	assert.Equal(t, net.ParseIP("::1"), ips[1])

	assert.Nil(t, parseIPList(""))
}
