// Package main is the entry point for the tlsctx binary.
// It runs the demonstration TLS server on top of configured contexts and
// ships certificate utilities for development setups.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/tlsctx/internal/certgen"
	"github.com/polisai/tlsctx/internal/certinfo"
	"github.com/polisai/tlsctx/internal/server"
	"github.com/polisai/tlsctx/pkg/config"
	"github.com/polisai/tlsctx/pkg/logging"
	"github.com/polisai/tlsctx/pkg/telemetry"
)

const (
	version     = "1.0.0"
	serviceName = "tlsctx"

	telemetryShutdownTimeout = 5 * time.Second
	gracefulShutdownTimeout  = 10 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for tlsctx
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tlsctx",
		Short: "TLS context manager server and certificate tools",
		Long: `tlsctx terminates TLS connections using contexts assembled from a YAML
configuration: credential pairs with live reload, trust bundles, peer
verification policy, weighted protocol negotiation, virtual hosts, and
policy-gated server name admission.

Example:
  tlsctx cert generate --dev-bundle --output-dir ./certs
  tlsctx serve --config tlsctx.yaml`,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCertCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

type serveOptions struct {
	configPath   string
	listen       string
	adminListen  string
	otelEndpoint string
	logLevel     string
	pretty       bool
}

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve TLS connections from the configured contexts",
		Long: `Start the TLS endpoint and its admin plane. Each accepted connection is
answered with a JSON report of the negotiated session.

Example:
  tlsctx serve --config tlsctx.yaml --listen :8443 --admin-listen :9095`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	flags.StringVar(&opts.listen, "listen", "", "TLS listen address (overrides config)")
	flags.StringVar(&opts.adminListen, "admin-listen", "", "Admin listen address (overrides config)")
	flags.StringVar(&opts.otelEndpoint, "otel-endpoint", "", "OTLP endpoint (overrides config)")
	flags.StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&opts.pretty, "pretty", false, "Enable pretty console logging")

	return cmd
}

// loadServeConfig merges the configuration file with CLI flag overrides.
func loadServeConfig(opts *serveOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("configuration load failed: %w", err)
		}
	} else {
		cfg = &config.Config{}
	}

	// CLI flags override config file values
	if opts.listen != "" {
		cfg.Server.Address = opts.listen
	}
	if opts.adminListen != "" {
		cfg.Server.AdminAddress = opts.adminListen
	}
	if opts.otelEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = opts.otelEndpoint
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.pretty {
		cfg.Logging.Pretty = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runServe is the main entry point for the serve command
func runServe(opts *serveOptions) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  serviceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Environment:  cfg.Telemetry.Environment,
		Insecure:     cfg.Telemetry.Insecure,
		Headers:      cfg.Telemetry.Headers,
		ResourceTags: cfg.Telemetry.ResourceTags,
	})
	if err != nil {
		return fmt.Errorf("telemetry initialization failed: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer shutdownCancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	if opts.configPath != "" {
		provider, err := config.NewFileConfigProvider(opts.configPath, logger)
		if err != nil {
			logger.Warn("Configuration file watching unavailable", "error", err)
		} else {
			defer func() {
				if err := provider.Close(); err != nil {
					logger.Error("Failed to close config provider", "error", err)
				}
			}()
			go watchConfigFile(ctx, provider, opts.configPath, logger)
		}
	}

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build server", "error", err)
		return err
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", "error", err)
		return err
	}

	logger.Info("Server stopped")
	return nil
}

// watchConfigFile logs configuration changes observed on disk. Contexts are
// assembled at startup, so edits take effect on restart; watching them still
// surfaces validation errors as soon as the file is saved.
func watchConfigFile(ctx context.Context, provider *config.FileConfigProvider, path string, logger *slog.Logger) {
	updates := provider.Subscribe()
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				return
			}
			if first {
				// Subscribe replays the snapshot loaded at startup
				first = false
				continue
			}
			logger.Info("Configuration file changed, restart to apply", "path", path)
		}
	}
}

// newCertCmd creates the cert command group
func newCertCmd() *cobra.Command {
	certCmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate generation and inspection utilities",
	}

	certCmd.AddCommand(newCertGenerateCmd())
	certCmd.AddCommand(newCertInspectCmd())
	certCmd.AddCommand(newCertValidateCmd())

	return certCmd
}

type generateOptions struct {
	commonName   string
	organization string
	country      string
	dnsNames     string
	ipAddresses  string
	validFor     time.Duration
	keyType      string
	rsaBits      int
	isCA         bool
	isClient     bool
	caCertFile   string
	caKeyFile    string
	certFile     string
	keyFile      string
	outputDir    string
	devBundle    bool
}

func newCertGenerateCmd() *cobra.Command {
	opts := &generateOptions{}
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate certificates for development and testing",
		Long: `Generate self-signed or CA-signed certificates.

Examples:
  # Generate a basic self-signed certificate
  tlsctx cert generate --cn localhost --dns localhost,example.com

  # Generate a CA, then a server certificate signed by it
  tlsctx cert generate --ca --cn "Dev CA" --cert ca.crt --key ca.key
  tlsctx cert generate --cn localhost --ca-cert ca.crt --ca-key ca.key

  # Generate a complete development bundle
  tlsctx cert generate --dev-bundle --output-dir ./certs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCertGenerate(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.commonName, "cn", "localhost", "Common name for the certificate")
	flags.StringVar(&opts.organization, "org", "Development", "Organization name")
	flags.StringVar(&opts.country, "country", "", "Country code")
	flags.StringVar(&opts.dnsNames, "dns", "", "Comma-separated list of DNS names (SANs)")
	flags.StringVar(&opts.ipAddresses, "ips", "", "Comma-separated list of IP addresses")
	flags.DurationVar(&opts.validFor, "valid-for", 365*24*time.Hour, "Certificate validity duration")
	flags.StringVar(&opts.keyType, "key-type", "ecdsa", "Key type: ecdsa or rsa")
	flags.IntVar(&opts.rsaBits, "rsa-bits", 2048, "RSA key size in bits (ignored for ecdsa)")
	flags.BoolVar(&opts.isCA, "ca", false, "Generate a CA certificate")
	flags.BoolVar(&opts.isClient, "client", false, "Generate a client certificate")
	flags.StringVar(&opts.caCertFile, "ca-cert", "", "CA certificate to sign with (self-signed when unset)")
	flags.StringVar(&opts.caKeyFile, "ca-key", "", "CA private key to sign with")
	flags.StringVar(&opts.certFile, "cert", "cert.pem", "Output certificate file")
	flags.StringVar(&opts.keyFile, "key", "key.pem", "Output private key file")
	flags.StringVar(&opts.outputDir, "output-dir", ".", "Output directory for certificates")
	flags.BoolVar(&opts.devBundle, "dev-bundle", false, "Generate a complete development certificate bundle")

	return cmd
}

func runCertGenerate(opts *generateOptions) error {
	if opts.devBundle {
		if err := certgen.DevBundle(opts.outputDir); err != nil {
			return fmt.Errorf("failed to generate dev bundle: %w", err)
		}
		fmt.Printf("Development certificate bundle generated in %s:\n", opts.outputDir)
		fmt.Printf("  ca.crt / ca.key          certificate authority\n")
		fmt.Printf("  server.crt / server.key  server certificate for localhost and *.example.com\n")
		fmt.Printf("  client.crt / client.key  client certificate for mutual TLS\n")
		fmt.Printf("  api.crt / api.key        virtual host certificate for api.example.com\n")
		return nil
	}

	if err := os.MkdirAll(opts.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	genOpts := certgen.Options{
		CommonName:  opts.commonName,
		DNSNames:    splitList(opts.dnsNames),
		IPAddresses: parseIPList(opts.ipAddresses),
		ValidFor:    opts.validFor,
		IsCA:        opts.isCA,
		IsClient:    opts.isClient,
		KeyType:     opts.keyType,
		RSABits:     opts.rsaBits,
	}
	if opts.organization != "" {
		genOpts.Organization = []string{opts.organization}
	}
	if opts.country != "" {
		genOpts.Country = []string{opts.country}
	}

	if opts.caCertFile != "" || opts.caKeyFile != "" {
		if opts.caCertFile == "" || opts.caKeyFile == "" {
			return fmt.Errorf("--ca-cert and --ca-key must be provided together")
		}
		parent, parentKey, err := certgen.LoadAuthority(opts.caCertFile, opts.caKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load signing authority: %w", err)
		}
		genOpts.Parent = parent
		genOpts.ParentKey = parentKey
	}

	certPEM, keyPEM, err := certgen.Generate(genOpts)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(opts.outputDir, opts.certFile)
	keyPath := filepath.Join(opts.outputDir, opts.keyFile)
	if err := certgen.WriteFiles(certPEM, keyPEM, certPath, keyPath); err != nil {
		return fmt.Errorf("failed to write certificate files: %w", err)
	}

	fmt.Printf("Certificate generated successfully:\n")
	fmt.Printf("  Certificate: %s\n", certPath)
	fmt.Printf("  Private Key: %s\n", keyPath)
	fmt.Printf("  Common Name: %s\n", opts.commonName)
	fmt.Printf("  Key Type: %s\n", opts.keyType)
	fmt.Printf("  Valid For: %v\n", opts.validFor)
	if names := splitList(opts.dnsNames); len(names) > 0 {
		fmt.Printf("  DNS Names: %s\n", strings.Join(names, ", "))
	}
	if ips := parseIPList(opts.ipAddresses); len(ips) > 0 {
		strs := make([]string, len(ips))
		for i, ip := range ips {
			strs[i] = ip.String()
		}
		fmt.Printf("  IP Addresses: %s\n", strings.Join(strs, ", "))
	}
	return nil
}

func newCertInspectCmd() *cobra.Command {
	var (
		certFile string
		format   string
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect certificate files and display information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if certFile == "" {
				return fmt.Errorf("--cert flag is required")
			}
			return runCertInspect(certFile, format)
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "", "Certificate file to inspect")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json")

	return cmd
}

func runCertInspect(certFile, format string) error {
	report, err := certinfo.InspectFile(certFile)
	if err != nil {
		return fmt.Errorf("failed to inspect certificate: %w", err)
	}

	switch format {
	case "text":
		fmt.Print(report.Render())
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode report: %w", err)
		}
		fmt.Println(string(data))
	default:
		return fmt.Errorf("unknown format %q (supported: text, json)", format)
	}
	return nil
}

func newCertValidateCmd() *cobra.Command {
	var (
		certFile string
		keyFile  string
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate certificate files and key pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if certFile == "" {
				return fmt.Errorf("--cert flag is required")
			}
			return runCertValidate(certFile, keyFile, verbose)
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "", "Certificate file to validate")
	cmd.Flags().StringVar(&keyFile, "key", "", "Private key file to validate against the certificate")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Verbose validation output")

	return cmd
}

func runCertValidate(certFile, keyFile string, verbose bool) error {
	if err := certinfo.ValidateFile(certFile); err != nil {
		return fmt.Errorf("certificate validation failed: %w", err)
	}
	if verbose {
		fmt.Printf("Certificate file is valid: %s\n", certFile)
	}

	if keyFile != "" {
		if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			return fmt.Errorf("key pair validation failed: %w", err)
		}
		if verbose {
			fmt.Printf("Private key matches certificate: %s\n", keyFile)
		}
	}

	if verbose {
		report, err := certinfo.InspectFile(certFile)
		if err != nil {
			fmt.Printf("Could not read certificate details: %v\n", err)
		} else {
			fmt.Printf("\n%s", report.Render())
		}
	} else {
		fmt.Println("Certificate is valid")
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tlsctx version %s\n", version)
		},
	}
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return parts
}

func parseIPList(value string) []net.IP {
	if value == "" {
		return nil
	}
	var ips []net.IP
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if ip := net.ParseIP(part); ip != nil {
			ips = append(ips, ip)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: invalid IP address: %s\n", part)
		}
	}
	return ips
}
