package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/polisai/tlsctx/pkg/engine"
	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// Runtime bundles the live objects built from one ContextConfig: the context
// itself plus the optional session store and credential watcher attached to
// it. Close tears all three down in dependency order.
type Runtime struct {
	Context *tlscontext.Context
	Store   *tlscontext.SessionStore
	Watcher *tlscontext.CredentialWatcher
}

// Close releases the watcher, the store, and finally the context.
func (r *Runtime) Close() {
	if r == nil {
		return
	}
	if r.Watcher != nil {
		_ = r.Watcher.Close()
	}
	if r.Store != nil {
		_ = r.Store.Close()
	}
	if r.Context != nil {
		r.Context.Close()
	}
}

func toProtoVersion(v string) (engine.ProtoVersion, error) {
	if strings.TrimSpace(v) == "" {
		return engine.VersionAuto, nil
	}
	parsed, err := ParseTLSVersion(v)
	if err != nil {
		return 0, err
	}
	switch parsed {
	case TLSVersion10:
		return engine.VersionTLS10, nil
	case TLSVersion11:
		return engine.VersionTLS11, nil
	case TLSVersion12:
		return engine.VersionTLS12, nil
	case TLSVersion13:
		return engine.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unsupported TLS version %q", v)
}

// Build constructs a configured context from this configuration. The caller
// owns the returned Runtime and must Close it. Validate should have been
// called first; Build reports errors for problems only visible at
// construction time, such as unreadable credential files. onReload, when
// non-nil, observes the outcome of every credential reload once watching is
// enabled.
func (c *ContextConfig) Build(logger *slog.Logger, onReload func(error)) (*Runtime, error) {
	minVersion, err := toProtoVersion(c.MinVersion)
	if err != nil {
		return nil, fmt.Errorf("min_version: %w", err)
	}
	maxVersion, err := toProtoVersion(c.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("max_version: %w", err)
	}

	ctx, err := tlscontext.New(minVersion, logger)
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}

	runtime := &Runtime{Context: ctx}
	ok := false
	defer func() {
		if !ok {
			runtime.Close()
		}
	}()

	if maxVersion != engine.VersionAuto {
		if err := ctx.SetMaxProtoVersion(maxVersion); err != nil {
			return nil, fmt.Errorf("max_version: %w", err)
		}
	}

	if len(c.CipherSuites) > 0 {
		if err := ctx.SetCipherList(c.CipherSuites); err != nil {
			return nil, fmt.Errorf("cipher_suites: %w", err)
		}
	}
	if len(c.TLS13Suites) > 0 {
		if err := ctx.SetCipherSuites(c.TLS13Suites); err != nil {
			return nil, fmt.Errorf("tls13_cipher_suites: %w", err)
		}
	}
	if len(c.Curves) > 0 {
		if err := ctx.SetClientECCurves(c.Curves); err != nil {
			return nil, fmt.Errorf("curves: %w", err)
		}
	}

	if c.Credentials.CertFile != "" {
		format := strings.ToUpper(strings.TrimSpace(c.Credentials.Format))
		if format == "" {
			format = "PEM"
		}
		if err := ctx.LoadCertKeyPairFromFiles(c.Credentials.CertFile, c.Credentials.KeyFile, format); err != nil {
			return nil, fmt.Errorf("load credentials: %w", err)
		}
	}

	effective, err := c.Verification.ToEffective()
	if err != nil {
		return nil, fmt.Errorf("verification: %w", err)
	}
	if effective.TrustBundle != "" {
		bundle, found := c.TrustBundles[effective.TrustBundle]
		if !found {
			return nil, fmt.Errorf("verification references undefined trust bundle %q", effective.TrustBundle)
		}
		pool, err := bundle.CertPool()
		if err != nil {
			return nil, fmt.Errorf("trust bundle %q: %w", effective.TrustBundle, err)
		}
		ctx.SetTrustStore(pool)
	}
	if effective.ClientCAs != "" {
		ctx.LoadClientCAList(effective.ClientCAs)
	}
	if effective.Enabled {
		ctx.Authenticate(true, effective.CheckName, effective.PinnedName)
		policy := tlscontext.VerificationPolicy{
			Peer:   effective.Peer,
			Client: effective.ClientCerts,
			Server: tlscontext.ServerCertIfPresented,
		}
		if err := ctx.SetVerificationPolicy(policy); err != nil {
			return nil, fmt.Errorf("verification policy: %w", err)
		}
	} else {
		ctx.Authenticate(false, false, "")
	}

	if c.CacheID != "" {
		ctx.SetSessionCacheContext(c.CacheID)
	}

	if c.SessionCache.Enabled {
		capacity := c.SessionCache.Capacity
		if capacity == 0 {
			capacity = 1024
		}
		store := tlscontext.NewSessionStore(capacity, c.SessionCache.EffectiveTTL(), logger)
		store.Attach(ctx)
		runtime.Store = store
	}

	if len(c.ALPN.Groups) > 0 {
		if err := applyALPN(ctx, c.ALPN.Groups); err != nil {
			return nil, err
		}
	}
	if c.ALPN.AllowMismatch != nil {
		ctx.SetALPNAllowMismatch(*c.ALPN.AllowMismatch)
	}

	if c.Credentials.Watch {
		watchLogger := logger
		if watchLogger == nil {
			watchLogger = slog.Default()
		}
		watcher, err := ctx.WatchCredentialFiles(func(reloadErr error) {
			if reloadErr != nil {
				watchLogger.Error("credential reload failed", "error", reloadErr)
			} else {
				watchLogger.Info("credentials reloaded")
			}
			if onReload != nil {
				onReload(reloadErr)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("watch credentials: %w", err)
		}
		runtime.Watcher = watcher
	}

	ok = true
	return runtime, nil
}

func applyALPN(ctx *tlscontext.Context, groups []ProtocolGroupConfig) error {
	if len(groups) == 1 {
		if !ctx.SetAdvertisedProtocols(groups[0].Protocols) {
			return fmt.Errorf("alpn: rejected protocol list %v", groups[0].Protocols)
		}
		return nil
	}

	converted := make([]tlscontext.ProtocolGroup, 0, len(groups))
	for _, group := range groups {
		converted = append(converted, tlscontext.ProtocolGroup{
			Weight:    group.Weight,
			Protocols: group.Protocols,
		})
	}
	if !ctx.SetRandomizedAdvertisedProtocols(converted) {
		return fmt.Errorf("alpn: rejected weighted protocol groups")
	}
	return nil
}
