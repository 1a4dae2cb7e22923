package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"github.com/polisai/tlsctx/pkg/config"
	"github.com/polisai/tlsctx/pkg/engine"
	"github.com/polisai/tlsctx/pkg/telemetry"
	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// buildVirtualHosts constructs one context runtime per configured server name.
// Each virtual host inherits the base context configuration with its own
// credential pair and a partitioned session cache scope, so resumption state
// never crosses names.
func buildVirtualHosts(base *config.ContextConfig, logger *slog.Logger, onReload func(error)) (map[string]*config.Runtime, error) {
	if len(base.SNI) == 0 {
		return nil, nil
	}

	vhosts := make(map[string]*config.Runtime, len(base.SNI))
	for name, cert := range base.SNI {
		derived := *base
		derived.SNI = nil
		derived.Credentials = config.CredentialConfig{
			CertFile: cert.CertFile,
			KeyFile:  cert.KeyFile,
			Format:   base.Credentials.Format,
			Watch:    base.Credentials.Watch,
		}
		if derived.CacheID != "" {
			derived.CacheID = derived.CacheID + "/" + name
		}

		runtime, err := derived.Build(logger, onReload)
		if err != nil {
			for _, built := range vhosts {
				built.Close()
			}
			return nil, fmt.Errorf("virtual host %s: %w", name, err)
		}
		vhosts[name] = runtime
	}

	return vhosts, nil
}

// runtimeFor picks the context serving the indicated name. Exact matches win,
// then wildcard entries under certificate name-matching rules; everything
// else lands on the default context.
func (s *Server) runtimeFor(serverName string) *config.Runtime {
	if serverName != "" {
		if rt, ok := s.vhosts[serverName]; ok {
			return rt
		}
		for pattern, rt := range s.vhosts {
			if tlscontext.MatchHostnamePattern(serverName, pattern) {
				return rt
			}
		}
	}
	return s.deflt
}

// acceptConfig builds the tls.Config handed to every accepted connection.
// Virtual host routing happens before session creation: the client hello's
// server name picks the owning context, and a session created from that
// context then drives its own callback dispatch, so server name admission and
// weighted protocol selection run with the routed context's configuration.
func (s *Server) acceptConfig() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			rt := s.runtimeFor(chi.ServerName)
			sess, err := rt.Context.CreateSession()
			if err != nil {
				return nil, err
			}
			cfg := sess.ServerConfig()
			if next := cfg.GetConfigForClient; next != nil {
				return next(chi)
			}
			return cfg, nil
		},
	}
}

// meteredServerNameCallback forwards verdicts to the wrapped callback and
// mirrors each outcome into the Prometheus exposition.
type meteredServerNameCallback struct {
	next    tlscontext.ServerNameCallback
	metrics *telemetry.Metrics
}

func (m meteredServerNameCallback) Evaluate(sess *engine.Session) tlscontext.ServerNameOutcome {
	outcome := m.next.Evaluate(sess)
	m.metrics.RecordServerNameDecision(outcome.String())
	return outcome
}
