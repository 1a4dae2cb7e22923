package authz

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/polisai/tlsctx/pkg/engine"
	"github.com/polisai/tlsctx/pkg/tlscontext"
)

// MissAction selects the handshake outcome when the policy denies a name or
// renders no decision.
type MissAction int

const (
	// MissContinue continues the handshake without acknowledging the name.
	MissContinue MissAction = iota
	// MissReject aborts the handshake.
	MissReject
)

// ParseMissAction converts a configuration string to a MissAction.
func ParseMissAction(action string) (MissAction, error) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "", "continue":
		return MissContinue, nil
	case "reject":
		return MissReject, nil
	default:
		return 0, fmt.Errorf("unknown on_miss action %q (expected continue or reject)", action)
	}
}

// Options control gate construction and runtime behaviour.
type Options struct {
	// Module is the Rego source evaluated for each indicated name.
	Module string
	// Filename labels the module in parse errors.
	Filename string
	// Query is the decision path (e.g. "data.tlsctx.authz.allow"). The
	// decision it names must evaluate to a boolean.
	Query string
	// OnMiss selects the outcome for denied or undefined decisions.
	OnMiss MissAction
	// CacheMaxEntries bounds the verdict cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

const (
	defaultQuery         = "data.tlsctx.authz.allow"
	defaultCacheCapacity = 1024
)

// Gate evaluates server name verdicts using an embedded OPA instance. It
// implements the context manager's server name callback.
type Gate struct {
	prepared rego.PreparedEvalQuery
	query    string
	miss     tlscontext.ServerNameOutcome
	cache    *verdictCache
	logger   *slog.Logger
}

// NewGate compiles the supplied module and prepares the decision query.
func NewGate(ctx context.Context, opts Options, logger *slog.Logger) (*Gate, error) {
	if strings.TrimSpace(opts.Module) == "" {
		return nil, fmt.Errorf("authorization gate requires a rego module")
	}

	query := strings.TrimSpace(opts.Query)
	if query == "" {
		query = defaultQuery
	}

	filename := strings.TrimSpace(opts.Filename)
	if filename == "" {
		filename = "authz.rego"
	}

	if logger == nil {
		logger = slog.Default()
	}

	module, err := ast.ParseModuleWithOpts(filename, opts.Module, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return nil, fmt.Errorf("parse rego module %q: %w", filename, err)
	}

	// Preparing up front surfaces compile errors before the first handshake.
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego module: %w", err)
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}

	var cache *verdictCache
	if maxEntries > 0 {
		cache = newVerdictCache(maxEntries)
	}

	miss := tlscontext.ServerNameNotFound
	if opts.OnMiss == MissReject {
		miss = tlscontext.ServerNameNotFoundFatal
	}

	return &Gate{
		prepared: prepared,
		query:    query,
		miss:     miss,
		cache:    cache,
		logger:   logger.With("component", "authz"),
	}, nil
}

// Evaluate renders the verdict for the session's indicated server name.
// Evaluation errors fall back to the miss outcome and are never cached.
func (g *Gate) Evaluate(sess *engine.Session) tlscontext.ServerNameOutcome {
	name := sess.ServerName()

	if g.cache != nil {
		if verdict, ok := g.cache.Get(name); ok {
			return verdict
		}
	}

	payload := map[string]any{"server_name": name}
	results, err := g.prepared.Eval(context.Background(), rego.EvalInput(payload))
	if err != nil {
		g.logger.Error("policy evaluation failed", "server_name", name, "error", err)
		return g.miss
	}

	verdict := g.miss
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		switch value := results[0].Expressions[0].Value.(type) {
		case bool:
			if value {
				verdict = tlscontext.ServerNameFound
			}
		default:
			g.logger.Error("policy decision must be boolean",
				"query", g.query, "server_name", name, "type", fmt.Sprintf("%T", value))
		}
	}

	if verdict != tlscontext.ServerNameFound {
		g.logger.Warn("server name not allowed by policy",
			"server_name", name, "outcome", verdict.String())
	}

	if g.cache != nil {
		g.cache.Add(name, verdict)
	}
	return verdict
}

// FlushCache clears all cached verdicts. Safe to call concurrently.
func (g *Gate) FlushCache() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

type verdictCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type verdictEntry struct {
	name    string
	verdict tlscontext.ServerNameOutcome
}

func newVerdictCache(capacity int) *verdictCache {
	return &verdictCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *verdictCache) Get(name string) (tlscontext.ServerNameOutcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[name]
	if !ok {
		return tlscontext.ServerNameNotFound, false
	}
	c.order.MoveToFront(elem)
	entry := elem.Value.(verdictEntry)
	return entry.verdict, true
}

func (c *verdictCache) Add(name string, verdict tlscontext.ServerNameOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[name]; ok {
		elem.Value = verdictEntry{name: name, verdict: verdict}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(verdictEntry{name: name, verdict: verdict})
	c.entries[name] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		entry := tail.Value.(verdictEntry)
		delete(c.entries, entry.name)
	}
}

func (c *verdictCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
