package tlscontext

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/tlsctx/pkg/engine"
)

// DefaultSessionStoreCapacity bounds the store when the caller passes a
// non-positive capacity.
const DefaultSessionStoreCapacity = 1024

// SessionStore is a bounded session manager with per-entry expiry. Entries
// are kept in recency order; storing past capacity evicts the least recently
// used entry, and expired entries are dropped on lookup and by a background
// sweep. Every departure is announced through the owning engine context's
// remove-session path, so lifecycle observers see evictions as well as
// explicit removals.
type SessionStore struct {
	mu        sync.Mutex
	max       int
	ttl       time.Duration
	order     *list.List
	entries   map[string]*list.Element
	eng       *engine.Context
	metrics   *ContextMetricsCollector
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

type storeEntry struct {
	id       string
	key      string
	state    *engine.ResumptionState
	storedAt time.Time
}

// NewSessionStore creates a store holding at most capacity sessions for at
// most ttl each. A non-positive ttl disables expiry.
func NewSessionStore(capacity int, ttl time.Duration, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultSessionStoreCapacity
	}

	store := &SessionStore{
		max:     capacity,
		ttl:     ttl,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
		logger:  logger.With("component", "session_store"),
		done:    make(chan struct{}),
	}

	if ttl > 0 {
		// Start sweep goroutine
		go store.sweep()
	}

	return store
}

// Attach registers the store as the context's session manager and binds the
// engine handle that eviction announcements flow through.
func (s *SessionStore) Attach(c *Context) {
	s.mu.Lock()
	s.eng = c.Engine()
	s.metrics = c.metrics
	s.mu.Unlock()

	c.SetSessionManager(s)
}

// StoreSession accepts ownership of the offered state and files it under its
// key. Storing a key that is already present displaces the old state, which
// leaves through the removal announcement. Returns false, leaving ownership
// with the caller, only for unusable state.
func (s *SessionStore) StoreSession(state *engine.ResumptionState) bool {
	if state == nil || state.Key() == "" {
		return false
	}

	var departed []*storeEntry
	s.mu.Lock()

	entry := &storeEntry{
		id:       uuid.NewString(),
		key:      state.Key(),
		state:    state,
		storedAt: time.Now(),
	}

	fresh := true
	if elem, ok := s.entries[entry.key]; ok {
		departed = append(departed, elem.Value.(*storeEntry))
		elem.Value = entry
		s.order.MoveToFront(elem)
		fresh = false
	} else {
		s.entries[entry.key] = s.order.PushFront(entry)
	}

	if s.order.Len() > s.max {
		tail := s.order.Back()
		if tail != nil {
			s.order.Remove(tail)
			old := tail.Value.(*storeEntry)
			delete(s.entries, old.key)
			departed = append(departed, old)
		}
	}

	size := s.order.Len()
	s.mu.Unlock()

	if fresh && s.metrics != nil {
		s.metrics.AddStoreEntries(context.Background(), 1)
	}
	s.logger.Debug("Stored TLS session", "entry_id", entry.id, "key", entry.key, "store_size", size)

	for _, old := range departed {
		s.announceDeparture(old, "displaced")
	}
	return true
}

// LookupSession returns the stored state for key with its own retained
// reference, or nil. A hit refreshes the entry's recency; an expired entry
// is dropped and announced instead of returned.
func (s *SessionStore) LookupSession(key string) *engine.ResumptionState {
	s.mu.Lock()
	elem, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	entry := elem.Value.(*storeEntry)
	if s.ttl > 0 && time.Since(entry.storedAt) > s.ttl {
		s.order.Remove(elem)
		delete(s.entries, key)
		s.mu.Unlock()
		s.announceDeparture(entry, "expired")
		return nil
	}

	s.order.MoveToFront(elem)
	state := entry.state.Retain()
	s.mu.Unlock()
	return state
}

// RemoveSession drops the entry for key if present. Unknown keys are a
// no-op.
func (s *SessionStore) RemoveSession(key string) {
	s.mu.Lock()
	elem, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry := elem.Value.(*storeEntry)
	s.order.Remove(elem)
	delete(s.entries, key)
	s.mu.Unlock()

	s.announceDeparture(entry, "removed")
}

// Flush drops every entry, announcing each departure.
func (s *SessionStore) Flush() {
	s.mu.Lock()
	departed := make([]*storeEntry, 0, s.order.Len())
	for elem := s.order.Front(); elem != nil; elem = elem.Next() {
		departed = append(departed, elem.Value.(*storeEntry))
	}
	s.order.Init()
	s.entries = make(map[string]*list.Element, s.max)
	s.mu.Unlock()

	for _, entry := range departed {
		s.announceDeparture(entry, "flushed")
	}
}

// Len reports the number of stored sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Close stops the sweeper and flushes the store.
func (s *SessionStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.Flush()
	return nil
}

// announceDeparture runs outside the store lock: the engine's remove path
// notifies observers that may call back into the store.
func (s *SessionStore) announceDeparture(entry *storeEntry, reason string) {
	s.mu.Lock()
	eng := s.eng
	metrics := s.metrics
	s.mu.Unlock()

	if eng != nil {
		eng.RemoveSession(entry.state)
	}
	entry.state.Release()

	if metrics != nil {
		metrics.AddStoreEntries(context.Background(), -1)
	}
	s.logger.Debug("Session left store", "entry_id", entry.id, "key", entry.key, "reason", reason)
}

// sweep drops expired entries in the background.
func (s *SessionStore) sweep() {
	interval := s.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.done:
			return
		}
	}
}

func (s *SessionStore) sweepExpired() {
	if s.ttl <= 0 {
		return
	}

	var expired []*storeEntry
	now := time.Now()

	s.mu.Lock()
	for elem := s.order.Front(); elem != nil; {
		next := elem.Next()
		entry := elem.Value.(*storeEntry)
		if now.Sub(entry.storedAt) > s.ttl {
			s.order.Remove(elem)
			delete(s.entries, entry.key)
			expired = append(expired, entry)
		}
		elem = next
	}
	s.mu.Unlock()

	for _, entry := range expired {
		s.announceDeparture(entry, "expired")
	}
}
