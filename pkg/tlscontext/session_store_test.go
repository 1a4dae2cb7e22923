package tlscontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/tlsctx/pkg/engine"
)

func newTestStore(t *testing.T, capacity int, ttl time.Duration) *SessionStore {
	t.Helper()
	store := NewSessionStore(capacity, ttl, discardLogger())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func storeState(t *testing.T, store *SessionStore, key string) *engine.ResumptionState {
	t.Helper()
	state := engine.NewServerResumptionState(key, nil)
	require.True(t, store.StoreSession(state))
	return state
}

func TestSessionStoreStoreAndLookup(t *testing.T) {
	store := newTestStore(t, 8, 0)
	state := storeState(t, store, "svc/a")

	got := store.LookupSession("svc/a")
	require.NotNil(t, got)
	assert.Same(t, state, got)
	assert.Equal(t, 2, got.RefCount(), "lookup hands out its own reference")
	got.Release()

	assert.Nil(t, store.LookupSession("svc/unknown"))
	assert.Equal(t, 1, store.Len())
}

func TestSessionStoreRejectsUnusableState(t *testing.T) {
	store := newTestStore(t, 8, 0)

	assert.False(t, store.StoreSession(nil))
	assert.False(t, store.StoreSession(engine.NewServerResumptionState("", nil)))
	assert.Equal(t, 0, store.Len())
}

func TestSessionStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := newTestStore(t, 2, 0)
	a := storeState(t, store, "svc/a")
	b := storeState(t, store, "svc/b")

	// Touch a so b becomes the eviction candidate.
	got := store.LookupSession("svc/a")
	require.NotNil(t, got)
	got.Release()

	storeState(t, store, "svc/c")

	assert.Equal(t, 2, store.Len())
	assert.Nil(t, store.LookupSession("svc/b"), "least recently used entry must be evicted")
	assert.Equal(t, 0, b.RefCount(), "evicted state must be released")
	assert.Equal(t, 1, a.RefCount())
}

func TestSessionStoreDisplacesSameKey(t *testing.T) {
	store := newTestStore(t, 4, 0)
	old := storeState(t, store, "svc/a")
	fresh := storeState(t, store, "svc/a")

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 0, old.RefCount(), "displaced state must be released")

	got := store.LookupSession("svc/a")
	require.NotNil(t, got)
	assert.Same(t, fresh, got)
	got.Release()
}

func TestSessionStoreExpiresOnLookup(t *testing.T) {
	store := newTestStore(t, 4, 20*time.Millisecond)
	state := storeState(t, store, "svc/a")

	time.Sleep(60 * time.Millisecond)

	assert.Nil(t, store.LookupSession("svc/a"))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, state.RefCount())
}

func TestSessionStoreSweepExpired(t *testing.T) {
	store := newTestStore(t, 4, 20*time.Millisecond)
	storeState(t, store, "svc/a")
	storeState(t, store, "svc/b")

	time.Sleep(60 * time.Millisecond)
	store.sweepExpired()

	assert.Equal(t, 0, store.Len())
}

func TestSessionStoreFlush(t *testing.T) {
	store := newTestStore(t, 4, 0)
	a := storeState(t, store, "svc/a")
	b := storeState(t, store, "svc/b")

	store.Flush()

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, a.RefCount())
	assert.Equal(t, 0, b.RefCount())
}

func TestSessionStoreRemoveIsIdempotent(t *testing.T) {
	store := newTestStore(t, 4, 0)
	state := storeState(t, store, "svc/a")

	store.RemoveSession("svc/a")
	store.RemoveSession("svc/a")

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, state.RefCount())
}

func TestSessionStoreCloseIsIdempotent(t *testing.T) {
	store := NewSessionStore(4, time.Minute, discardLogger())
	storeState(t, store, "svc/a")

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())
	assert.Equal(t, 0, store.Len())
}

func TestSessionStoreAttachAnnouncesDepartures(t *testing.T) {
	c := newTestContext(t)
	obs := &recordingObserver{}
	c.SetSessionLifecycleObserver(obs)

	store := newTestStore(t, 1, 0)
	store.Attach(c)
	assert.Same(t, store, c.SessionManager())

	storeState(t, store, "svc/a")
	storeState(t, store, "svc/b")

	assert.Equal(t, []string{"svc/a"}, obs.removes, "eviction must flow through the remove relay")
}

func TestSessionStoreFeedsRelayMintedSessions(t *testing.T) {
	c := newTestContext(t)
	store := newTestStore(t, 4, 0)
	store.Attach(c)
	sess := newTestSession(t, c)

	state := engine.NewServerResumptionState("svc/minted", nil)
	relayNewSession(sess, state)

	assert.Equal(t, 1, store.Len())
	got := store.LookupSession("svc/minted")
	require.NotNil(t, got)
	got.Release()
}
