package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	live     []*model.Session
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]model.Session)}
}

func (m *memStore) StoreSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) LiveSessions(_ context.Context, _ time.Time) ([]*model.Session, error) {
	return m.live, nil
}

func TestTracker_GetOrCreateIdempotent(t *testing.T) {
	tr := NewTracker(30*time.Minute, nil, zap.NewNop())

	id1 := tr.GetOrCreate("192.168.4.10:53211", "aa:bb:cc:dd:ee:ff", "curl/8.0")
	id2 := tr.GetOrCreate("192.168.4.10:53211", "aa:bb:cc:dd:ee:ff", "curl/8.0")

	assert.Equal(t, id1, id2, "repeat requests within the window share a session")
	assert.Equal(t, 1, tr.Count())

	s, ok := tr.Get(id1)
	require.True(t, ok)
	assert.Equal(t, int64(2), s.RequestCount)
}

func TestTracker_DistinctAddresses(t *testing.T) {
	tr := NewTracker(30*time.Minute, nil, zap.NewNop())

	a := tr.GetOrCreate("192.168.4.10:1", "", "")
	b := tr.GetOrCreate("192.168.4.11:1", "", "")
	assert.NotEqual(t, a, b)
	assert.Equal(t, 2, tr.Count())
}

func TestTracker_ExpiryBoundary(t *testing.T) {
	tr := NewTracker(10*time.Minute, nil, zap.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	first := tr.GetOrCreate("10.0.0.1:1", "", "")

	// Inactivity exactly equal to the timeout expires the session.
	now = base.Add(10 * time.Minute)
	second := tr.GetOrCreate("10.0.0.1:1", "", "")
	assert.NotEqual(t, first, second, "boundary inactivity starts a fresh session")

	// One tick short keeps it alive.
	now = now.Add(10*time.Minute - time.Second)
	third := tr.GetOrCreate("10.0.0.1:1", "", "")
	assert.Equal(t, second, third)
}

func TestTracker_SweepExpired(t *testing.T) {
	tr := NewTracker(time.Minute, nil, zap.NewNop())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	tr.now = func() time.Time { return now }

	tr.GetOrCreate("10.0.0.1:1", "", "")
	tr.GetOrCreate("10.0.0.2:1", "", "")
	now = base.Add(30 * time.Second)
	tr.GetOrCreate("10.0.0.3:1", "", "")

	now = base.Add(70 * time.Second)
	removed := tr.SweepExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, tr.Count())

	_, ok := tr.GetSessionID("10.0.0.3:1")
	assert.True(t, ok)
}

func TestTracker_RestoreFromStore(t *testing.T) {
	st := newMemStore()
	st.live = []*model.Session{{
		ID:           "restored-1",
		ClientAddr:   "10.0.0.9:4000",
		CreatedAt:    time.Now().Add(-time.Minute),
		LastActivity: time.Now().Add(-time.Minute),
		RequestCount: 7,
	}}

	tr := NewTracker(30*time.Minute, st, zap.NewNop())
	require.NoError(t, tr.Start(context.Background()))
	defer func() { _ = tr.Stop(context.Background()) }()

	id := tr.GetOrCreate("10.0.0.9:4000", "", "")
	assert.Equal(t, "restored-1", id, "identity survives a restart within the window")
}

func TestTracker_PersistsAsync(t *testing.T) {
	st := newMemStore()
	tr := NewTracker(30*time.Minute, st, zap.NewNop())
	require.NoError(t, tr.Start(context.Background()))

	id := tr.GetOrCreate("10.0.0.5:1", "", "Mozilla/5.0")
	require.NoError(t, tr.Stop(context.Background()))

	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	require.True(t, ok, "session reaches the store before shutdown completes")
	assert.Equal(t, "10.0.0.5:1", s.ClientAddr)
}

func TestTracker_ConcurrentSameAddress(t *testing.T) {
	tr := NewTracker(30*time.Minute, nil, zap.NewNop())

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = tr.GetOrCreate("10.1.1.1:9999", "", "")
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		require.Equal(t, ids[0], ids[i], "concurrent callers for one address share a session")
	}
	s, ok := tr.Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, int64(n), s.RequestCount)
}

func TestTracker_ConcurrentReadersAndWriters(t *testing.T) {
	// Writers bump activity while readers consult expiry on the same
	// session; the race detector verifies the shared fields are guarded.
	tr := NewTracker(30*time.Minute, nil, zap.NewNop())
	const addr = "10.2.2.2:443"
	id := tr.GetOrCreate(addr, "", "")

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tr.GetOrCreate(addr, "", "ua/1.0")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				got, ok := tr.GetSessionID(addr)
				require.True(t, ok)
				require.Equal(t, id, got)
				tr.SweepExpired()
			}
		}()
	}
	wg.Wait()

	s, ok := tr.Get(id)
	require.True(t, ok)
	assert.Equal(t, int64(1+25*20), s.RequestCount)
	assert.Equal(t, "ua/1.0", s.UserAgent)
}
