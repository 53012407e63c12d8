// Package session assigns a stable identity to every observed client. The
// index and all session fields are guarded by the tracker mutex; the keyed
// critical section per client address serializes check-then-act sequences.
// Persistence is an asynchronous hand-off to the store.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// Store is the persistence surface the tracker depends on.
type Store interface {
	StoreSession(ctx context.Context, s *model.Session) error
	LiveSessions(ctx context.Context, activeSince time.Time) ([]*model.Session, error)
}

const persistQueueSize = 256

// Tracker maps client addresses to sessions with lazy creation, inactivity
// expiry and persist-on-change.
type Tracker struct {
	timeout time.Duration
	store   Store
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	byAddr   map[string]*model.Session
	byID     map[string]*model.Session
	addrLock map[string]*sync.Mutex

	persistCh chan model.Session
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTracker builds a tracker with the given inactivity timeout.
func NewTracker(timeout time.Duration, store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Tracker{
		timeout:   timeout,
		store:     store,
		logger:    logger,
		now:       time.Now,
		byAddr:    make(map[string]*model.Session),
		byID:      make(map[string]*model.Session),
		addrLock:  make(map[string]*sync.Mutex),
		persistCh: make(chan model.Session, persistQueueSize),
	}
}

// lockFor returns the critical-section mutex for one client address.
func (t *Tracker) lockFor(addr string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.addrLock[addr]
	if !ok {
		m = &sync.Mutex{}
		t.addrLock[addr] = m
	}
	return m
}

// Start restores recently active sessions from the store and launches the
// persist worker and the expiry sweep.
func (t *Tracker) Start(ctx context.Context) error {
	if t.store != nil {
		restored, err := t.store.LiveSessions(ctx, t.now().Add(-t.timeout))
		if err != nil {
			// A read failure degrades to fresh sessions; identity
			// continuity is best-effort across restarts.
			t.logger.Warn("session restore failed, starting empty", zap.Error(err))
		} else {
			t.mu.Lock()
			for _, s := range restored {
				t.byAddr[s.ClientAddr] = s
				t.byID[s.ID] = s
			}
			t.mu.Unlock()
			t.logger.Info("restored sessions", zap.Int("count", len(restored)))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(2)
	go t.persistWorker(runCtx)
	go t.sweepLoop(runCtx)
	return nil
}

// Stop halts the background loops after the persist queue drains.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// GetOrCreate returns the live session id for the client address, bumping
// activity, or creates a new session. Repeated calls within the timeout
// window return the same id.
func (t *Tracker) GetOrCreate(clientAddr, macAddr, userAgent string) string {
	lock := t.lockFor(clientAddr)
	lock.Lock()
	defer lock.Unlock()

	now := t.now()

	t.mu.Lock()
	s, ok := t.byAddr[clientAddr]
	if ok && !s.Expired(now, t.timeout) {
		s.LastActivity = now
		s.RequestCount++
		if s.UserAgent == "" && userAgent != "" {
			s.UserAgent = userAgent
		}
		snapshot := *s
		t.mu.Unlock()
		t.enqueuePersist(snapshot)
		return snapshot.ID
	}
	t.mu.Unlock()

	s = &model.Session{
		ID:           model.NewSessionID(),
		ClientAddr:   clientAddr,
		MACAddr:      macAddr,
		UserAgent:    userAgent,
		CreatedAt:    now,
		LastActivity: now,
		RequestCount: 1,
	}

	t.mu.Lock()
	t.byAddr[clientAddr] = s
	t.byID[s.ID] = s
	t.mu.Unlock()

	t.logger.Info("new client session",
		zap.String("session_id", s.ID),
		zap.String("client_addr", clientAddr))
	t.enqueuePersist(*s)
	return s.ID
}

// GetSessionID looks up the live session for a client address without
// creating one.
func (t *Tracker) GetSessionID(clientAddr string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byAddr[clientAddr]
	if !ok || s.Expired(t.now(), t.timeout) {
		return "", false
	}
	return s.ID, true
}

// Get returns a copy of the session record by id.
func (t *Tracker) Get(sessionID string) (model.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// Count returns the number of live sessions in the index.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAddr)
}

// SweepExpired removes sessions past the inactivity timeout from the index
// and returns how many were removed. Persisted records are retained.
func (t *Tracker) SweepExpired() int {
	t.mu.Lock()
	var expired []*model.Session
	now := t.now()
	for _, s := range t.byAddr {
		if s.Expired(now, t.timeout) {
			expired = append(expired, s)
		}
	}
	t.mu.Unlock()

	removed := 0
	for _, s := range expired {
		lock := t.lockFor(s.ClientAddr)
		lock.Lock()
		t.mu.Lock()
		// Re-check under the address critical section: a flow may have
		// revived the session between the scan and now.
		if cur, ok := t.byAddr[s.ClientAddr]; ok && cur.ID == s.ID && cur.Expired(t.now(), t.timeout) {
			delete(t.byAddr, s.ClientAddr)
			delete(t.byID, s.ID)
			delete(t.addrLock, s.ClientAddr)
			removed++
		}
		t.mu.Unlock()
		lock.Unlock()
	}

	if removed > 0 {
		t.logger.Info("expired sessions removed", zap.Int("count", removed))
	}
	return removed
}

// enqueuePersist hands a snapshot of the session to the persist worker.
// A full queue coalesces: the latest state is captured by the next
// successful enqueue.
func (t *Tracker) enqueuePersist(snapshot model.Session) {
	select {
	case t.persistCh <- snapshot:
	default:
		t.logger.Debug("session persist queue full, coalescing",
			zap.String("session_id", snapshot.ID))
	}
}

func (t *Tracker) persistWorker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case s := <-t.persistCh:
			if t.store == nil {
				continue
			}
			if err := t.store.StoreSession(ctx, &s); err != nil {
				// The in-memory view stays authoritative; the next
				// successful persist captures the latest state.
				t.logger.Warn("session persist failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		case <-ctx.Done():
			t.drainPersist()
			return
		}
	}
}

func (t *Tracker) drainPersist() {
	for {
		select {
		case s := <-t.persistCh:
			if t.store == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := t.store.StoreSession(ctx, &s)
			cancel()
			if err != nil {
				t.logger.Warn("final session persist failed",
					zap.String("session_id", s.ID), zap.Error(err))
			}
		default:
			return
		}
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	interval := t.timeout / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.SweepExpired()
		case <-ctx.Done():
			return
		}
	}
}
