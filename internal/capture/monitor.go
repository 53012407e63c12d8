package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

const seenBucket = "seen_pcaps"

// DNSSink receives the queries extracted from a capture file. The store
// persists the batch; the submitter feeds each query into the DNS analyzer.
type DNSSink interface {
	StoreDNS(ctx context.Context, queries []*model.DNSQuery) error
}

// DNSSubmitter forwards one query to the analysis orchestrator.
type DNSSubmitter interface {
	SubmitDNS(q *model.DNSQuery)
}

// Monitor watches capture directories for rotated pcap files and runs the
// DNS post-processing pass over each file exactly once per lifetime. The
// seen set is persisted in bbolt so a restart does not reprocess old files.
type Monitor struct {
	dirs      []string
	interval  time.Duration
	dissector Dissector
	sink      DNSSink
	submitter DNSSubmitter
	db        *bbolt.DB
	logger    *zap.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor builds a monitor polling dirs every interval.
func NewMonitor(dirs []string, interval time.Duration, dissector Dissector, sink DNSSink, submitter DNSSubmitter, db *bbolt.DB, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		dirs:      dirs,
		interval:  interval,
		dissector: dissector,
		sink:      sink,
		submitter: submitter,
		db:        db,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Start loads the persisted seen set and begins polling.
func (m *Monitor) Start(ctx context.Context) error {
	if m.db != nil {
		err := m.db.Update(func(tx *bbolt.Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte(seenBucket))
			if err != nil {
				return err
			}
			return b.ForEach(func(k, _ []byte) error {
				m.seen[string(k)] = struct{}{}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(runCtx)
	m.logger.Info("pcap monitor started",
		zap.Strings("dirs", m.dirs),
		zap.Duration("interval", m.interval),
		zap.Int("already_seen", len(m.seen)))
	return nil
}

// Stop halts polling. In-flight file processing finishes.
func (m *Monitor) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.scan(ctx)
	for {
		select {
		case <-ticker.C:
			m.scan(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// scan processes every settled, unseen capture file. The glob covers
// rotation suffixes like capture_<ts>.pcap1; a file whose mtime is within
// one poll interval is still being written and is left for a later pass.
func (m *Monitor) scan(ctx context.Context) {
	settled := time.Now().Add(-m.interval)
	for _, dir := range m.dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.pcap*"))
		if err != nil {
			m.logger.Warn("pcap glob failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().After(settled) {
				continue
			}
			m.processOnce(ctx, path)
		}
	}
}

// processOnce runs the post-processing pass unless the file was already
// processed. The file is recorded as seen only after dissection succeeds,
// so a truncated or unreadable file is retried on a later pass.
func (m *Monitor) processOnce(ctx context.Context, path string) {
	if m.isSeen(path) {
		return
	}
	if m.process(ctx, path) {
		m.markSeen(path)
	}
}

func (m *Monitor) isSeen(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[path]
	return ok
}

// markSeen records the path in memory and in the persistent ledger.
func (m *Monitor) markSeen(path string) {
	m.mu.Lock()
	m.seen[path] = struct{}{}
	m.mu.Unlock()

	if m.db != nil {
		err := m.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(seenBucket)).Put([]byte(path), []byte{1})
		})
		if err != nil {
			m.logger.Warn("persist seen path failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// ProcessFile runs one post-processing pass over a closed capture file,
// regardless of how recently it was written. The exporter schedules this on
// shutdown for its final output file; polling never claims a file it has
// not dissected, so the shutdown pass always reaches the file's content.
func (m *Monitor) ProcessFile(path string) {
	m.processOnce(context.Background(), path)
}

// process dissects one file and forwards its queries. Returns whether
// dissection succeeded.
func (m *Monitor) process(ctx context.Context, path string) bool {
	sessionID := SessionIDFromFilename(path)

	records, err := m.dissector.ExtractDNS(ctx, path)
	if err != nil {
		m.logger.Error("dns extraction failed", zap.String("path", path), zap.Error(err))
		return false
	}
	if len(records) == 0 {
		m.logger.Debug("no dns queries in capture file", zap.String("path", path))
		return true
	}

	queries := make([]*model.DNSQuery, 0, len(records))
	for _, rec := range records {
		q := &model.DNSQuery{
			ID:        model.NewID(),
			SessionID: sessionID,
			Timestamp: rec.Timestamp,
			Name:      rec.Name,
			Type:      DNSTypeSymbol(rec.Type),
			SrcIP:     rec.SrcIP,
			DstIP:     rec.DstIP,
		}
		if len(rec.Addresses) > 0 || len(rec.CNAMEs) > 0 {
			q.Response = &model.DNSResponse{Addresses: rec.Addresses, CNAMEs: rec.CNAMEs}
		}
		queries = append(queries, q)
	}

	if err := m.sink.StoreDNS(ctx, queries); err != nil {
		m.logger.Error("dns batch persist failed", zap.String("path", path),
			zap.Int("queries", len(queries)), zap.Error(err))
	}
	if m.submitter != nil {
		for _, q := range queries {
			m.submitter.SubmitDNS(q)
		}
	}
	m.logger.Info("processed capture file",
		zap.String("path", path),
		zap.String("session_id", sessionID),
		zap.Int("queries", len(queries)))
	return true
}

// SessionIDFromFilename derives the owning session id from a capture file
// name: session_<id>.pcap yields <id>, capture_<ts>.pcap yields <ts>, any
// other name yields its stem.
func SessionIDFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch {
	case strings.HasPrefix(stem, "session_"):
		return strings.TrimPrefix(stem, "session_")
	case strings.HasPrefix(stem, "capture_"):
		return strings.TrimPrefix(stem, "capture_")
	default:
		return stem
	}
}
