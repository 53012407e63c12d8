package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

func TestSessionIDFromFilename(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/var/lib/trafficd/pcap/session_abc123.pcap", "abc123"},
		{"capture_1717243200.pcap", "1717243200"},
		{"/tmp/weird-name.pcap", "weird-name"},
		{"noext", "noext"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SessionIDFromFilename(tc.path), tc.path)
	}
}

func TestDNSTypeSymbol(t *testing.T) {
	assert.Equal(t, "A", DNSTypeSymbol(1))
	assert.Equal(t, "NS", DNSTypeSymbol(2))
	assert.Equal(t, "CNAME", DNSTypeSymbol(5))
	assert.Equal(t, "MX", DNSTypeSymbol(15))
	assert.Equal(t, "TXT", DNSTypeSymbol(16))
	assert.Equal(t, "AAAA", DNSTypeSymbol(28))
	assert.Equal(t, "TYPE65", DNSTypeSymbol(65))
}

type fakeDissector struct {
	records []DNSRecord
}

func (f fakeDissector) ExtractDNS(_ context.Context, _ string) ([]DNSRecord, error) {
	return f.records, nil
}

type captureSink struct {
	mu      sync.Mutex
	batches [][]*model.DNSQuery
}

func (s *captureSink) StoreDNS(_ context.Context, queries []*model.DNSQuery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, queries)
	return nil
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

type captureSubmitter struct {
	mu      sync.Mutex
	queries []*model.DNSQuery
}

func (s *captureSubmitter) SubmitDNS(q *model.DNSQuery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
}

func TestMonitor_ProcessFileOnce(t *testing.T) {
	sink := &captureSink{}
	sub := &captureSubmitter{}
	diss := fakeDissector{records: []DNSRecord{
		{Name: "example.com", Type: 1, Addresses: []string{"93.184.216.34"}, Timestamp: time.Now()},
		{Name: "mail.example.com", Type: 15, Timestamp: time.Now()},
	}}

	m := NewMonitor(nil, time.Hour, diss, sink, sub, nil, zap.NewNop())
	path := filepath.Join(t.TempDir(), "session_s1.pcap")

	m.ProcessFile(path)
	m.ProcessFile(path) // second pass is ignored

	require.Equal(t, 1, sink.batchCount(), "a file is processed at most once")
	batch := sink.batches[0]
	require.Len(t, batch, 2)

	assert.Equal(t, "s1", batch[0].SessionID)
	assert.Equal(t, "example.com", batch[0].Name)
	assert.Equal(t, "A", batch[0].Type)
	require.NotNil(t, batch[0].Response)
	assert.Equal(t, []string{"93.184.216.34"}, batch[0].Response.Addresses)

	assert.Equal(t, "MX", batch[1].Type)
	assert.Nil(t, batch[1].Response, "query without payload keeps a nil response")

	sub.mu.Lock()
	assert.Len(t, sub.queries, 2, "every query is fed to the DNS analyzer")
	sub.mu.Unlock()
}

// countingDissector fails its first failFor calls, then returns records.
type countingDissector struct {
	mu      sync.Mutex
	calls   int
	failFor int
	records []DNSRecord
}

func (d *countingDissector) ExtractDNS(_ context.Context, _ string) ([]DNSRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failFor {
		return nil, fmt.Errorf("truncated capture")
	}
	return d.records, nil
}

func (d *countingDissector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func backdate(t *testing.T, path string) {
	t.Helper()
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestMonitor_ShutdownPassCoversActiveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session_s9.pcap")
	require.NoError(t, os.WriteFile(path, []byte("partial"), 0o600))

	sink := &captureSink{}
	diss := &countingDissector{records: []DNSRecord{
		{Name: "example.com", Type: 1, Timestamp: time.Now()},
	}}
	m := NewMonitor([]string{dir}, time.Hour, diss, sink, nil, nil, zap.NewNop())

	// A freshly written file is still growing; polling leaves it alone.
	m.scan(context.Background())
	assert.Equal(t, 0, diss.callCount())
	assert.Equal(t, 0, sink.batchCount())

	// The shutdown pass runs over the closed file and reaches its content.
	m.ProcessFile(path)
	assert.Equal(t, 1, diss.callCount())
	require.Equal(t, 1, sink.batchCount())
	assert.Equal(t, "s9", sink.batches[0][0].SessionID)
}

func TestMonitor_RetriesFailedDissection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture_77.pcap")
	require.NoError(t, os.WriteFile(path, []byte("pcap"), 0o600))
	backdate(t, path)

	sink := &captureSink{}
	diss := &countingDissector{failFor: 1, records: []DNSRecord{
		{Name: "example.com", Type: 1, Timestamp: time.Now()},
	}}
	m := NewMonitor([]string{dir}, time.Minute, diss, sink, nil, nil, zap.NewNop())
	ctx := context.Background()

	m.scan(ctx) // dissection fails, file stays unclaimed
	m.scan(ctx) // retried and processed
	m.scan(ctx) // now seen, skipped

	assert.Equal(t, 2, diss.callCount())
	assert.Equal(t, 1, sink.batchCount())
}

func TestMonitor_ScansRotationSuffixes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture_1717243200.pcap1")
	require.NoError(t, os.WriteFile(path, []byte("pcap"), 0o600))
	backdate(t, path)

	sink := &captureSink{}
	diss := &countingDissector{records: []DNSRecord{
		{Name: "example.com", Type: 1, Timestamp: time.Now()},
	}}
	m := NewMonitor([]string{dir}, time.Minute, diss, sink, nil, nil, zap.NewNop())

	m.scan(context.Background())

	require.Equal(t, 1, sink.batchCount(), "rotated suffixes are post-processed")
	assert.Equal(t, "1717243200", sink.batches[0][0].SessionID)
}
