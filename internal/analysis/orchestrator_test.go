package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

type recordingSink struct {
	mu       sync.Mutex
	findings []*model.Finding
	records  []*model.AnalysisRecord
	fail     bool
}

func (s *recordingSink) StoreAnalysis(_ context.Context, findings []*model.Finding, records []*model.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db unavailable")
	}
	s.findings = append(s.findings, findings...)
	s.records = append(s.records, records...)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// blockingAnalyzer holds Analyze until released.
type blockingAnalyzer struct {
	name    string
	release chan struct{}
}

func (b *blockingAnalyzer) Name() string { return b.name }

func (b *blockingAnalyzer) Analyze(in Input) (*Result, error) {
	<-b.release
	return newResult(b.name, in), nil
}

type failingAnalyzer struct{}

func (failingAnalyzer) Name() string { return "failing" }

func (failingAnalyzer) Analyze(Input) (*Result, error) {
	return nil, errors.New("parse error")
}

type panickingAnalyzer struct{}

func (panickingAnalyzer) Name() string { return "panicking" }

func (panickingAnalyzer) Analyze(Input) (*Result, error) { panic("boom") }

func TestOrchestrator_FullPipeline(t *testing.T) {
	sink := &recordingSink{}
	pub := &recordingPublisher{}
	analyzers := []Analyzer{NewHTTPAnalyzer(), NewPassiveAnalyzer(), NewTLSAnalyzer()}
	o := NewOrchestrator(analyzers, Options{
		MaxConcurrent: 4,
		SoftDeadline:  time.Second,
		Cache:         NewCache(100, time.Minute),
	}, sink, pub, NewMetrics(), zap.NewNop())

	flow := httpsFlow()
	flow.ResponseHeaders.Set("Set-Cookie", "sid=abc")

	findings, admitted := o.Submit(context.Background(), flow)
	require.True(t, admitted)
	require.NotEmpty(t, findings)

	// One analysis record per analyzer, findings batched to the sink.
	sink.mu.Lock()
	assert.Len(t, sink.records, 3)
	assert.Equal(t, len(findings), len(sink.findings))
	sink.mu.Unlock()

	// Each finding was published.
	assert.Equal(t, len(findings), pub.count("finding"))

	// The cache holds one descriptor per analyzer.
	d, ok := o.opts.Cache.Get(flow.ID, "http")
	require.True(t, ok)
	assert.Greater(t, d.FindingCount, 0)

	stats := o.Metrics().GetStats(5)
	assert.Equal(t, int64(1), stats.FlowsAnalyzed)
	assert.Equal(t, int64(len(findings)), stats.FindingsGenerated)
	assert.Equal(t, 0, o.InFlight())
}

func TestOrchestrator_RejectsAtCap(t *testing.T) {
	release := make(chan struct{})
	blocking := &blockingAnalyzer{name: "blocking", release: release}
	o := NewOrchestrator([]Analyzer{blocking}, Options{MaxConcurrent: 2, SoftDeadline: time.Minute},
		nil, nil, NewMetrics(), zap.NewNop())

	var wg sync.WaitGroup
	admittedCh := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, admitted := o.Submit(context.Background(), httpsFlow())
			admittedCh <- admitted
		}()
	}

	// Wait until both submissions hold their slots.
	require.Eventually(t, func() bool { return o.InFlight() == 2 }, time.Second, time.Millisecond)

	_, admitted := o.Submit(context.Background(), httpsFlow())
	assert.False(t, admitted, "third submission is rejected, not queued")
	assert.Equal(t, int64(1), o.Metrics().GetStats(5).BackpressureRejected)

	close(release)
	wg.Wait()
	assert.True(t, <-admittedCh)
	assert.True(t, <-admittedCh)
	assert.Equal(t, 0, o.InFlight())

	// Slots are free again.
	_, admitted = o.Submit(context.Background(), httpsFlow())
	assert.True(t, admitted)
}

func TestOrchestrator_AnalyzerFailureIsolated(t *testing.T) {
	sink := &recordingSink{}
	o := NewOrchestrator([]Analyzer{failingAnalyzer{}, panickingAnalyzer{}, NewHTTPAnalyzer()},
		Options{MaxConcurrent: 4, SoftDeadline: time.Second}, sink, nil, NewMetrics(), zap.NewNop())

	flow := httpsFlow()
	flow.URL = "https://example.com/?password=x"

	findings, admitted := o.Submit(context.Background(), flow)
	require.True(t, admitted)
	assert.NotEmpty(t, findings, "the healthy analyzer still reports")
	assert.Equal(t, int64(2), o.Metrics().GetStats(5).Errors)
	assert.Equal(t, 0, o.InFlight(), "slot released despite failures")

	// Only the healthy analyzer produced a record.
	sink.mu.Lock()
	require.Len(t, sink.records, 1)
	assert.Equal(t, "http", sink.records[0].Analyzer)
	sink.mu.Unlock()
}

func TestOrchestrator_SinkFailureDoesNotPropagate(t *testing.T) {
	sink := &recordingSink{fail: true}
	o := NewOrchestrator([]Analyzer{NewHTTPAnalyzer()},
		Options{MaxConcurrent: 2, SoftDeadline: time.Second}, sink, nil, NewMetrics(), zap.NewNop())

	flow := httpsFlow()
	findings, admitted := o.Submit(context.Background(), flow)
	assert.True(t, admitted)
	assert.NotEmpty(t, findings, "findings are still returned to the caller")
}

func TestOrchestrator_SlowAnalysisEvent(t *testing.T) {
	pub := &recordingPublisher{}
	slow := &blockingAnalyzer{name: "slow", release: make(chan struct{})}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(slow.release)
	}()

	o := NewOrchestrator([]Analyzer{slow},
		Options{MaxConcurrent: 1, SoftDeadline: time.Millisecond}, nil, pub, NewMetrics(), zap.NewNop())

	_, admitted := o.Submit(context.Background(), httpsFlow())
	require.True(t, admitted)
	assert.Equal(t, 1, pub.count("slow_analysis"))
}

func TestOrchestrator_SubmitDNS(t *testing.T) {
	sink := &recordingSink{}
	o := NewOrchestrator([]Analyzer{NewHTTPAnalyzer(), NewDNSAnalyzer()},
		Options{MaxConcurrent: 2, SoftDeadline: time.Second}, sink, nil, NewMetrics(), zap.NewNop())

	q := &model.DNSQuery{ID: model.NewID(), SessionID: "s1", Name: "bad-stuff.tk", Type: "A"}
	findings, admitted := o.SubmitDNS(context.Background(), q)
	require.True(t, admitted)
	require.Len(t, findings, 1)
	assert.Equal(t, "suspicious_tld", findings[0].Category)

	// Only the DNS analyzer ran.
	sink.mu.Lock()
	require.Len(t, sink.records, 1)
	assert.Equal(t, "dns", sink.records[0].Analyzer)
	sink.mu.Unlock()
}

func TestMetrics_Windows(t *testing.T) {
	m := NewMetrics()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	m.RecordFlow(10 * time.Millisecond)
	m.RecordAnalyzer("http", 4*time.Millisecond, []*model.Finding{
		{Severity: model.SeverityHigh, Category: "weak_tls"},
	})
	now = base.Add(10 * time.Minute)
	m.RecordFlow(30 * time.Millisecond)
	m.RecordAnalyzer("http", 8*time.Millisecond, nil)
	m.RecordError()

	stats := m.GetStats(5)
	assert.Equal(t, int64(2), stats.FlowsAnalyzed)
	assert.Equal(t, int64(1), stats.FindingsGenerated)
	assert.Equal(t, int64(1), stats.Errors)
	assert.InDelta(t, 30.0, stats.WindowMeanDuration, 0.01, "only the recent sample is in the window")
	assert.Equal(t, int64(1), stats.BySeverity[model.SeverityHigh])
	assert.Equal(t, int64(1), stats.ByCategory["weak_tls"])

	http := stats.PerAnalyzer["http"]
	assert.Equal(t, 2, http.Count)
	assert.Equal(t, 4*time.Millisecond, http.Min)
	assert.Equal(t, 8*time.Millisecond, http.Max)
	assert.Equal(t, 6*time.Millisecond, http.Mean)
}

func TestMetrics_SampleBound(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < rollingSampleCap+50; i++ {
		m.RecordFlow(time.Millisecond)
	}
	m.mu.Lock()
	assert.Len(t, m.samples, rollingSampleCap)
	m.mu.Unlock()
}

func TestCache_EvictionAndTTL(t *testing.T) {
	c := NewCache(2, 50*time.Millisecond)
	c.Put("f1", "http", Descriptor{FindingCount: 1})
	c.Put("f2", "http", Descriptor{FindingCount: 2})
	c.Put("f3", "http", Descriptor{FindingCount: 3})

	_, ok := c.Get("f1", "http")
	assert.False(t, ok, "oldest entry evicted at capacity")
	d, ok := c.Get("f3", "http")
	require.True(t, ok)
	assert.Equal(t, 3, d.FindingCount)

	time.Sleep(80 * time.Millisecond)
	_, ok = c.Get("f3", "http")
	assert.False(t, ok, "entries age out by TTL")

	// A nil cache is a no-op.
	var nilCache *Cache
	nilCache.Put("f", "a", Descriptor{})
	_, ok = nilCache.Get("f", "a")
	assert.False(t, ok)
}
