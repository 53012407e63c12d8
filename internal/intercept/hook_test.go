package intercept

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

type stubSessions struct {
	mu    sync.Mutex
	calls int
}

func (s *stubSessions) GetOrCreate(clientAddr, _, _ string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "sess-" + clientAddr
}

type stubSink struct {
	mu    sync.Mutex
	flows []*model.Flow
	fail  bool
}

func (s *stubSink) StoreFlow(_ context.Context, flow *model.Flow, _ []*model.Finding, _ []*model.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.flows = append(s.flows, flow)
	return nil
}

func (s *stubSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flows)
}

type stubSubmitter struct {
	mu    sync.Mutex
	flows []*model.Flow
}

func (s *stubSubmitter) Submit(_ context.Context, flow *model.Flow) ([]*model.Finding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows = append(s.flows, flow)
	return nil, true
}

type stubPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *stubPublisher) Publish(eventType string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
}

func sampleExchange() *Exchange {
	started := time.Now().Add(-50 * time.Millisecond)
	return &Exchange{
		ClientAddr: "192.168.4.10:50011",
		Method:     "GET",
		Scheme:     "https",
		Host:       "api.example.com",
		RequestURI: "/v1/users?limit=10",
		RequestHeader: http.Header{
			"User-Agent":    {"curl/8.0"},
			"Authorization": {"Bearer abc"},
		},
		StatusCode: 200,
		ResponseHeader: http.Header{
			"Content-Type": {"application/json"},
			"Set-Cookie":   {"sid=1; Secure; HttpOnly"},
		},
		ResponseSize: 512,
		Started:      started,
		Completed:    time.Now(),
	}
}

func TestHook_BuildsFlow(t *testing.T) {
	sessions := &stubSessions{}
	h := NewHook(sessions, nil, nil, nil, zap.NewNop())

	flow := h.OnExchange(sampleExchange())

	assert.Equal(t, "sess-192.168.4.10:50011", flow.SessionID)
	assert.Equal(t, "https://api.example.com/v1/users?limit=10", flow.URL)
	assert.Equal(t, "/v1/users", flow.Path)
	assert.Equal(t, "api.example.com", flow.Host)
	assert.Equal(t, "application/json", flow.ContentType)
	assert.Equal(t, model.AuthBearer, flow.AuthKind)
	assert.Equal(t, []string{"sid=1; Secure; HttpOnly"}, flow.Cookies)
	assert.False(t, flow.SensitiveData)
	assert.Greater(t, flow.Duration, time.Duration(0))
	assert.Nil(t, flow.TLS, "no TLS state captured, block stays nil")
	assert.True(t, flow.IsHTTPS())
}

func TestHook_SensitiveFlag(t *testing.T) {
	h := NewHook(&stubSessions{}, nil, nil, nil, zap.NewNop())

	ex := sampleExchange()
	ex.RequestURI = "/login?password=hunter2"
	flow := h.OnExchange(ex)
	assert.True(t, flow.SensitiveData)
}

func TestHook_DispatchesAllThreeLegs(t *testing.T) {
	sink := &stubSink{}
	sub := &stubSubmitter{}
	pub := &stubPublisher{}
	h := NewHook(&stubSessions{}, sink, sub, pub, zap.NewNop())
	require.NoError(t, h.Start(context.Background()))

	h.OnExchange(sampleExchange())

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Stop(context.Background()))

	sub.mu.Lock()
	assert.Len(t, sub.flows, 1)
	sub.mu.Unlock()

	pub.mu.Lock()
	assert.Equal(t, []string{"http_flow"}, pub.events)
	pub.mu.Unlock()
}

func TestHook_StoreFailureDoesNotStopPipeline(t *testing.T) {
	sink := &stubSink{fail: true}
	pub := &stubPublisher{}
	h := NewHook(&stubSessions{}, sink, nil, pub, zap.NewNop())
	require.NoError(t, h.Start(context.Background()))

	h.OnExchange(sampleExchange())
	require.NoError(t, h.Stop(context.Background()))

	pub.mu.Lock()
	assert.Len(t, pub.events, 1, "broadcast leg still ran")
	pub.mu.Unlock()
}

func TestHook_DrainsOnStop(t *testing.T) {
	sink := &stubSink{}
	h := NewHook(&stubSessions{}, sink, nil, nil, zap.NewNop())
	require.NoError(t, h.Start(context.Background()))

	const n = 20
	for i := 0; i < n; i++ {
		h.OnExchange(sampleExchange())
	}
	require.NoError(t, h.Stop(context.Background()))
	assert.Equal(t, n, sink.count(), "queued flows are flushed before shutdown")
}

func TestHook_OnExchangeReturnsQuickly(t *testing.T) {
	// A stopped worker means nothing consumes the queue; the hook must
	// still return promptly, dropping overflow instead of queuing senders
	// without bound.
	h := NewHook(&stubSessions{}, nil, nil, nil, zap.NewNop())

	start := time.Now()
	for i := 0; i < hookQueueSize+10; i++ {
		h.OnExchange(sampleExchange())
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, uint64(10), h.Dropped(), "overflow is counted, not queued")
}
