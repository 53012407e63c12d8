// Package intercept carries client traffic through an in-process
// man-in-the-middle proxy and turns each completed exchange into a flow
// record. The hook is the boundary between the serving path and the core:
// it must return without waiting on storage, analysis or broadcast.
package intercept

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/analysis"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// SessionProvider resolves a client address to a session id.
type SessionProvider interface {
	GetOrCreate(clientAddr, macAddr, userAgent string) string
}

// FlowSink persists completed flows.
type FlowSink interface {
	StoreFlow(ctx context.Context, flow *model.Flow, findings []*model.Finding, records []*model.AnalysisRecord) error
}

// Submitter hands flows to the analysis orchestrator.
type Submitter interface {
	Submit(ctx context.Context, flow *model.Flow) ([]*model.Finding, bool)
}

// Publisher emits live events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Exchange is the raw material of one completed request/response pair,
// captured on the serving path.
type Exchange struct {
	ClientAddr string
	MACAddr    string

	Method         string
	Scheme         string
	Host           string
	RequestURI     string
	RequestHeader  http.Header
	RequestSize    int64
	StatusCode     int
	ResponseHeader http.Header
	ResponseSize   int64

	Started   time.Time
	Completed time.Time
	TLSState  *tls.ConnectionState
}

const hookQueueSize = 512

// Hook converts exchanges into flows and dispatches them to the store, the
// analysis orchestrator and the event bus off the serving path.
type Hook struct {
	sessions  SessionProvider
	sink      FlowSink
	submitter Submitter
	publisher Publisher
	logger    *zap.Logger

	tasks   chan *model.Flow
	dropped atomic.Uint64
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHook wires the hook to its collaborators. Any of sink, submitter or
// publisher may be nil in reduced configurations.
func NewHook(sessions SessionProvider, sink FlowSink, submitter Submitter, publisher Publisher, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		sessions:  sessions,
		sink:      sink,
		submitter: submitter,
		publisher: publisher,
		logger:    logger,
		tasks:     make(chan *model.Flow, hookQueueSize),
		done:      make(chan struct{}),
	}
}

// Start launches the dispatch worker.
func (h *Hook) Start(_ context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.worker(runCtx)
	return nil
}

// Stop drains queued flows and halts the worker.
func (h *Hook) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return nil
}

// OnExchange assembles the flow record and enqueues it. The call never
// blocks on downstream backlog: a full queue drops the flow and counts the
// loss rather than spawning queued senders without bound.
func (h *Hook) OnExchange(ex *Exchange) *model.Flow {
	sessionID := h.sessions.GetOrCreate(ex.ClientAddr, ex.MACAddr, ex.RequestHeader.Get("User-Agent"))
	flow := h.buildFlow(sessionID, ex)

	select {
	case h.tasks <- flow:
	default:
		h.dropped.Add(1)
		h.logger.Warn("dispatch queue full, flow dropped",
			zap.String("flow_id", flow.ID),
			zap.Uint64("dropped_total", h.dropped.Load()))
	}
	return flow
}

// Dropped reports how many flows were lost to a saturated dispatch queue.
func (h *Hook) Dropped() uint64 { return h.dropped.Load() }

func (h *Hook) buildFlow(sessionID string, ex *Exchange) *model.Flow {
	url := ex.Scheme + "://" + ex.Host + ex.RequestURI
	path := ex.RequestURI
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	flow := &model.Flow{
		ID:              model.NewID(),
		SessionID:       sessionID,
		Method:          ex.Method,
		URL:             url,
		Host:            ex.Host,
		Path:            path,
		Scheme:          ex.Scheme,
		StatusCode:      ex.StatusCode,
		RequestSize:     ex.RequestSize,
		ResponseSize:    ex.ResponseSize,
		ContentType:     ex.ResponseHeader.Get("Content-Type"),
		Timestamp:       ex.Completed,
		RequestHeaders:  model.Headers(ex.RequestHeader.Clone()),
		ResponseHeaders: model.Headers(ex.ResponseHeader.Clone()),
		Cookies:         ex.ResponseHeader.Values("Set-Cookie"),
		AuthKind:        model.DetectAuthKind(ex.RequestHeader.Get("Authorization")),
		SensitiveData:   analysis.ContainsSensitiveToken(url),
		Duration:        ex.Completed.Sub(ex.Started),
		TLS:             tlsInfoFromState(ex.TLSState),
	}
	return flow
}

// worker runs the persist, analyze and broadcast legs for each flow.
func (h *Hook) worker(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case flow := <-h.tasks:
			h.dispatch(ctx, flow)
		case <-ctx.Done():
			for {
				select {
				case flow := <-h.tasks:
					h.dispatch(context.Background(), flow)
				default:
					return
				}
			}
		}
	}
}

func (h *Hook) dispatch(ctx context.Context, flow *model.Flow) {
	if h.sink != nil {
		if err := h.sink.StoreFlow(ctx, flow, nil, nil); err != nil {
			h.logger.Error("flow persist failed",
				zap.String("flow_id", flow.ID), zap.Error(err))
		}
	}
	if h.submitter != nil {
		// Saturation skips analysis only; the flow is already persisted and
		// will still be broadcast.
		h.submitter.Submit(ctx, flow)
	}
	if h.publisher != nil {
		h.publisher.Publish("http_flow", flowSummary(flow))
	}
}

func flowSummary(flow *model.Flow) map[string]any {
	return map[string]any{
		"id":          flow.ID,
		"session_id":  flow.SessionID,
		"method":      flow.Method,
		"host":        flow.Host,
		"path":        flow.Path,
		"scheme":      flow.Scheme,
		"status_code": flow.StatusCode,
		"timestamp":   flow.Timestamp,
	}
}

// tlsInfoFromState projects the negotiated connection state into the flow's
// TLS block. Absent state stays nil rather than guessed.
func tlsInfoFromState(cs *tls.ConnectionState) *model.TLSInfo {
	if cs == nil {
		return nil
	}
	info := &model.TLSInfo{
		Version:     tls.VersionName(cs.Version),
		CipherSuite: tls.CipherSuiteName(cs.CipherSuite),
	}
	if len(cs.PeerCertificates) > 0 {
		leaf := cs.PeerCertificates[0]
		info.Certificate = &model.CertInfo{
			Subject:   leaf.Subject.String(),
			Issuer:    leaf.Issuer.String(),
			NotBefore: leaf.NotBefore,
			NotAfter:  leaf.NotAfter,
		}
		for _, cert := range cs.PeerCertificates {
			info.Chain = append(info.Chain, certPair(cert))
		}
	}
	return info
}

func certPair(cert *x509.Certificate) model.CertPair {
	return model.CertPair{
		Subject: cert.Subject.String(),
		Issuer:  cert.Issuer.String(),
	}
}
