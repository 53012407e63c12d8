package analysis

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// Sink receives the batched output of one analysis pass.
type Sink interface {
	StoreAnalysis(ctx context.Context, findings []*model.Finding, records []*model.AnalysisRecord) error
}

// Publisher receives live events produced during analysis.
type Publisher interface {
	Publish(eventType string, data any)
}

// Options configures the orchestrator.
type Options struct {
	MaxConcurrent int
	SoftDeadline  time.Duration
	Cache         *Cache // nil disables caching
}

// Orchestrator fans each submission out to the enabled analyzers under a
// hard concurrency cap. Submissions over the cap are rejected, not queued:
// analysis is best-effort, capture liveness is not.
type Orchestrator struct {
	analyzers []Analyzer
	opts      Options
	sink      Sink
	publisher Publisher
	metrics   *Metrics
	logger    *zap.Logger

	inflight atomic.Int64
}

// NewOrchestrator builds an orchestrator over the given analyzer set.
func NewOrchestrator(analyzers []Analyzer, opts Options, sink Sink, publisher Publisher, metrics *Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.SoftDeadline <= 0 {
		opts.SoftDeadline = 5 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Orchestrator{
		analyzers: analyzers,
		opts:      opts,
		sink:      sink,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// Metrics exposes the metrics group for stats queries.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// InFlight returns the current number of admitted submissions.
func (o *Orchestrator) InFlight() int { return int(o.inflight.Load()) }

// Submit runs all analyzers over a flow. Returns the findings, or nil with
// admitted=false when the concurrency cap is reached.
func (o *Orchestrator) Submit(ctx context.Context, flow *model.Flow) (findings []*model.Finding, admitted bool) {
	return o.run(ctx, Input{Flow: flow}, o.analyzers)
}

// SubmitDNS runs only the DNS-capable analyzers over a query.
func (o *Orchestrator) SubmitDNS(ctx context.Context, q *model.DNSQuery) ([]*model.Finding, bool) {
	var dnsAnalyzers []Analyzer
	for _, a := range o.analyzers {
		if a.Name() == "dns" {
			dnsAnalyzers = append(dnsAnalyzers, a)
		}
	}
	return o.run(ctx, Input{DNS: q}, dnsAnalyzers)
}

// run admits the submission against the cap, fans out, batches persistence
// and publishes finding events.
func (o *Orchestrator) run(ctx context.Context, in Input, analyzers []Analyzer) ([]*model.Finding, bool) {
	// Increment-then-check keeps the cap exact under concurrent submitters:
	// the slot is claimed before any analyzer runs and released in the defer
	// regardless of outcome.
	if o.inflight.Add(1) > int64(o.opts.MaxConcurrent) {
		o.inflight.Add(-1)
		o.metrics.RecordRejected()
		o.logger.Debug("analysis rejected at concurrency cap",
			zap.Int("cap", o.opts.MaxConcurrent))
		return nil, false
	}
	defer o.inflight.Add(-1)

	start := time.Now()
	results := o.fanOut(in, analyzers)
	elapsed := time.Since(start)
	o.metrics.RecordFlow(elapsed)

	if elapsed > o.opts.SoftDeadline {
		o.logger.Warn("slow analysis",
			zap.String("flow_id", in.FlowID()),
			zap.Duration("elapsed", elapsed),
			zap.Duration("deadline", o.opts.SoftDeadline))
		if o.publisher != nil {
			o.publisher.Publish("slow_analysis", map[string]any{
				"flow_id":     in.FlowID(),
				"elapsed_ms":  elapsed.Milliseconds(),
				"deadline_ms": o.opts.SoftDeadline.Milliseconds(),
			})
		}
	}

	var findings []*model.Finding
	var records []*model.AnalysisRecord
	for _, res := range results {
		findings = append(findings, res.Findings...)
		records = append(records, &model.AnalysisRecord{
			ID:        model.NewID(),
			FlowID:    res.FlowID,
			Analyzer:  res.Analyzer,
			Timestamp: res.Timestamp,
			Metadata:  res.Metadata,
		})
		o.opts.Cache.Put(res.FlowID, res.Analyzer, Descriptor{
			FindingCount: len(res.Findings),
			Metadata:     res.Metadata,
		})
	}

	if o.sink != nil && (len(findings) > 0 || len(records) > 0) {
		if err := o.sink.StoreAnalysis(ctx, findings, records); err != nil {
			// A store failure loses this batch only; capture and broadcast
			// are unaffected.
			o.logger.Error("analysis batch store failed",
				zap.String("flow_id", in.FlowID()), zap.Error(err))
		}
	}
	if o.publisher != nil {
		for _, f := range findings {
			o.publisher.Publish("finding", f)
		}
	}
	return findings, true
}

// fanOut runs the analyzers in parallel over one input. A panicking or
// failing analyzer contributes nothing; the rest proceed.
func (o *Orchestrator) fanOut(in Input, analyzers []Analyzer) []*Result {
	results := make([]*Result, len(analyzers))
	var wg sync.WaitGroup
	for i, a := range analyzers {
		wg.Add(1)
		go func(i int, a Analyzer) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.metrics.RecordError()
					o.logger.Error("analyzer panicked",
						zap.String("analyzer", a.Name()), zap.Any("panic", r))
				}
			}()

			started := time.Now()
			res, err := a.Analyze(in)
			if err != nil {
				o.metrics.RecordError()
				o.logger.Warn("analyzer failed",
					zap.String("analyzer", a.Name()), zap.Error(err))
				return
			}
			o.metrics.RecordAnalyzer(a.Name(), time.Since(started), res.Findings)
			results[i] = res
		}(i, a)
	}
	wg.Wait()

	out := results[:0]
	for _, r := range results {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
