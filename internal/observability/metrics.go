// Package observability exposes Prometheus metrics and watches host
// resources on behalf of the orchestrator.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager owns the process's Prometheus registry.
type MetricsManager struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	started  time.Time

	uptime            prometheus.GaugeFunc
	flowsTotal        prometheus.Counter
	findingsTotal     *prometheus.CounterVec
	analysisDuration  prometheus.Histogram
	analysisRejected  prometheus.Counter
	sessionsLive      prometheus.Gauge
	subscribersLive   prometheus.Gauge
	ringBytes         prometheus.Gauge
	ringDropped       prometheus.Counter
	pcapFilesTotal    prometheus.Counter
	dnsQueriesTotal   prometheus.Counter
	handshakeFailures prometheus.Counter
}

// NewMetricsManager builds a manager with a private registry.
func NewMetricsManager(logger *zap.Logger) *MetricsManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	mm := &MetricsManager{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}
	mm.initMetrics()
	mm.registerMetrics()
	return mm
}

func (mm *MetricsManager) initMetrics() {
	mm.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "trafficd_uptime_seconds",
		Help: "Time since the daemon started",
	}, func() float64 { return time.Since(mm.started).Seconds() })

	mm.flowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficd_flows_total",
		Help: "Completed HTTP exchanges observed by the interceptor",
	})

	mm.findingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficd_findings_total",
		Help: "Findings produced by analyzers",
	}, []string{"severity", "category"})

	mm.analysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trafficd_analysis_duration_seconds",
		Help:    "Per-flow analysis fan-out duration",
		Buckets: prometheus.DefBuckets,
	})

	mm.analysisRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficd_analysis_rejected_total",
		Help: "Submissions rejected at the concurrency cap",
	})

	mm.sessionsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficd_sessions_live",
		Help: "Sessions currently in the in-memory index",
	})

	mm.subscribersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficd_event_subscribers",
		Help: "Live event bus subscribers",
	})

	mm.ringBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trafficd_ring_buffer_bytes",
		Help: "Bytes currently buffered in the capture ring",
	})

	mm.ringDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficd_ring_buffer_dropped_total",
		Help: "Chunks evicted from the capture ring",
	})

	mm.pcapFilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficd_pcap_files_processed_total",
		Help: "Capture files processed by the DNS post-processor",
	})

	mm.dnsQueriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficd_dns_queries_total",
		Help: "DNS queries extracted from capture files",
	})

	mm.handshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trafficd_tls_handshake_failures_total",
		Help: "Client TLS handshakes the interceptor could not complete",
	})
}

func (mm *MetricsManager) registerMetrics() {
	mm.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		mm.uptime,
		mm.flowsTotal,
		mm.findingsTotal,
		mm.analysisDuration,
		mm.analysisRejected,
		mm.sessionsLive,
		mm.subscribersLive,
		mm.ringBytes,
		mm.ringDropped,
		mm.pcapFilesTotal,
		mm.dnsQueriesTotal,
		mm.handshakeFailures,
	)
}

// Handler returns the scrape endpoint handler.
func (mm *MetricsManager) Handler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (mm *MetricsManager) Registry() *prometheus.Registry { return mm.registry }

func (mm *MetricsManager) ObserveFlow() { mm.flowsTotal.Inc() }

func (mm *MetricsManager) ObserveFinding(severity, category string) {
	mm.findingsTotal.WithLabelValues(severity, category).Inc()
}

func (mm *MetricsManager) ObserveAnalysis(d time.Duration) {
	mm.analysisDuration.Observe(d.Seconds())
}

func (mm *MetricsManager) ObserveRejected() { mm.analysisRejected.Inc() }

func (mm *MetricsManager) SetLiveSessions(n int) { mm.sessionsLive.Set(float64(n)) }

func (mm *MetricsManager) SetSubscribers(n int) { mm.subscribersLive.Set(float64(n)) }

func (mm *MetricsManager) SetRingBytes(n int64) { mm.ringBytes.Set(float64(n)) }

func (mm *MetricsManager) ObserveRingDrops(n int) { mm.ringDropped.Add(float64(n)) }

func (mm *MetricsManager) ObservePcapFile() { mm.pcapFilesTotal.Inc() }

func (mm *MetricsManager) ObserveDNSQueries(n int) { mm.dnsQueriesTotal.Add(float64(n)) }

func (mm *MetricsManager) ObserveHandshakeFailure() { mm.handshakeFailures.Inc() }
