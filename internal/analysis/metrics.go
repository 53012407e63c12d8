package analysis

import (
	"sync"
	"time"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

const (
	rollingSampleCap  = 1000
	perAnalyzerCap    = 100
	defaultStatWindow = 5 * time.Minute
)

type sample struct {
	at       time.Time
	duration time.Duration
}

// Metrics aggregates analysis activity: monotone counters, a bounded rolling
// sample window and per-analyzer timing windows.
type Metrics struct {
	mu sync.Mutex

	flowsAnalyzed        int64
	findingsGenerated    int64
	errors               int64
	backpressureRejected int64

	samples     []sample
	perAnalyzer map[string][]sample

	severityCounts map[model.Severity]int64
	categoryCounts map[string]int64
	now            func() time.Time
}

// NewMetrics builds an empty metrics group.
func NewMetrics() *Metrics {
	return &Metrics{
		perAnalyzer:    make(map[string][]sample),
		severityCounts: make(map[model.Severity]int64),
		categoryCounts: make(map[string]int64),
		now:            time.Now,
	}
}

// RecordFlow registers one completed Submit with its total duration.
func (m *Metrics) RecordFlow(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowsAnalyzed++
	m.samples = appendBounded(m.samples, sample{at: m.now(), duration: duration}, rollingSampleCap)
}

// RecordAnalyzer registers one analyzer execution and its findings.
func (m *Metrics) RecordAnalyzer(name string, duration time.Duration, findings []*model.Finding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perAnalyzer[name] = appendBounded(m.perAnalyzer[name], sample{at: m.now(), duration: duration}, perAnalyzerCap)
	m.findingsGenerated += int64(len(findings))
	for _, f := range findings {
		m.severityCounts[f.Severity]++
		m.categoryCounts[f.Category]++
	}
}

// RecordError registers an analyzer failure.
func (m *Metrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

// RecordRejected registers a submission refused at the concurrency cap.
func (m *Metrics) RecordRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backpressureRejected++
}

// AnalyzerStats summarizes one analyzer's recent executions.
type AnalyzerStats struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Mean  time.Duration `json:"mean"`
	Max   time.Duration `json:"max"`
}

// Stats is the computed snapshot returned by GetStats.
type Stats struct {
	FlowsAnalyzed        int64 `json:"flows_analyzed"`
	FindingsGenerated    int64 `json:"findings_generated"`
	Errors               int64 `json:"errors"`
	BackpressureRejected int64 `json:"backpressure_rejected"`

	WindowMinutes      int     `json:"window_minutes"`
	WindowThroughput   float64 `json:"window_throughput_per_min"`
	WindowMeanDuration float64 `json:"window_mean_duration_ms"`
	ErrorRate          float64 `json:"error_rate"`

	PerAnalyzer map[string]AnalyzerStats `json:"per_analyzer"`
	BySeverity  map[model.Severity]int64 `json:"by_severity"`
	ByCategory  map[string]int64         `json:"by_category"`
}

// GetStats computes the snapshot over the trailing window.
func (m *Metrics) GetStats(windowMinutes int) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := time.Duration(windowMinutes) * time.Minute
	if window <= 0 {
		window = defaultStatWindow
		windowMinutes = int(window.Minutes())
	}
	cutoff := m.now().Add(-window)

	var inWindow int
	var totalDur time.Duration
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			inWindow++
			totalDur += s.duration
		}
	}

	stats := Stats{
		FlowsAnalyzed:        m.flowsAnalyzed,
		FindingsGenerated:    m.findingsGenerated,
		Errors:               m.errors,
		BackpressureRejected: m.backpressureRejected,
		WindowMinutes:        windowMinutes,
		PerAnalyzer:          make(map[string]AnalyzerStats, len(m.perAnalyzer)),
		BySeverity:           make(map[model.Severity]int64, len(m.severityCounts)),
		ByCategory:           make(map[string]int64, len(m.categoryCounts)),
	}
	if inWindow > 0 {
		stats.WindowThroughput = float64(inWindow) / window.Minutes()
		stats.WindowMeanDuration = float64(totalDur.Milliseconds()) / float64(inWindow)
	}
	if m.flowsAnalyzed > 0 {
		stats.ErrorRate = float64(m.errors) / float64(m.flowsAnalyzed)
	}

	for name, samples := range m.perAnalyzer {
		if len(samples) == 0 {
			continue
		}
		st := AnalyzerStats{Count: len(samples), Min: samples[0].duration, Max: samples[0].duration}
		var total time.Duration
		for _, s := range samples {
			total += s.duration
			if s.duration < st.Min {
				st.Min = s.duration
			}
			if s.duration > st.Max {
				st.Max = s.duration
			}
		}
		st.Mean = total / time.Duration(len(samples))
		stats.PerAnalyzer[name] = st
	}
	for sev, n := range m.severityCounts {
		stats.BySeverity[sev] = n
	}
	for cat, n := range m.categoryCounts {
		stats.ByCategory[cat] = n
	}
	return stats
}

func appendBounded(list []sample, s sample, limit int) []sample {
	list = append(list, s)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
