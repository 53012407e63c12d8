// Package analysis runs security analyzers over captured flows and DNS
// queries under a hard concurrency cap. Analyzers are pure: they read their
// input and return findings, never mutating the flow or touching I/O.
package analysis

import (
	"time"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// Input carries exactly one of a flow or a DNS query.
type Input struct {
	Flow *model.Flow
	DNS  *model.DNSQuery
}

// SessionID returns the owning session of whichever record is present.
func (in Input) SessionID() string {
	if in.Flow != nil {
		return in.Flow.SessionID
	}
	if in.DNS != nil {
		return in.DNS.SessionID
	}
	return ""
}

// FlowID returns the flow id when the input is a flow.
func (in Input) FlowID() string {
	if in.Flow != nil {
		return in.Flow.ID
	}
	return ""
}

// Result is the output of one analyzer execution.
type Result struct {
	Analyzer  string
	FlowID    string
	SessionID string
	Findings  []*model.Finding
	Metadata  map[string]any
	Timestamp time.Time
}

// Analyzer examines one input and reports findings.
type Analyzer interface {
	Name() string
	Analyze(in Input) (*Result, error)
}

// newResult builds the common result envelope.
func newResult(name string, in Input) *Result {
	return &Result{
		Analyzer:  name,
		FlowID:    in.FlowID(),
		SessionID: in.SessionID(),
		Timestamp: time.Now(),
	}
}

// newFinding builds a finding owned by the given input.
func newFinding(in Input, severity model.Severity, category, title, description string) *model.Finding {
	return &model.Finding{
		ID:          model.NewID(),
		SessionID:   in.SessionID(),
		FlowID:      in.FlowID(),
		Severity:    severity,
		Category:    category,
		Title:       title,
		Description: description,
		CreatedAt:   time.Now(),
	}
}
