package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// ErrNotFound marks a lookup for a record that does not exist.
var ErrNotFound = errors.New("record not found")

// Page bounds a read query.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// FlowFilter narrows flow queries.
type FlowFilter struct {
	SessionID string
	Host      string
	Scheme    string
	Method    string
	Since     time.Time
	Until     time.Time
}

// FindingFilter narrows finding queries.
type FindingFilter struct {
	SessionID string
	FlowID    string
	Severity  model.Severity
	Category  string
}

// Sessions lists persisted sessions, most recent activity first.
func (s *Store) Sessions(ctx context.Context, page Page) ([]*model.Session, int64, error) {
	page = page.normalize()
	q := s.db.WithContext(ctx).Model(&model.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	var sessions []*model.Session
	err := q.Order("last_activity DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&sessions).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, total, nil
}

// Flows lists flows matching the filter, newest first.
func (s *Store) Flows(ctx context.Context, filter FlowFilter, page Page) ([]*model.Flow, int64, error) {
	page = page.normalize()
	q := s.db.WithContext(ctx).Model(&model.Flow{})

	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.Host != "" {
		q = q.Where("host = ?", filter.Host)
	}
	if filter.Scheme != "" {
		q = q.Where("scheme = ?", filter.Scheme)
	}
	if filter.Method != "" {
		q = q.Where("method = ?", filter.Method)
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		q = q.Where("timestamp < ?", filter.Until)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count flows: %w", err)
	}

	var flows []*model.Flow
	err := q.Order("timestamp DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&flows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list flows: %w", err)
	}
	return flows, total, nil
}

// FlowByID returns one flow or ErrNotFound.
func (s *Store) FlowByID(ctx context.Context, id string) (*model.Flow, error) {
	var flow model.Flow
	err := s.db.WithContext(ctx).First(&flow, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", id, err)
	}
	return &flow, nil
}

// Findings lists findings matching the filter, newest first.
func (s *Store) Findings(ctx context.Context, filter FindingFilter, page Page) ([]*model.Finding, int64, error) {
	page = page.normalize()
	q := s.db.WithContext(ctx).Model(&model.Finding{})

	if filter.SessionID != "" {
		q = q.Where("session_id = ?", filter.SessionID)
	}
	if filter.FlowID != "" {
		q = q.Where("flow_id = ?", filter.FlowID)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count findings: %w", err)
	}

	var findings []*model.Finding
	err := q.Order("created_at DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&findings).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list findings: %w", err)
	}
	return findings, total, nil
}

// AnalysisForFlow returns the analyzer execution marks for one flow.
func (s *Store) AnalysisForFlow(ctx context.Context, flowID string) ([]*model.AnalysisRecord, error) {
	var records []*model.AnalysisRecord
	err := s.db.WithContext(ctx).
		Where("flow_id = ?", flowID).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("load analysis records for %s: %w", flowID, err)
	}
	return records, nil
}

// DNSForSession returns the DNS queries attributed to a session.
func (s *Store) DNSForSession(ctx context.Context, sessionID string, page Page) ([]*model.DNSQuery, int64, error) {
	page = page.normalize()
	q := s.db.WithContext(ctx).Model(&model.DNSQuery{}).Where("session_id = ?", sessionID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count dns queries: %w", err)
	}

	var queries []*model.DNSQuery
	err := q.Order("timestamp DESC").
		Limit(page.Limit).Offset(page.Offset).
		Find(&queries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list dns queries: %w", err)
	}
	return queries, total, nil
}

// ThreatIntel returns the cached reputation entry for an indicator, or
// ErrNotFound.
func (s *Store) ThreatIntel(ctx context.Context, indicator string) (*model.ThreatIntelEntry, error) {
	var entry model.ThreatIntelEntry
	err := s.db.WithContext(ctx).First(&entry, "indicator = ?", indicator).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load threat intel %s: %w", indicator, err)
	}
	return &entry, nil
}
