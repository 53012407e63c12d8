package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// StoreFlow persists a flow together with its findings and analysis records
// in one transaction. Either everything lands or nothing does.
func (s *Store) StoreFlow(ctx context.Context, flow *model.Flow, findings []*model.Finding, records []*model.AnalysisRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(flow).Error; err != nil {
			return fmt.Errorf("store flow %s: %w", flow.ID, err)
		}
		if len(findings) > 0 {
			if err := tx.Create(findings).Error; err != nil {
				return fmt.Errorf("store findings for flow %s: %w", flow.ID, err)
			}
		}
		if len(records) > 0 {
			if err := tx.Create(records).Error; err != nil {
				return fmt.Errorf("store analysis records for flow %s: %w", flow.ID, err)
			}
		}
		return nil
	})
}

// StoreAnalysis persists one analysis pass's findings and execution records
// in a single transaction, so readers observe a flow's findings atomically.
func (s *Store) StoreAnalysis(ctx context.Context, findings []*model.Finding, records []*model.AnalysisRecord) error {
	if len(findings) == 0 && len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(findings) > 0 {
			if err := tx.Create(findings).Error; err != nil {
				return fmt.Errorf("store findings: %w", err)
			}
		}
		if len(records) > 0 {
			if err := tx.Create(records).Error; err != nil {
				return fmt.Errorf("store analysis records: %w", err)
			}
		}
		return nil
	})
}

// StoreFindings persists findings not attached to a flow write, such as DNS
// analyzer output.
func (s *Store) StoreFindings(ctx context.Context, findings []*model.Finding) error {
	if len(findings) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(findings).Error; err != nil {
		return fmt.Errorf("store findings: %w", err)
	}
	return nil
}

// StoreSession upserts a session snapshot.
func (s *Store) StoreSession(ctx context.Context, sess *model.Session) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(sess).Error; err != nil {
		return fmt.Errorf("store session %s: %w", sess.ID, err)
	}
	return nil
}

// LiveSessions returns sessions with activity at or after the given instant,
// used to restore tracker state across a restart.
func (s *Store) LiveSessions(ctx context.Context, activeSince time.Time) ([]*model.Session, error) {
	var sessions []*model.Session
	err := s.db.WithContext(ctx).
		Where("last_activity >= ?", activeSince).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("load live sessions: %w", err)
	}
	return sessions, nil
}

// StoreDNS persists a batch of DNS queries from one capture file.
func (s *Store) StoreDNS(ctx context.Context, queries []*model.DNSQuery) error {
	if len(queries) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(queries).Error
	if err != nil {
		return fmt.Errorf("store dns batch: %w", err)
	}
	return nil
}

// StoreWifiFrames persists raw 802.11 observations.
func (s *Store) StoreWifiFrames(ctx context.Context, frames []*model.WifiFrame) error {
	if len(frames) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(frames).Error; err != nil {
		return fmt.Errorf("store wifi frames: %w", err)
	}
	return nil
}

// UpsertThreatIntel refreshes a cached reputation entry.
func (s *Store) UpsertThreatIntel(ctx context.Context, entry *model.ThreatIntelEntry) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(entry).Error
	if err != nil {
		return fmt.Errorf("upsert threat intel %s: %w", entry.Indicator, err)
	}
	return nil
}
