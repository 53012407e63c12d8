// Package store persists the pipeline's records in sqlite via gorm. A single
// Store instance owns the connection; writers hand records over and never
// touch the schema.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/config"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/orchestrator"
)

// Store wraps the gorm connection.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the sqlite database at cfg.Path and applies migrations.
// In production mode a database whose migration ledger is behind the binary
// is a configuration failure; in dev mode pending migrations apply
// automatically.
func Open(cfg *config.DatabaseConfig, production bool, zlog *zap.Logger) (*Store, error) {
	if zlog == nil {
		zlog = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers concurrent with the single writer; busy_timeout
	// covers checkpoint stalls.
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("underlying database: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	sqlDB.SetMaxIdleConns(cfg.PoolSize)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: zlog}
	if err := s.migrate(production); err != nil {
		return nil, err
	}
	return s, nil
}

// Start satisfies the orchestrator contract; the connection is opened in the
// composition root so later components can be constructed against it.
func (s *Store) Start(_ context.Context) error { return nil }

// Stop closes the connection.
func (s *Store) Stop(_ context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// DB exposes the gorm handle for tests and advanced queries.
func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) migrate(production bool) error {
	if err := s.db.AutoMigrate(&migrationRecord{}); err != nil {
		return fmt.Errorf("migrate ledger table: %w", err)
	}

	applied := make(map[string]bool)
	var records []migrationRecord
	if err := s.db.Find(&records).Error; err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	for _, r := range records {
		applied[r.Name] = true
	}

	var pending []migration
	for _, m := range migrations {
		if !applied[m.name] {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if production {
		names := make([]string, len(pending))
		for i, m := range pending {
			names[i] = m.name
		}
		return orchestrator.NewError(orchestrator.KindConfiguration,
			"run `trafficd migrate` against this database before starting in production mode",
			fmt.Errorf("database schema is behind the binary, pending migrations: %v", names))
	}

	return s.ApplyMigrations()
}

// ApplyMigrations applies all pending migrations in order and records each
// in the ledger.
func (s *Store) ApplyMigrations() error {
	applied := make(map[string]bool)
	var records []migrationRecord
	if err := s.db.Find(&records).Error; err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	for _, r := range records {
		applied[r.Name] = true
	}

	for _, m := range migrations {
		if applied[m.name] {
			continue
		}
		err := s.db.Transaction(func(tx *gorm.DB) error {
			if err := m.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: m.name, AppliedAt: time.Now()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
		s.logger.Info("applied migration", zap.String("name", m.name))
	}
	return nil
}

// PendingMigrations returns the names of migrations not yet in the ledger.
func (s *Store) PendingMigrations() ([]string, error) {
	applied := make(map[string]bool)
	var records []migrationRecord
	if err := s.db.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("read migration ledger: %w", err)
	}
	for _, r := range records {
		applied[r.Name] = true
	}
	var pending []string
	for _, m := range migrations {
		if !applied[m.name] {
			pending = append(pending, m.name)
		}
	}
	return pending, nil
}
