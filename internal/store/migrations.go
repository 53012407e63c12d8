package store

import (
	"time"

	"gorm.io/gorm"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
)

// migrationRecord is one row of the ledger table.
type migrationRecord struct {
	Name      string    `gorm:"primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

func (migrationRecord) TableName() string { return "schema_migrations" }

type migration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// migrations is the ordered ledger. Append only; never reorder or edit a
// shipped entry.
var migrations = []migration{
	{
		name: "0001_core_tables",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&model.Session{},
				&model.Flow{},
				&model.Finding{},
				&model.AnalysisRecord{},
				&model.DNSQuery{},
			)
		},
	},
	{
		name: "0002_users",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&model.User{})
		},
	},
	{
		name: "0003_threat_intel",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&model.ThreatIntelEntry{})
		},
	},
	{
		name: "0004_wifi_frames",
		apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&model.WifiFrame{})
		},
	},
}
