package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/config"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/logs"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			applyFlagOverrides()
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := logs.Setup(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger setup: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			// Dev-mode open applies every pending migration and records each
			// in the ledger; the applied names are logged along the way.
			st, err := store.Open(&cfg.Database, false, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Stop(context.Background()) }()

			pending, err := st.PendingMigrations()
			if err != nil {
				return err
			}
			if len(pending) > 0 {
				return fmt.Errorf("migrations still pending after apply: %v", pending)
			}
			fmt.Println("database schema is up to date")
			return nil
		},
	}
}
