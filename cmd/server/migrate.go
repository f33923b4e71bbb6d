package main

import (
	"fmt"

	"github.com/koopa0/system-design/14-multiplayer-coordinator/internal/database/migrations"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

func init() {
	migrateCmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrations.Migrator) error {
				return m.Up()
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrations.Migrator) error {
				return m.Down()
			})
		},
	})

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m *migrations.Migrator) error {
				version, dirty, err := m.Version()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			})
		},
	})
}

func withMigrator(fn func(m *migrations.Migrator) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	m, err := migrations.New(cfg.MigrationURL(), log)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			log.Warn("failed to close migrator", "error", closeErr)
		}
	}()

	return fn(m)
}
