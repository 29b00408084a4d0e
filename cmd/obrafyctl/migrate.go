package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/obrafy/entitlements/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE:  runMigrateUp,
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Long: `Roll back the given number of migrations.

WARNING: rolling back drops tables and the billing state they hold.`,
	RunE: runMigrateDown,
}

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to roll back")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)

	rootCmd.AddCommand(migrateCmd)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	mg, err := newMigrator()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Up(); err != nil {
		return err
	}
	return printVersion(cmd, mg)
}

func runMigrateDown(cmd *cobra.Command, args []string) error {
	steps, _ := cmd.Flags().GetInt("steps")

	mg, err := newMigrator()
	if err != nil {
		return err
	}
	defer mg.Close()

	if err := mg.Down(steps); err != nil {
		return err
	}
	return printVersion(cmd, mg)
}

func newMigrator() (*database.Migrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return database.NewMigrator(cfg.Database)
}

func printVersion(cmd *cobra.Command, mg *database.Migrator) error {
	version, dirty, err := mg.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]any{"version": version, "dirty": dirty})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema version %d (dirty: %t)\n", version, dirty)
	return nil
}
