package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/obrafy/entitlements/internal/repository"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Maintain rate limit counters",
}

var ratelimitPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete expired Postgres rate limit counters",
	Long: `Delete rate_limit_counters rows whose window ended before the cutoff.

Only needed with ratelimit.backend=postgres; Redis counters expire on their own.`,
	RunE: runRatelimitPrune,
}

func init() {
	ratelimitPruneCmd.Flags().Duration("older-than", time.Hour, "delete windows that ended at least this long ago")

	ratelimitCmd.AddCommand(ratelimitPruneCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func runRatelimitPrune(cmd *cobra.Command, args []string) error {
	olderThan, _ := cmd.Flags().GetDuration("older-than")
	if olderThan < 0 {
		return fmt.Errorf("--older-than must not be negative, got %s", olderThan)
	}

	db, err := openDatabase(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	deleted, err := repository.NewCounterRepository(db.Pool()).DeleteExpired(cmd.Context(), time.Now().Add(-olderThan))
	if err != nil {
		return fmt.Errorf("failed to prune counters: %w", err)
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": deleted})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired counters\n", deleted)
	return nil
}
