// Command obrafyctl is the operator CLI for the entitlements service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/obrafy/entitlements/internal/config"
	"github.com/obrafy/entitlements/internal/database"
)

var jsonOut bool

var rootCmd = &cobra.Command{
	Use:   "obrafyctl",
	Short: "Operate the entitlements service",
	Long: `Operator commands for the entitlements service.

Configuration is read the same way as the server: config.yaml in the
working directory, ./config or /etc/obrafy, overridden by OBRAFY_*
environment variables.

Examples:
  obrafyctl migrate up
  obrafyctl migrate down --steps 1
  obrafyctl events failed --limit 20
  obrafyctl events show evt_1Nabc...
  obrafyctl ratelimit prune --older-than 1h`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print JSON output")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openDatabase connects to PostgreSQL with the loaded configuration.
func openDatabase(ctx context.Context) (*database.Postgres, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
