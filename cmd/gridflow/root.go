package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/gridflow/internal/logging"
)

var (
	configPath string
	dbFlag     string
	logLevel   string

	cfg    *Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gridflow",
	Short: "Spreadsheet column execution engine",
	Long: `gridflow runs the columns of a spreadsheet-like workspace: field, formula
and merge columns are computed on read; enrichment, AI, waterfall and HTTP
columns call providers per row and store the results.

Configuration comes from ~/.gridflow/settings.yaml and GRIDFLOW_* environment
variables (e.g. GRIDFLOW_DB_PATH, GRIDFLOW_AI_API_KEY).`,
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (default ~/.gridflow/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", `database path, or ":memory:" for a throwaway store`)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func loadSettings(cmd *cobra.Command, _ []string) error {
	loaded, err := loadConfig(viper.New(), configPath)
	if err != nil {
		return err
	}
	if dbFlag != "" {
		loaded.DBPath = dbFlag
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	cfg = loaded
	logger = logging.New(cfg.LogLevel)
	return nil
}

// withApp wires the application for one command and tears it down after.
// The context is cancelled on SIGINT or SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown failed", "error", cerr)
		}
	}()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
