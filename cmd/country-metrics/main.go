package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/i474232898/country-metrics/internal/config"
	"github.com/i474232898/country-metrics/internal/logging"
)

var (
	// Global flags
	logLevel    string
	development bool

	cfg    *config.AppConfig
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "country-metrics",
	Short: "Weekly per-country analytics reports reconciled from several sources",
	Long: `country-metrics builds a weekly per-country activity series from a raw
event export and an aggregate reporting API. The export wins for the weeks it
covers; the API fills the history before it. Every value carries its source.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		bootstrap, err := logging.New("info", development)
		if err != nil {
			return err
		}
		cfg, err = config.Load(bootstrap)
		if err != nil {
			return err
		}
		level := cfg.LogLevel
		if logLevel != "" {
			level = logLevel
		}
		logger, err = logging.New(level, development)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&development, "dev", false, "Human-readable development logging")

	rootCmd.AddCommand(reportCmd, spikesCmd, checkCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
