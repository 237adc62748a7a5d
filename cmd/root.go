package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logLevel   string
	configPath string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mixprectune",
	Short: "Mixed-precision tuning with genetic search and a learned surrogate",
	Long: `mixprectune searches per-variable floating-point precision assignments
of a numerical kernel. Candidates are compiled and measured through an
external toolchain, remembered in a content-addressed cache and screened by
a surrogate model before paying for a measurement.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Setup logger
		var level slog.Level
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		opts := &slog.HandlerOptions{Level: level}
		handler := slog.NewJSONHandler(os.Stderr, opts)
		logger = slog.New(handler)
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML configuration file (MIXPREC_* environment variables override it)")
}
