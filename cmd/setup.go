package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/config"
	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/opt"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

// loadConfig layers defaults, the --config file, MIXPREC_* variables and
// the flags of cmd listed in flagKeys (flag name -> config key). Flags only
// win when set explicitly.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	v, err := config.NewViper(configPath)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return config.FromViper(v)
}

// openCache opens the configured cache backend.
func openCache(cfg *config.Config) (*cache.Cache, error) {
	records, err := cache.Open(cfg.CacheOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return records, nil
}

// loadPredictor loads the configured surrogate. A missing or unreadable
// model disables the surrogate instead of failing the command.
func loadPredictor(cfg *config.Config) surrogate.Predictor {
	if cfg.Surrogate.Model == "" {
		return nil
	}
	model, err := surrogate.LoadEnsemble(cfg.Surrogate.Model)
	if err != nil {
		slog.Warn("Surrogate unavailable, measuring every individual", "model", cfg.Surrogate.Model, "error", err)
		return nil
	}
	slog.Info("Loaded surrogate", "model", cfg.Surrogate.Model, "members", len(model.Members), "samples", model.Samples)
	return model
}

// newExplorer returns the surrogate explorer, or nil when there is nothing
// to explore with.
func newExplorer(cfg *config.Config, predictor surrogate.Predictor, records cache.Store) *opt.Explorer {
	if predictor == nil || cfg.Surrogate.ExplorerProposals == 0 {
		return nil
	}
	optimizer := opt.NewMayfly(cfg.Surrogate.ExplorerIterations, cfg.Surrogate.ExplorerPopulation, cfg.Search.Seed)
	gate := surrogate.NewGate(predictor, cfg.Surrogate.Thresholds)
	return opt.NewExplorer(optimizer, gate, records)
}

// loadGroups reads the configured group files.
func loadGroups(cfg *config.Config) []*evolve.GroupFile {
	return evolve.LoadGroupDir(cfg.Groups.Dir, cfg.Groups.Files)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
