package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/search"
	"github.com/cwbudde/mixprectune/internal/server"
	"github.com/cwbudde/mixprectune/internal/store"
)

var serveFlagKeys = map[string]string{
	"addr":           "server.addr",
	"max-concurrent": "server.max_concurrent",
	"seeds":          "seed_dir",
	"output":         "output_dir",
	"model":          "surrogate.model",
	"cache":          "cache.backend",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for search runs",
	Long: `Starts an HTTP server that accepts search runs, reports their progress as
server-sent events and serves the artifacts of finished runs. All runs share
the seeds, the cache and the toolchain of the configuration.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default :8080)")
	serveCmd.Flags().Int("max-concurrent", 0, "Runs executed at the same time")
	serveCmd.Flags().String("seeds", "", "Directory of seed configurations")
	serveCmd.Flags().String("output", "", "Output directory for runs and cache")
	serveCmd.Flags().String("model", "", "Surrogate model file")
	serveCmd.Flags().String("cache", "", "Cache backend: file, sqlite, memory")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, serveFlagKeys)
	if err != nil {
		return err
	}
	if err := cfg.Toolchain.Validate(); err != nil {
		return err
	}

	seeds, err := precision.LoadSeeds(cfg.SeedDir)
	if err != nil {
		return err
	}
	records, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	runs, err := store.NewFSStore(cfg.OutputDir)
	if err != nil {
		return err
	}

	predictor := loadPredictor(cfg)
	evaluator := evaluate.NewToolchain(cfg.Toolchain, seeds.Baseline)
	var groups []*evolve.GroupFile
	if cfg.Groups.Clamp {
		groups = loadGroups(cfg)
	}

	launch := func(jobID string, jc server.JobConfig) (*search.Controller, error) {
		opts := jc.Apply(cfg.SearchOptions())
		opts.RunID = jobID
		opts.Groups = groups

		pred := predictor
		if jc.UseSurrogate != nil && !*jc.UseSurrogate {
			pred = nil
		}
		ctrl, err := search.New(opts, seeds.Configs, records, evaluator, pred)
		if err != nil {
			return nil, err
		}
		ctrl.WithRunStore(runs)
		if explorer := newExplorer(cfg, pred, records); explorer != nil {
			ctrl.WithExplorer(explorer)
		}
		return ctrl, nil
	}

	srv := server.NewServer(cfg.Server.Addr, launch, runs, cfg.Server.MaxConcurrent)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signalContext()
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Received shutdown signal", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
