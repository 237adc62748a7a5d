package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/search"
	"github.com/cwbudde/mixprectune/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a mixed-precision search",
	Long: `Runs the genetic search over the seed configurations, measuring candidates
through the toolchain and persisting the run under the output directory.
Interrupting the run stops it after the current evaluations and still saves
the best configuration found.`,
	RunE: runSearch,
}

// searchFlagKeys binds the search flags shared by run and groups.
var searchFlagKeys = map[string]string{
	"seeds":       "seed_dir",
	"output":      "output_dir",
	"pop":         "search.population_size",
	"generations": "search.generations",
	"workers":     "search.workers",
	"seed":        "search.seed",
	"model":       "surrogate.model",
	"cache":       "cache.backend",
}

func addSearchFlags(cmd *cobra.Command) {
	cmd.Flags().String("seeds", "", "Directory of seed configurations")
	cmd.Flags().String("output", "", "Output directory for runs, cache and best configuration")
	cmd.Flags().Int("pop", 0, "Population size")
	cmd.Flags().Int("generations", 0, "Number of generations")
	cmd.Flags().Int("workers", 0, "Concurrent exact evaluations")
	cmd.Flags().Int64("seed", 0, "Random seed")
	cmd.Flags().String("model", "", "Surrogate model file")
	cmd.Flags().String("cache", "", "Cache backend: file, sqlite, memory")
}

func init() {
	addSearchFlags(runCmd)
	runCmd.Flags().Bool("no-sa", false, "Disable simulated annealing refinement")
	runCmd.Flags().Bool("groups", false, "Clamp every population with the configured group files")
	rootCmd.AddCommand(runCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, searchFlagKeys)
	if err != nil {
		return err
	}
	if noSA, _ := cmd.Flags().GetBool("no-sa"); noSA {
		cfg.Annealing.Enabled = false
	}
	if groups, _ := cmd.Flags().GetBool("groups"); groups {
		cfg.Groups.Clamp = true
	}
	if err := cfg.Toolchain.Validate(); err != nil {
		return err
	}

	seeds, err := precision.LoadSeeds(cfg.SeedDir)
	if err != nil {
		return err
	}
	slog.Info("Loaded seeds", "dir", seeds.Dir, "count", len(seeds.Configs), "variables", seeds.Baseline.Len())

	records, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer records.Close()

	predictor := loadPredictor(cfg)
	evaluator := evaluate.NewToolchain(cfg.Toolchain, seeds.Baseline)

	opts := cfg.SearchOptions()
	if cfg.Groups.Clamp {
		opts.Groups = loadGroups(cfg)
	}

	ctrl, err := search.New(opts, seeds.Configs, records, evaluator, predictor)
	if err != nil {
		return err
	}

	runs, err := store.NewFSStore(cfg.OutputDir)
	if err != nil {
		return err
	}
	ctrl.WithRunStore(runs)
	if explorer := newExplorer(cfg, predictor, records); explorer != nil {
		ctrl.WithExplorer(explorer)
	}

	ctx, stop := signalContext()
	defer stop()

	res, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}

	printResult(res, runs)
	if res.Best == nil {
		return errors.New("no configuration was measured successfully")
	}
	return nil
}

// printResult writes the human-readable outcome of a run to stdout.
func printResult(res *search.Result, runs *store.FSStore) {
	fmt.Printf("Run %s %s after %d generation(s) in %s\n",
		res.RunID, res.Status, res.Generations, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.StopReason != "" {
		fmt.Printf("  Stop reason: %s\n", res.StopReason)
	}
	fmt.Printf("  Evaluations: %s actual, %s cache hits, %s surrogate, %s skipped\n",
		humanize.Comma(int64(res.Stats.ActualEvaluations)),
		humanize.Comma(int64(res.Stats.CacheHits)),
		humanize.Comma(int64(res.Stats.SurrogatePredictions)),
		humanize.Comma(int64(res.Stats.Skipped)))
	if res.Stats.EarlyTerminations > 0 {
		fmt.Printf("  Early terminations: %d\n", res.Stats.EarlyTerminations)
	}
	if res.Annealing.Improvements > 0 {
		fmt.Printf("  Annealing improvements: %d\n", res.Annealing.Improvements)
	}
	if res.Best == nil {
		fmt.Println("  No successful configuration")
		return
	}
	fmt.Printf("  Best fitness: %.4f (generation %d, %s)\n", *res.BestFitness, res.BestGeneration, res.Best.Hash()[:12])
	fmt.Printf("  Wrote %s\n", filepath.Join(runs.BaseDir(), store.BestFile))
}
