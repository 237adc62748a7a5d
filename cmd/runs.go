package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/cwbudde/mixprectune/internal/config"
	"github.com/cwbudde/mixprectune/internal/store"
)

var (
	runsDataDir   string
	keepLast      int
	olderThanDays int
	forceClean    bool
	plotOut       string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage persisted search runs",
	Long: `Inspect, plot and clean the runs persisted under the output directory.
Each run keeps its summary, history, per-generation trace and best
configuration.`,
}

var listRunsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persisted runs",
	RunE:  runListRuns,
}

var showRunCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the summary and trace of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowRun,
}

var plotRunCmd = &cobra.Command{
	Use:   "plot <run-id>",
	Short: "Plot the fitness progress of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlotRun,
}

var cleanRunsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete old runs",
	Long: `Delete old runs based on retention policy.
You can keep only the newest N runs or delete runs older than N days.`,
	RunE: runCleanRuns,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(listRunsCmd, showRunCmd, plotRunCmd, cleanRunsCmd)

	runsCmd.PersistentFlags().StringVar(&runsDataDir, "data-dir", "", "Output directory holding the runs (default: configured output_dir)")

	plotRunCmd.Flags().StringVarP(&plotOut, "out", "o", "", "Output image (default: <run-dir>/fitness.png)")

	cleanRunsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N runs (0 = keep all)")
	cleanRunsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete runs older than N days (0 = no age limit)")
	cleanRunsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func openRunStore() (*store.FSStore, error) {
	dir := runsDataDir
	if dir == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		dir = cfg.OutputDir
	}
	runs, err := store.NewFSStore(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	return runs, nil
}

func runListRuns(cmd *cobra.Command, args []string) error {
	runs, err := openRunStore()
	if err != nil {
		return err
	}

	infos, err := runs.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATUS\tGENERATIONS\tBEST\tEVALUATIONS\tSIZE")
	fmt.Fprintln(w, "------\t-------\t------\t-----------\t----\t-----------\t----")

	for _, info := range infos {
		best := "-"
		if info.BestFitness != nil {
			best = fmt.Sprintf("%.4f", *info.BestFitness)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			displayID(info.RunID),
			humanize.Time(info.StartedAt),
			info.Status,
			info.Generations,
			best,
			humanize.Comma(int64(info.ActualEvaluations)),
			humanize.Bytes(uint64(info.SizeBytes)),
		)
	}

	w.Flush()

	fmt.Printf("\nTotal runs: %d\n", len(infos))
	return nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	runs, err := openRunStore()
	if err != nil {
		return err
	}
	runID := args[0]

	summary, err := runs.LoadSummary(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run: %s\n", summary.RunID)
	fmt.Printf("Status: %s\n", summary.Status)
	if summary.StopReason != "" {
		fmt.Printf("Stop reason: %s\n", summary.StopReason)
	}
	fmt.Printf("Started: %s (%s)\n", summary.StartedAt.Format(time.DateTime), summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond))
	fmt.Printf("Generations: %d\n", summary.Generations)
	if summary.BestFitness != nil {
		fmt.Printf("Best fitness: %.4f (generation %d, %s)\n", *summary.BestFitness, summary.BestGeneration, shortHash(summary.BestHash))
	}
	fmt.Println()

	p := summary.Parameters
	fmt.Println("Parameters:")
	fmt.Printf("  Population: %d, workers: %d, seed: %d\n", p.PopulationSize, p.Workers, p.Seed)
	fmt.Printf("  Mutation: %.2f, crossover: %.2f, tournament: %d, elites: %d\n", p.MutationRate, p.CrossoverRate, p.TournamentSize, p.EliteSize)
	fmt.Printf("  Surrogate: %t, early termination: %t, annealing: %t\n", p.UseSurrogate, p.EarlyTermination, p.SimulatedAnnealing)
	fmt.Println()

	s := summary.Stats
	fmt.Println("Statistics:")
	fmt.Printf("  Actual evaluations: %d (%d failed)\n", s.ActualEvaluations, s.Failed)
	fmt.Printf("  Cache hits: %d, surrogate predictions: %d, skipped: %d\n", s.CacheHits, s.SurrogatePredictions, s.Skipped)
	fmt.Printf("  Surrogate usage: %.1f%%\n", s.SurrogateUsageRatio*100)
	fmt.Printf("  Cache size: %d\n", s.CacheSize)
	fmt.Println()

	entries, err := store.ReadTrace(runs.BaseDir(), runID)
	if err != nil {
		slog.Debug("No trace for run", "run_id", runID, "error", err)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GEN\tBEST\tGEN BEST\tACTUAL\tSURROGATE\tSKIPPED\tFAILED\tHITS\tFLAGS")
	for _, e := range entries {
		var flags []string
		if e.EarlyTerminated {
			flags = append(flags, "early-stop")
		}
		if e.Refined {
			flags = append(flags, "annealed")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%v\n",
			e.Generation, formatFitness(e.BestFitness), formatFitness(e.GenerationBest),
			e.Actual, e.Surrogate, e.Skipped, e.Failed, e.CacheHits, flags)
	}
	w.Flush()
	return nil
}

func runPlotRun(cmd *cobra.Command, args []string) error {
	runs, err := openRunStore()
	if err != nil {
		return err
	}
	runID := args[0]

	entries, err := store.ReadTrace(runs.BaseDir(), runID)
	if err != nil {
		return err
	}

	out := plotOut
	if out == "" {
		out = filepath.Join(runs.RunDir(runID), "fitness.png")
	}
	if err := plotTrace(entries, "Run "+displayID(runID), out); err != nil {
		return fmt.Errorf("failed to plot run: %w", err)
	}
	fmt.Printf("Wrote %s\n", out)
	return nil
}

// plotTrace draws the global best, generation best and measured mean of
// every generation. Generations without a value leave a gap in the
// corresponding line.
func plotTrace(entries []store.TraceEntry, title, outPath string) error {
	if len(entries) == 0 {
		return fmt.Errorf("trace is empty")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Generation"
	p.Y.Label.Text = "Fitness (lower is better)"

	series := []struct {
		name  string
		value func(store.TraceEntry) *float64
	}{
		{"best", func(e store.TraceEntry) *float64 { return e.BestFitness }},
		{"generation best", func(e store.TraceEntry) *float64 { return e.GenerationBest }},
		{"measured mean", func(e store.TraceEntry) *float64 { return e.MeanMeasured }},
	}

	for i, s := range series {
		var pts plotter.XYs
		for _, e := range entries {
			if v := s.value(e); v != nil {
				pts = append(pts, plotter.XY{X: float64(e.Generation), Y: *v})
			}
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	p.Legend.Top = true
	return p.Save(6*vg.Inch, 4*vg.Inch, outPath)
}

func runCleanRuns(cmd *cobra.Command, args []string) error {
	// Validate flags
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	runs, err := openRunStore()
	if err != nil {
		return err
	}

	infos, err := runs.ListRuns()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	if len(infos) == 0 {
		fmt.Println("No runs to clean.")
		return nil
	}

	toDelete := selectRunsForDeletion(infos, keepLast, olderThanDays, time.Now())

	if len(toDelete) == 0 {
		fmt.Println("No runs match deletion criteria.")
		return nil
	}

	fmt.Printf("Found %d run(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Printf("  - %s (%s, %s)\n",
			displayID(info.RunID),
			info.Status,
			info.StartedAt.Format(time.DateTime),
		)
	}

	if !forceClean && !confirm("\nProceed with deletion?") {
		fmt.Println("Aborted.")
		return nil
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := runs.DeleteRun(info.RunID); err != nil {
			slog.Error("Failed to delete run", "run_id", info.RunID, "error", err)
			failed++
		} else {
			slog.Info("Deleted run", "run_id", info.RunID)
			deleted++
		}
	}

	fmt.Printf("\nDeleted %d run(s), %d failed.\n", deleted, failed)
	return nil
}

// selectRunsForDeletion applies the retention policy: runs older than
// olderThanDays and all but the newest keepLast runs are selected. Each run
// appears at most once, oldest first.
func selectRunsForDeletion(infos []store.RunInfo, keepLast, olderThanDays int, now time.Time) []store.RunInfo {
	sorted := make([]store.RunInfo, len(infos))
	copy(sorted, infos)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartedAt.Before(sorted[j].StartedAt)
	})

	excess := 0
	if keepLast > 0 && len(sorted) > keepLast {
		excess = len(sorted) - keepLast
	}
	var cutoff time.Time
	if olderThanDays > 0 {
		cutoff = now.AddDate(0, 0, -olderThanDays)
	}

	var toDelete []store.RunInfo
	for i, info := range sorted {
		if i < excess || (olderThanDays > 0 && info.StartedAt.Before(cutoff)) {
			toDelete = append(toDelete, info)
		}
	}
	return toDelete
}

func displayID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

func formatFitness(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
