package search

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

// GroupOptions returns the reduced settings of one per-group search.
func GroupOptions(base Options) Options {
	opts := base
	opts.RunID = ""
	opts.PopulationSize = 3
	opts.Generations = 3
	opts.SimulatedAnnealing = false
	opts.EarlyTermination = false
	opts.ExplorerProposals = 0
	opts.Thresholds.Confidence = 0.7
	opts.Thresholds.Skip = 0.3
	opts.Thresholds.Force = 0.1
	return opts
}

// GroupResult is the outcome of the search restricted to one group file.
type GroupResult struct {
	Group       string
	Best        *precision.Config
	BestFitness *float64
	Path        string
	Err         error
}

// GroupSearch runs one small search per group file, each clamping its
// populations with that file only, and keeps the overall best.
type GroupSearch struct {
	Options   Options
	Seeds     []precision.Config
	Cache     cache.Store
	Evaluator evaluate.Evaluator
	Predictor surrogate.Predictor
	// OutputDir receives group_search_<name>_best.json per group.
	OutputDir string
}

// Run searches every group in turn. A failing group is logged and
// recorded in its result; the remaining groups still run. The returned index
// points at the best result, -1 when no group found a configuration.
func (s *GroupSearch) Run(ctx context.Context, groups []*evolve.GroupFile) ([]GroupResult, int, error) {
	if len(s.Seeds) == 0 {
		return nil, -1, ErrNoSeeds
	}
	if s.OutputDir != "" {
		if err := os.MkdirAll(s.OutputDir, 0755); err != nil {
			return nil, -1, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	compare := fitness.Default
	results := make([]GroupResult, 0, len(groups))
	bestIdx := -1

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return results, bestIdx, err
		}
		slog.Info("Starting group search", "group", group.Name, "variables", group.VariableCount())

		gr := GroupResult{Group: group.Name}
		opts := GroupOptions(s.Options)
		opts.Groups = []*evolve.GroupFile{group}

		seeds := make([]precision.Config, len(s.Seeds))
		for i, seed := range s.Seeds {
			seeds[i] = group.Clamp(seed)
		}

		ctrl, err := New(opts, seeds, s.Cache, s.Evaluator, s.Predictor)
		if err != nil {
			return results, bestIdx, err
		}
		res, err := ctrl.Run(ctx)
		switch {
		case err != nil:
			gr.Err = err
			slog.Warn("Group search failed", "group", group.Name, "error", err)
		case res.Best == nil:
			slog.Warn("Group search found no valid configuration", "group", group.Name)
		default:
			gr.Best = res.Best
			gr.BestFitness = res.BestFitness
			if s.OutputDir != "" {
				gr.Path = filepath.Join(s.OutputDir, fmt.Sprintf("group_search_%s_best.json", group.Name))
				if err := precision.Save(gr.Path, *res.Best); err != nil {
					slog.Warn("Failed to save group search result", "group", group.Name, "error", err)
					gr.Path = ""
				}
			}
			slog.Info("Group search complete", "group", group.Name, "best_fitness", *res.BestFitness)
		}

		results = append(results, gr)
		if gr.BestFitness != nil && (bestIdx < 0 || compare.Better(*gr.BestFitness, *results[bestIdx].BestFitness)) {
			bestIdx = len(results) - 1
		}
	}
	return results, bestIdx, nil
}
