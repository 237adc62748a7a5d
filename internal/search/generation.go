package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/store"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

// generation is the outcome of evaluating one population.
type generation struct {
	store.TraceEntry

	// values feed selection: measured fitness, surrogate predictions, skip
	// placeholders and backfilled values alike.
	values []float64
	// measured marks slots whose value came from a real evaluation.
	measured []bool
}

// runGeneration evaluates pop, refines its best individual and updates the
// global best. pop may be modified in place by the refinement.
func (c *Controller) runGeneration(ctx context.Context, gen int, pop []precision.Config) *generation {
	before := c.stats
	g := c.evaluateGeneration(ctx, gen, pop)
	c.updateBest(gen, pop, g.values, g.measured)

	if c.opts.SimulatedAnnealing && ctx.Err() == nil {
		masked := make([]float64, len(g.values))
		for i, v := range g.values {
			if g.measured[i] {
				masked[i] = v
			} else {
				masked[i] = fitness.Failure
			}
		}
		idx, improved := c.refiner.RefineBest(ctx, pop, masked, gen, c.evaluateForAnnealing, c.engine.Neighbor)
		if improved {
			g.values[idx] = masked[idx]
			g.Refined = true
			c.updateBest(gen, pop, g.values, g.measured)
		}
	}

	var measured []float64
	genBest := -1
	for i, v := range g.values {
		if !g.measured[i] || !fitness.IsMeasured(v) {
			continue
		}
		measured = append(measured, v)
		if genBest < 0 || c.compare.Better(v, g.values[genBest]) {
			genBest = i
		}
	}
	var best *float64
	if genBest >= 0 {
		v := g.values[genBest]
		best = &v
		mean := stat.Mean(measured, nil)
		g.MeanMeasured = &mean
	}
	c.history = append(c.history, best)

	g.Generation = gen
	g.Timestamp = time.Now().UTC()
	g.GenerationBest = copyPtr(best)
	g.BestFitness = copyPtr(c.best)
	if c.bestConfig != nil {
		g.BestHash = c.bestConfig.Hash()
	}
	g.Actual = c.stats.ActualEvaluations - before.ActualEvaluations - (c.stats.Failed - before.Failed)
	g.Surrogate = c.stats.SurrogatePredictions - before.SurrogatePredictions - (c.stats.Skipped - before.Skipped)
	g.Skipped = c.stats.Skipped - before.Skipped
	g.Failed = c.stats.Failed - before.Failed
	g.CacheHits = c.stats.CacheHits - before.CacheHits
	g.Backfilled = c.stats.Backfilled - before.Backfilled
	g.CacheSize = c.cache.Len()

	attrs := []any{
		"generation", gen,
		"actual", g.Actual,
		"surrogate", g.Surrogate,
		"skipped", g.Skipped,
		"failed", g.Failed,
		"cache_hits", g.CacheHits,
	}
	if best != nil {
		attrs = append(attrs, "generation_best", *best)
	}
	if c.best != nil {
		attrs = append(attrs, "best_fitness", *c.best)
	}
	slog.Info("Generation complete", attrs...)
	return g
}

// evaluateGeneration assigns a fitness to every individual of pop.
// Individuals already measured are answered from the cache; the rest go
// through the surrogate gate and, when it asks for an exact evaluation, are
// measured in waves of at most Workers concurrent evaluations.
func (c *Controller) evaluateGeneration(ctx context.Context, gen int, pop []precision.Config) *generation {
	g := &generation{
		values:   make([]float64, len(pop)),
		measured: make([]bool, len(pop)),
	}
	// Decisions and early termination compare against the best known when
	// the generation started.
	startBest := copyPtr(c.best)

	var pending []int
	for i, ind := range pop {
		if rec, ok := c.cache.Lookup(ind); ok && rec.Measured() {
			pending = append(pending, i)
			continue
		}

		d := c.gate.Decide(ctx, gen, ind, startBest)
		switch d.Strategy {
		case surrogate.StrategySkip:
			skip := fitness.Skip
			g.values[i] = skip
			c.cache.MarkTested(ind, &skip, cache.KindSkip)
			c.stats.Skipped++
			c.stats.SurrogatePredictions++
			slog.Debug("Skipping individual", "generation", gen, "index", i, "reason", d.Reason)
		case surrogate.StrategySurrogate:
			predicted := d.Prediction.Fitness
			g.values[i] = predicted
			c.cache.MarkTested(ind, &predicted, cache.KindSurrogate)
			c.stats.SurrogatePredictions++
			slog.Debug("Using surrogate prediction",
				"generation", gen,
				"index", i,
				"predicted", predicted,
				"confidence", d.Prediction.Confidence)
		default:
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += c.opts.Workers {
		end := min(start+c.opts.Workers, len(pending))
		wave := pending[start:end]

		if ctx.Err() != nil {
			for _, idx := range pending[start:] {
				g.values[idx] = fitness.Failure
			}
			break
		}

		results := make([]evaluate.Result, len(wave))
		var eg errgroup.Group
		eg.SetLimit(c.opts.Workers)
		for k, idx := range wave {
			eg.Go(func() error {
				results[k] = c.evaluator.Evaluate(ctx, pop[idx], fmt.Sprintf("gen%d_ind%d", gen, idx))
				return nil
			})
		}
		_ = eg.Wait()

		terminate := false
		for k, idx := range wave {
			r := results[k]
			g.values[idx] = r.Fitness
			g.measured[idx] = r.Failure == nil
			c.account(r)
			if c.opts.EarlyTermination && c.gate.ShouldTerminate(r.Fitness, startBest) {
				terminate = true
			}
		}

		if terminate && end < len(pending) {
			fill := fitness.Skip
			if startBest != nil {
				fill = *startBest
			}
			rest := pending[end:]
			for _, idx := range rest {
				g.values[idx] = fill
			}
			c.stats.Backfilled += len(rest)
			c.stats.EarlyTerminations++
			g.EarlyTerminated = true
			slog.Info("Early termination of generation",
				"generation", gen,
				"evaluated", end,
				"backfilled", len(rest),
				"backfill_value", fill)
			break
		}
	}
	return g
}

// evaluateForAnnealing measures one refinement step through the cache.
func (c *Controller) evaluateForAnnealing(ctx context.Context, cfg precision.Config, runID string) float64 {
	r := c.evaluator.Evaluate(ctx, cfg, runID)
	c.account(r)
	return r.Fitness
}

// account books an evaluation result in the run statistics.
func (c *Controller) account(r evaluate.Result) {
	if r.Cached {
		c.stats.CacheHits++
		return
	}
	c.stats.ActualEvaluations++
	if r.Failure != nil {
		c.stats.Failed++
		slog.Debug("Evaluation failed", "stage", r.Failure.Stage, "reason", r.Failure.Reason)
	}
}
