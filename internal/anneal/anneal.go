// Package anneal refines a single configuration by simulated annealing.
package anneal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"

	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
)

// EvalFunc measures one configuration. runID names the evaluation's working
// directory.
type EvalFunc func(ctx context.Context, cfg precision.Config, runID string) float64

// NeighborFunc derives a nearby configuration. It must not modify its input.
type NeighborFunc func(cfg precision.Config) precision.Config

// Params controls the annealing schedule.
type Params struct {
	Steps   int
	T0      float64
	Cooling float64
}

// DefaultParams returns the standard schedule: 5 steps from T=1 cooling by 0.9.
func DefaultParams() Params {
	return Params{Steps: 5, T0: 1.0, Cooling: 0.9}
}

// Attempt records one refinement of a generation's best individual.
type Attempt struct {
	Generation     int     `json:"generation" yaml:"generation"`
	Index          int     `json:"best_index" yaml:"best_index"`
	Original       float64 `json:"original_fitness" yaml:"original_fitness"`
	Refined        float64 `json:"improved_fitness" yaml:"improved_fitness"`
	Improvement    float64 `json:"improvement" yaml:"improvement"`
	ImprovementPct float64 `json:"improvement_percentage" yaml:"improvement_percentage"`
	Improved       bool    `json:"was_improved_by_sa" yaml:"was_improved_by_sa"`
}

// Stats summarizes all refinement attempts of a run.
type Stats struct {
	Total            int       `json:"total_generations" yaml:"total_generations"`
	Improvements     int       `json:"improvements_count" yaml:"improvements_count"`
	ImprovementRate  float64   `json:"improvement_rate" yaml:"improvement_rate"`
	AverageImprove   float64   `json:"average_improvement" yaml:"average_improvement"`
	TotalImprovement float64   `json:"total_improvement" yaml:"total_improvement"`
	History          []Attempt `json:"improvement_history" yaml:"improvement_history"`
}

// Refiner runs local search on the best individual of each generation and
// keeps statistics about the outcome.
type Refiner struct {
	params  Params
	compare fitness.Comparator
	rng     *rand.Rand

	mu      sync.Mutex
	history []Attempt
}

// NewRefiner creates a Refiner.
func NewRefiner(params Params, compare fitness.Comparator, rng *rand.Rand) *Refiner {
	return &Refiner{params: params, compare: compare, rng: rng}
}

// LocalSearch anneals from ind for the configured number of steps and
// returns the best configuration seen with its fitness. The starting point is
// evaluated first, so the result is never worse than ind's own measurement.
func (r *Refiner) LocalSearch(ctx context.Context, ind precision.Config, prefix string, eval EvalFunc, neighbor NeighborFunc) (precision.Config, float64) {
	current := ind.Clone()
	currentFit := eval(ctx, current, prefix+"_0")
	best := current.Clone()
	bestFit := currentFit
	temp := r.params.T0

	for step := 1; step <= r.params.Steps; step++ {
		if ctx.Err() != nil {
			break
		}
		cand := neighbor(current)
		candFit := eval(ctx, cand, fmt.Sprintf("%s_%d", prefix, step))

		if r.accept(currentFit, candFit, temp) {
			current, currentFit = cand, candFit
			if r.compare.Better(currentFit, bestFit) {
				best, bestFit = current.Clone(), currentFit
			}
		}
		temp *= r.params.Cooling
	}
	return best, bestFit
}

// accept applies the Metropolis criterion in the comparator's direction.
func (r *Refiner) accept(current, candidate, temp float64) bool {
	delta := candidate - current
	if r.compare.Direction == fitness.Maximize {
		delta = -delta
	}
	if math.IsNaN(delta) {
		return false
	}
	if delta < 0 {
		return true
	}
	if temp <= 0 {
		return false
	}
	return r.rng.Float64() < math.Exp(-delta/temp)
}

// RefineBest runs LocalSearch on the best measured individual of the
// generation. The slot is replaced only when the refined configuration is
// strictly better. It returns the index that was refined (or -1 when nothing
// was measured) and whether it improved.
func (r *Refiner) RefineBest(ctx context.Context, pop []precision.Config, values []float64, gen int, eval EvalFunc, neighbor NeighborFunc) (int, bool) {
	idx := r.compare.BestMeasuredIndex(values)
	if idx < 0 {
		slog.Debug("No measured individual to refine", "generation", gen)
		return -1, false
	}

	original := values[idx]
	refined, refinedFit := r.LocalSearch(ctx, pop[idx], fmt.Sprintf("gen%d_best_sa", gen), eval, neighbor)

	attempt := Attempt{
		Generation: gen,
		Index:      idx,
		Original:   original,
		Refined:    original,
	}
	if r.compare.Improves(refinedFit, &original) {
		pop[idx] = refined
		values[idx] = refinedFit
		attempt.Refined = refinedFit
		attempt.Improved = true
		attempt.Improvement = math.Abs(refinedFit - original)
		if original != 0 {
			attempt.ImprovementPct = attempt.Improvement / math.Abs(original) * 100
		}
		slog.Info("SA improved best individual",
			"generation", gen,
			"index", idx,
			"original_fitness", original,
			"new_fitness", refinedFit,
			"improvement", attempt.Improvement)
	} else {
		slog.Debug("SA did not improve best individual", "generation", gen, "fitness", original)
	}

	r.mu.Lock()
	r.history = append(r.history, attempt)
	r.mu.Unlock()

	return idx, attempt.Improved
}

// Stats returns a snapshot of the refinement statistics.
func (r *Refiner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Total:   len(r.history),
		History: append([]Attempt(nil), r.history...),
	}
	for _, a := range r.history {
		if a.Improved {
			s.Improvements++
			s.TotalImprovement += a.Improvement
		}
	}
	if s.Improvements > 0 {
		s.AverageImprove = s.TotalImprovement / float64(s.Improvements)
	}
	if s.Total > 0 {
		s.ImprovementRate = float64(s.Improvements) / float64(s.Total) * 100
	}
	return s
}

// Reset clears the statistics.
func (r *Refiner) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}
