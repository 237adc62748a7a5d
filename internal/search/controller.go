// Package search drives a mixed-precision search: generations of
// surrogate-gated evaluation, annealing of each generation's best and
// deduplicated breeding of the next population.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/mixprectune/internal/anneal"
	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/evaluate"
	"github.com/cwbudde/mixprectune/internal/evolve"
	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/opt"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/store"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

// ErrNoSeeds is returned when a search is started without seed
// configurations.
var ErrNoSeeds = errors.New("search needs at least one seed configuration")

// Options configures a search run.
type Options struct {
	RunID          string
	PopulationSize int
	Generations    int
	// Workers bounds how many exact evaluations run at once.
	Workers int
	Seed    int64

	Evolve     evolve.Params
	Anneal     anneal.Params
	Thresholds surrogate.Thresholds
	Stagnation StagnationConfig

	SimulatedAnnealing bool
	EarlyTermination   bool
	// ExplorerProposals is how many surrogate-explored configurations join
	// the initial population when an explorer is attached.
	ExplorerProposals int

	// Groups are applied in order to every individual before the cache
	// claims its fingerprint.
	Groups []*evolve.GroupFile
}

// DefaultOptions returns the standard search settings.
func DefaultOptions() Options {
	return Options{
		PopulationSize:     7,
		Generations:        10,
		Workers:            1,
		Seed:               1,
		Evolve:             evolve.DefaultParams(),
		Anneal:             anneal.DefaultParams(),
		Thresholds:         surrogate.DefaultThresholds(),
		Stagnation:         DefaultStagnationConfig(),
		SimulatedAnnealing: true,
		EarlyTermination:   true,
	}
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.PopulationSize < 1 {
		return fmt.Errorf("population size must be positive, got %d", o.PopulationSize)
	}
	if o.Generations < 1 {
		return fmt.Errorf("generations must be positive, got %d", o.Generations)
	}
	if o.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", o.Workers)
	}
	if o.Anneal.Steps < 0 {
		return fmt.Errorf("annealing steps must not be negative, got %d", o.Anneal.Steps)
	}
	if o.Anneal.Cooling <= 0 || o.Anneal.Cooling > 1 {
		return fmt.Errorf("cooling rate must be in (0,1], got %g", o.Anneal.Cooling)
	}
	if o.Stagnation.Enabled && o.Stagnation.Patience < 1 {
		return fmt.Errorf("stagnation patience must be positive, got %d", o.Stagnation.Patience)
	}
	if o.ExplorerProposals < 0 {
		return fmt.Errorf("explorer proposals must not be negative, got %d", o.ExplorerProposals)
	}
	if err := o.Evolve.Validate(); err != nil {
		return err
	}
	return o.Thresholds.Validate()
}

// Parameters describes the options for persisted run artifacts.
func (o Options) Parameters(surrogateAvailable bool) store.Parameters {
	p := store.Parameters{
		PopulationSize:      o.PopulationSize,
		Generations:         o.Generations,
		Workers:             o.Workers,
		Seed:                o.Seed,
		MutationRate:        o.Evolve.MutationRate,
		CrossoverRate:       o.Evolve.CrossoverRate,
		TournamentSize:      o.Evolve.TournamentSize,
		EliteSize:           evolve.EliteCount(o.PopulationSize),
		UseSurrogate:        surrogateAvailable,
		ConfidenceThreshold: o.Thresholds.Confidence,
		SkipThreshold:       o.Thresholds.Skip,
		ForceThreshold:      o.Thresholds.Force,
		EarlyTermination:    o.EarlyTermination,
		SimulatedAnnealing:  o.SimulatedAnnealing,
		SASteps:             o.Anneal.Steps,
		ExplorerProposals:   o.ExplorerProposals,
	}
	for _, g := range o.Groups {
		p.GroupFiles = append(p.GroupFiles, g.Name)
	}
	return p
}

// Observer receives the report of every finished generation.
type Observer func(entry store.TraceEntry)

// Result is the outcome of a search.
type Result struct {
	RunID          string
	Status         store.Status
	StopReason     string
	Best           *precision.Config
	BestFitness    *float64
	BestGeneration int
	// History holds the best measured fitness of every generation, nil
	// where a generation measured nothing.
	History     []*float64
	Generations int
	Stats       store.RunStats
	Annealing   anneal.Stats
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Controller runs one search. It is not safe for concurrent use; a
// Controller runs once.
type Controller struct {
	opts  Options
	seeds []precision.Config

	cache     cache.Store
	evaluator *evaluate.CachedEvaluator
	gate      *surrogate.Gate
	compare   fitness.Comparator
	engine    *evolve.Engine
	dedup     *evolve.Deduplicator
	refiner   *anneal.Refiner

	explorer *opt.Explorer
	runs     *store.FSStore
	observer Observer

	best       *float64
	bestConfig *precision.Config
	bestGen    int
	history    []*float64
	stats      store.RunStats
}

// New creates a controller. predictor may be nil, in which case every
// individual is measured exactly. Every evaluation goes through the cache.
func New(opts Options, seeds []precision.Config, records cache.Store, evaluator evaluate.Evaluator, predictor surrogate.Predictor) (*Controller, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid search options: %w", err)
	}
	if len(seeds) == 0 {
		return nil, ErrNoSeeds
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	compare := fitness.Default
	rng := rand.New(rand.NewSource(opts.Seed))
	engine := evolve.NewEngine(opts.Evolve, compare, rng)

	return &Controller{
		opts:      opts,
		seeds:     seeds,
		cache:     records,
		evaluator: evaluate.NewCached(evaluator, records),
		gate:      surrogate.NewGate(predictor, opts.Thresholds),
		compare:   compare,
		engine:    engine,
		dedup:     evolve.NewDeduplicator(engine, records).WithGroups(opts.Groups...),
		refiner:   anneal.NewRefiner(opts.Anneal, compare, rng),
	}, nil
}

// WithExplorer seeds the initial population with surrogate proposals.
func (c *Controller) WithExplorer(e *opt.Explorer) *Controller {
	c.explorer = e
	return c
}

// WithRunStore persists the trace, summary, history and best configuration
// of the run.
func (c *Controller) WithRunStore(s *store.FSStore) *Controller {
	c.runs = s
	return c
}

// WithObserver registers a callback for generation reports.
func (c *Controller) WithObserver(o Observer) *Controller {
	c.observer = o
	return c
}

// RunID returns the identifier of the run.
func (c *Controller) RunID() string {
	return c.opts.RunID
}

// Gate returns the surrogate gate.
func (c *Controller) Gate() *surrogate.Gate {
	return c.gate
}

// Run executes the search until the generation budget is spent, stagnation
// is detected or ctx is cancelled. Cancellation is not an error: the result
// carries StatusCancelled and the best found so far.
func (c *Controller) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:     c.opts.RunID,
		Status:    store.StatusCompleted,
		StartedAt: time.Now().UTC(),
	}

	slog.Info("Starting search",
		"run_id", c.opts.RunID,
		"population_size", c.opts.PopulationSize,
		"generations", c.opts.Generations,
		"workers", c.opts.Workers,
		"variables", c.seeds[0].Len(),
		"seeds", len(c.seeds),
		"surrogate", c.gate.Available(),
		"simulated_annealing", c.opts.SimulatedAnnealing,
		"cache_size", c.cache.Len())

	var trace *store.TraceWriter
	if c.runs != nil {
		tw, err := store.NewTraceWriter(c.runs.BaseDir(), c.opts.RunID, false)
		if err != nil {
			slog.Warn("Failed to open trace, continuing without", "error", err)
		} else {
			trace = tw
			defer trace.Close()
		}
	}

	pop, popStats, err := c.dedup.CreateInitialPopulation(c.seeds, c.opts.PopulationSize, c.proposals(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial population: %w", err)
	}
	c.stats.DuplicatesAccepted += popStats.Duplicates

	tracker := NewStagnationTracker(c.opts.Stagnation, c.compare)

	for gen := 0; gen < c.opts.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			res.Status = store.StatusCancelled
			res.StopReason = err.Error()
			break
		}

		entry := c.runGeneration(ctx, gen, pop)
		if ctx.Err() != nil {
			// The generation is incomplete; what it measured is already in
			// the cache and the global best.
			c.history = c.history[:len(c.history)-1]
			res.Status = store.StatusCancelled
			res.StopReason = ctx.Err().Error()
			break
		}
		res.Generations = gen + 1

		if trace != nil {
			if err := trace.Write(entry.TraceEntry); err != nil {
				slog.Warn("Failed to write trace entry", "generation", gen, "error", err)
			}
		}
		if c.observer != nil {
			c.observer(entry.TraceEntry)
		}

		if tracker.Update(c.best) {
			res.Status = store.StatusConverged
			res.StopReason = fmt.Sprintf("no significant improvement for %d generations", tracker.StaleCount())
			break
		}

		if gen < c.opts.Generations-1 {
			next, evoStats, err := c.dedup.EvolveWithDedup(pop, entry.values, c.opts.PopulationSize)
			if err != nil {
				res.Status = store.StatusFailed
				res.StopReason = err.Error()
				c.finalize(res)
				return res, fmt.Errorf("failed to evolve generation %d: %w", gen, err)
			}
			c.stats.DuplicatesAccepted += evoStats.Duplicates
			pop = next
		}
	}

	c.finalize(res)
	return res, nil
}

// proposals asks the explorer for extra initial individuals. Failures only
// cost the proposals.
func (c *Controller) proposals(ctx context.Context) []precision.Config {
	if c.explorer == nil || c.opts.ExplorerProposals == 0 {
		return nil
	}
	props, err := c.explorer.Propose(ctx, c.seeds[0], c.opts.ExplorerProposals)
	if err != nil {
		slog.Warn("Surrogate exploration failed", "error", err)
		return nil
	}
	return opt.Configs(props)
}

// updateBest promotes measured slots that improve on the global best.
func (c *Controller) updateBest(gen int, pop []precision.Config, values []float64, measured []bool) {
	for i, v := range values {
		if !measured[i] || !c.compare.Improves(v, c.best) {
			continue
		}
		best := v
		cfg := pop[i].Clone()
		c.best = &best
		c.bestConfig = &cfg
		c.bestGen = gen
		slog.Info("New best configuration",
			"generation", gen,
			"index", i,
			"fitness", v,
			"score", fitness.Score(v),
			"hash", cfg.Hash())
	}
}

// finalize fills res from the controller state and persists the artifacts.
func (c *Controller) finalize(res *Result) {
	res.FinishedAt = time.Now().UTC()

	if err := c.cache.Save(); err != nil {
		slog.Warn("Failed to save cache", "error", err)
	}
	c.stats.CacheSize = c.cache.Len()
	c.stats.UpdateUsageRatio()

	res.Stats = c.stats
	res.Annealing = c.refiner.Stats()
	res.History = make([]*float64, len(c.history))
	for i, v := range c.history {
		res.History[i] = copyPtr(v)
	}
	res.BestFitness = copyPtr(c.best)
	res.BestGeneration = c.bestGen
	if c.bestConfig != nil {
		best := c.bestConfig.Clone()
		res.Best = &best
	}

	if c.runs != nil {
		if err := c.runs.SaveRun(c.toRun(res)); err != nil {
			slog.Error("Failed to save run artifacts", "run_id", res.RunID, "error", err)
		}
	}

	attrs := []any{
		"run_id", res.RunID,
		"status", res.Status,
		"generations", res.Generations,
		"actual_evaluations", c.stats.ActualEvaluations,
		"surrogate_predictions", c.stats.SurrogatePredictions,
		"cache_hits", c.stats.CacheHits,
		"surrogate_usage_ratio", c.stats.SurrogateUsageRatio,
		"sa_improvements", res.Annealing.Improvements,
		"elapsed", res.FinishedAt.Sub(res.StartedAt),
	}
	if res.BestFitness != nil {
		attrs = append(attrs, "best_fitness", *res.BestFitness, "best_generation", res.BestGeneration)
	}
	slog.Info("Search complete", attrs...)
}

func (c *Controller) toRun(res *Result) *store.Run {
	params := c.opts.Parameters(c.gate.Available())
	summary := store.Summary{
		RunID:          res.RunID,
		Status:         res.Status,
		StopReason:     res.StopReason,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
		Generations:    res.Generations,
		BestFitness:    copyPtr(res.BestFitness),
		BestGeneration: res.BestGeneration,
		Parameters:     params,
		Stats:          res.Stats,
		SAImprovements: res.Annealing.Improvements,
		SAImproveRate:  res.Annealing.ImprovementRate,
	}
	if res.Best != nil {
		summary.BestHash = res.Best.Hash()
	}
	return &store.Run{
		Summary: summary,
		Best:    res.Best,
		History: store.History{
			BestFitnessHistory: res.History,
			FinalBestFitness:   copyPtr(res.BestFitness),
			BestGeneration:     res.BestGeneration,
			Parameters:         params,
			Statistics:         res.Stats,
			Annealing:          res.Annealing,
		},
	}
}
