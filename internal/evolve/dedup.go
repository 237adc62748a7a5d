package evolve

import (
	"errors"
	"log/slog"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/precision"
)

const (
	// DefaultMaxAttempts bounds every search for an untested configuration.
	DefaultMaxAttempts = 1000

	// perturbFraction is the share of variables changed by the exhaustion
	// fallback.
	perturbFraction = 0.3

	// fillRetries bounds how often the fill phase retries a duplicate before
	// accepting it.
	fillRetries = 10
)

// ErrNoTemplates is returned when there is nothing to derive individuals
// from.
var ErrNoTemplates = errors.New("no template configurations")

// Deduplicator builds populations whose members have not been evaluated
// before, reserving each admitted fingerprint in the cache.
type Deduplicator struct {
	engine      *Engine
	store       cache.Store
	maxAttempts int
	groups      []*GroupFile
}

// NewDeduplicator creates a Deduplicator over store.
func NewDeduplicator(engine *Engine, store cache.Store) *Deduplicator {
	return &Deduplicator{engine: engine, store: store, maxAttempts: DefaultMaxAttempts}
}

// WithGroups clamps every configuration to the groups, applied in order,
// before its fingerprint is tested or claimed.
func (d *Deduplicator) WithGroups(groups ...*GroupFile) *Deduplicator {
	d.groups = groups
	return d
}

func (d *Deduplicator) clamp(cfg precision.Config) precision.Config {
	for _, g := range d.groups {
		cfg = g.Clamp(cfg)
	}
	return cfg
}

// Stats describes how a population was assembled.
type Stats struct {
	Seeds      int
	Proposals  int
	Elites     int
	Children   int
	Random     int
	Duplicates int
}

// CreateRandomIndividual draws random configurations from the templates
// until one is untested. When the attempt budget runs out it perturbs about
// 30% of a template's variables and returns that, tested or not.
func (d *Deduplicator) CreateRandomIndividual(templates []precision.Config) (precision.Config, error) {
	if len(templates) == 0 {
		return precision.Config{}, ErrNoTemplates
	}
	rng := d.engine.rng

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		ind := templates[rng.Intn(len(templates))].Clone()
		for i := range ind.LocalVar {
			ind.LocalVar[i].Type = d.engine.RandomTag(ind.LocalVar[i].Type.Pointer)
		}
		ind = d.clamp(ind)
		if !d.store.IsTested(ind) {
			return ind, nil
		}
	}

	slog.Debug("Random individual attempts exhausted, perturbing a template", "attempts", d.maxAttempts)
	ind := templates[rng.Intn(len(templates))].Clone()
	for i := range ind.LocalVar {
		if rng.Float64() < perturbFraction {
			ind.LocalVar[i].Type = d.engine.otherTag(ind.LocalVar[i].Type)
		}
	}
	return d.clamp(ind), nil
}

// CreateInitialPopulation admits every untested seed, then the extra
// proposals, then random individuals until size is reached. Every admitted
// configuration is claimed in the cache. The result never exceeds size.
func (d *Deduplicator) CreateInitialPopulation(seeds []precision.Config, size int, extra ...precision.Config) ([]precision.Config, Stats, error) {
	var stats Stats
	if len(seeds) == 0 {
		return nil, stats, ErrNoTemplates
	}

	pop := make([]precision.Config, 0, size)
	for i, seed := range seeds {
		if len(pop) >= size {
			break
		}
		seed = d.clamp(seed)
		if d.store.Claim(seed) {
			pop = append(pop, seed.Clone())
			stats.Seeds++
			slog.Debug("Added seed configuration to population", "seed", i+1)
		} else {
			slog.Debug("Skipping already tested seed configuration", "seed", i+1)
		}
	}

	for _, cfg := range extra {
		if len(pop) >= size {
			break
		}
		cfg = d.clamp(cfg)
		if d.store.Claim(cfg) {
			pop = append(pop, cfg.Clone())
			stats.Proposals++
		}
	}

	if err := d.fill(&pop, seeds, size, &stats); err != nil {
		return nil, stats, err
	}

	slog.Info("Initial population created",
		"size", len(pop),
		"seeds", stats.Seeds,
		"proposals", stats.Proposals,
		"random", stats.Random,
		"duplicates", stats.Duplicates)
	return pop, stats, nil
}

// EvolveWithDedup builds the next generation. Elites are carried over even
// though they are already tested; children are admitted only when their
// fingerprint can be claimed; fresh random individuals fill whatever the
// attempt budget leaves open.
func (d *Deduplicator) EvolveWithDedup(pop []precision.Config, values []float64, size int) ([]precision.Config, Stats, error) {
	var stats Stats
	next := d.engine.Elites(pop, values, size)
	stats.Elites = len(next)

	for attempt := 0; len(next) < size && attempt < d.maxAttempts; attempt++ {
		c1, c2, err := d.engine.breed(pop, values)
		if err != nil {
			return nil, stats, err
		}
		for _, child := range []precision.Config{c1, c2} {
			if len(next) >= size {
				break
			}
			child = d.clamp(child)
			if d.store.Claim(child) {
				next = append(next, child)
				stats.Children++
			}
		}
	}

	if err := d.fill(&next, pop, size, &stats); err != nil {
		return nil, stats, err
	}

	slog.Debug("Population evolved",
		"size", len(next),
		"elites", stats.Elites,
		"children", stats.Children,
		"random", stats.Random,
		"duplicates", stats.Duplicates)
	return next, stats, nil
}

// fill appends random individuals derived from templates until *pop holds
// size members. A candidate that cannot be claimed is retried a bounded
// number of times and then accepted as a duplicate.
func (d *Deduplicator) fill(pop *[]precision.Config, templates []precision.Config, size int, stats *Stats) error {
	for len(*pop) < size {
		var ind precision.Config
		claimed := false
		for retry := 0; retry < fillRetries; retry++ {
			var err error
			ind, err = d.CreateRandomIndividual(templates)
			if err != nil {
				return err
			}
			if d.store.Claim(ind) {
				claimed = true
				break
			}
		}
		if !claimed {
			stats.Duplicates++
			slog.Warn("Configuration space near exhaustion, accepting duplicate individual", "hash", ind.Hash())
		}
		*pop = append(*pop, ind)
		stats.Random++
	}
	return nil
}
