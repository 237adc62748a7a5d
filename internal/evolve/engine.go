// Package evolve implements the genetic operators over precision
// configurations, deduplicated population construction and the structural
// group clamp.
package evolve

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
)

// Params controls the genetic operators.
type Params struct {
	MutationRate   float64 `mapstructure:"mutation_rate" yaml:"mutation_rate"`     // probability that Mutate touches an individual
	CrossoverRate  float64 `mapstructure:"crossover_rate" yaml:"crossover_rate"`   // probability that Crossover mixes two parents
	GeneRate       float64 `mapstructure:"gene_rate" yaml:"gene_rate"`             // per-variable reassignment probability inside Mutate
	SwapRate       float64 `mapstructure:"swap_rate" yaml:"swap_rate"`             // per-index swap probability inside Crossover
	TournamentSize int     `mapstructure:"tournament_size" yaml:"tournament_size"`
}

// DefaultParams returns the standard operator settings.
func DefaultParams() Params {
	return Params{
		MutationRate:   0.3,
		CrossoverRate:  0.7,
		GeneRate:       0.1,
		SwapRate:       0.5,
		TournamentSize: 3,
	}
}

// Validate checks that every rate is a probability.
func (p Params) Validate() error {
	for name, v := range map[string]float64{
		"mutation rate":  p.MutationRate,
		"crossover rate": p.CrossoverRate,
		"gene rate":      p.GeneRate,
		"swap rate":      p.SwapRate,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %g", name, v)
		}
	}
	if p.TournamentSize < 1 {
		return fmt.Errorf("tournament size must be positive, got %d", p.TournamentSize)
	}
	return nil
}

// Engine applies selection, crossover and mutation. It is not safe for
// concurrent use because it owns its random source.
type Engine struct {
	params  Params
	compare fitness.Comparator
	rng     *rand.Rand
}

// NewEngine creates an engine drawing from rng.
func NewEngine(params Params, compare fitness.Comparator, rng *rand.Rand) *Engine {
	return &Engine{params: params, compare: compare, rng: rng}
}

// Params returns the engine's operator settings.
func (e *Engine) Params() Params {
	return e.params
}

// Rand exposes the engine's random source to collaborators that must share
// its sequence.
func (e *Engine) Rand() *rand.Rand {
	return e.rng
}

// RandomTag returns a uniformly random tag of the given form.
func (e *Engine) RandomTag(pointer bool) precision.Tag {
	tags := precision.TagsOfKind(pointer)
	return tags[e.rng.Intn(len(tags))]
}

// otherTag returns a random tag of the same form that differs from tag.
func (e *Engine) otherTag(tag precision.Tag) precision.Tag {
	var others []precision.Tag
	for _, t := range precision.TagsOfKind(tag.Pointer) {
		if t != tag {
			others = append(others, t)
		}
	}
	return others[e.rng.Intn(len(others))]
}

// TournamentSelection samples k distinct individuals and returns a clone of
// the best one by fitness.
func (e *Engine) TournamentSelection(pop []precision.Config, values []float64) (precision.Config, error) {
	if len(pop) != len(values) {
		return precision.Config{}, fmt.Errorf("population size (%d) and fitness values size (%d) must be equal", len(pop), len(values))
	}
	if len(pop) == 0 {
		return precision.Config{}, fmt.Errorf("cannot select from an empty population")
	}

	k := e.params.TournamentSize
	if k > len(pop) {
		k = len(pop)
	}
	contenders := e.rng.Perm(len(pop))[:k]

	winner := contenders[0]
	for _, idx := range contenders[1:] {
		if e.compare.Better(values[idx], values[winner]) {
			winner = idx
		}
	}
	return pop[winner].Clone(), nil
}

// Crossover returns two children. With probability 1-CrossoverRate they are
// plain clones of the parents; otherwise each index swaps tags with
// probability SwapRate. Parents share variable ordering by lineage.
func (e *Engine) Crossover(p1, p2 precision.Config) (precision.Config, precision.Config) {
	c1, c2 := p1.Clone(), p2.Clone()
	if e.rng.Float64() >= e.params.CrossoverRate {
		return c1, c2
	}
	n := len(c1.LocalVar)
	if len(c2.LocalVar) < n {
		n = len(c2.LocalVar)
	}
	for i := 0; i < n; i++ {
		if e.rng.Float64() < e.params.SwapRate {
			c1.LocalVar[i].Type, c2.LocalVar[i].Type = p2.LocalVar[i].Type, p1.LocalVar[i].Type
		}
	}
	return c1, c2
}

// Mutate returns a clone of ind. With probability MutationRate each variable
// is independently reassigned, with probability GeneRate, to a random tag of
// the same form.
func (e *Engine) Mutate(ind precision.Config) precision.Config {
	out := ind.Clone()
	if e.rng.Float64() >= e.params.MutationRate {
		return out
	}
	for i := range out.LocalVar {
		if e.rng.Float64() < e.params.GeneRate {
			out.LocalVar[i].Type = e.RandomTag(out.LocalVar[i].Type.Pointer)
		}
	}
	return out
}

// Neighbor always changes at least one variable. It is the move used by
// local search, where an unchanged neighbor would waste an evaluation.
func (e *Engine) Neighbor(ind precision.Config) precision.Config {
	out := e.Mutate(ind)
	if len(out.LocalVar) == 0 || !precision.Equal(out, ind) {
		return out
	}
	i := e.rng.Intn(len(out.LocalVar))
	out.LocalVar[i].Type = e.otherTag(out.LocalVar[i].Type)
	return out
}

// EliteCount is the number of individuals carried unchanged into the next
// generation: ceil(size/5).
func EliteCount(size int) int {
	if size <= 0 {
		return 0
	}
	return (size + 4) / 5
}

// Elites returns clones of the top EliteCount(size) individuals, best first.
func (e *Engine) Elites(pop []precision.Config, values []float64, size int) []precision.Config {
	order := make([]int, len(pop))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return e.compare.Less(values[order[a]], values[order[b]])
	})

	n := EliteCount(size)
	if n > len(order) {
		n = len(order)
	}
	elites := make([]precision.Config, 0, n)
	for _, idx := range order[:n] {
		elites = append(elites, pop[idx].Clone())
	}
	return elites
}

// EvolvePopulation builds the next generation without deduplication: elites
// followed by tournament, crossover and mutation pairs, truncated to size.
func (e *Engine) EvolvePopulation(pop []precision.Config, values []float64, size int) ([]precision.Config, error) {
	next := e.Elites(pop, values, size)
	for len(next) < size {
		c1, c2, err := e.breed(pop, values)
		if err != nil {
			return nil, err
		}
		next = append(next, c1, c2)
	}
	return next[:size], nil
}

func (e *Engine) breed(pop []precision.Config, values []float64) (precision.Config, precision.Config, error) {
	p1, err := e.TournamentSelection(pop, values)
	if err != nil {
		return precision.Config{}, precision.Config{}, err
	}
	p2, err := e.TournamentSelection(pop, values)
	if err != nil {
		return precision.Config{}, precision.Config{}, err
	}
	c1, c2 := e.Crossover(p1, p2)
	return e.Mutate(c1), e.Mutate(c2), nil
}
