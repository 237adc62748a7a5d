package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/cwbudde/mixprectune/internal/cache"
	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
	"github.com/cwbudde/mixprectune/internal/surrogate"
)

const (
	// unusablePenalty is the cost of positions the surrogate cannot score.
	unusablePenalty = 1e6

	// testedPenalty pushes the search away from configurations already in
	// the cache.
	testedPenalty = 1e3
)

// ErrNoSurrogate is returned when exploration is requested without a
// usable predictor.
var ErrNoSurrogate = errors.New("explorer needs a surrogate predictor")

// Proposal is an untested configuration with its predicted fitness.
type Proposal struct {
	Config    precision.Config
	Predicted float64
}

// Explorer runs a continuous optimizer over the surrogate's predictions and
// proposes promising configurations that have not been tested yet. Each
// variable is one coordinate in [0,1], split evenly between the tiers of its
// form.
type Explorer struct {
	optimizer Optimizer
	gate      *surrogate.Gate
	store     cache.Store
	compare   fitness.Comparator
}

// NewExplorer creates an explorer. gate must have a predictor for Propose
// to do anything.
func NewExplorer(optimizer Optimizer, gate *surrogate.Gate, store cache.Store) *Explorer {
	return &Explorer{optimizer: optimizer, gate: gate, store: store, compare: fitness.Default}
}

// Decode maps pos onto template's variables. Coordinates are clamped to
// [0,1]; missing coordinates keep the template's tag.
func Decode(template precision.Config, pos []float64) precision.Config {
	cfg := template.Clone()
	n := len(precision.Tiers)
	for i := range cfg.LocalVar {
		if i >= len(pos) {
			break
		}
		x := pos[i]
		if x < 0 || math.IsNaN(x) {
			x = 0
		}
		idx := int(x * float64(n))
		if idx >= n {
			idx = n - 1
		}
		cfg.LocalVar[i].Type = cfg.LocalVar[i].Type.WithTier(precision.Tiers[idx])
	}
	return cfg
}

// Propose explores around template and returns up to n distinct untested
// configurations, best predicted first.
func (e *Explorer) Propose(ctx context.Context, template precision.Config, n int) ([]Proposal, error) {
	if !e.gate.Available() {
		return nil, ErrNoSurrogate
	}
	dim := template.Len()
	if dim == 0 || n <= 0 {
		return nil, nil
	}

	seen := make(map[string]Proposal)
	objective := func(pos []float64) float64 {
		if ctx.Err() != nil {
			return unusablePenalty
		}
		cfg := Decode(template, pos)
		p, err := e.gate.Predict(ctx, cfg)
		if err != nil {
			return unusablePenalty
		}
		if e.store.IsTested(cfg) {
			return p.Fitness + testedPenalty
		}
		hash := cfg.Hash()
		if _, ok := seen[hash]; !ok {
			seen[hash] = Proposal{Config: cfg, Predicted: p.Fitness}
		}
		return p.Fitness
	}

	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range upper {
		upper[i] = 1
	}
	res, err := e.optimizer.Run(objective, lower, upper, dim)
	if err != nil {
		return nil, fmt.Errorf("exploration failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	proposals := make([]Proposal, 0, len(seen))
	for _, p := range seen {
		proposals = append(proposals, p)
	}
	sort.Slice(proposals, func(i, j int) bool {
		if proposals[i].Predicted != proposals[j].Predicted {
			return e.compare.Less(proposals[i].Predicted, proposals[j].Predicted)
		}
		return proposals[i].Config.Hash() < proposals[j].Config.Hash()
	})
	if len(proposals) > n {
		proposals = proposals[:n]
	}

	slog.Info("Surrogate exploration complete",
		"evaluations", res.Evaluations,
		"distinct_untested", len(seen),
		"proposals", len(proposals),
		"best_predicted", res.Cost)
	return proposals, nil
}

// Configs extracts the configurations of proposals.
func Configs(proposals []Proposal) []precision.Config {
	out := make([]precision.Config, len(proposals))
	for i, p := range proposals {
		out[i] = p.Config
	}
	return out
}
