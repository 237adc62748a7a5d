package opt

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/cwbudde/mayfly"
)

// MinMayflyPopulation is the smallest population mayfly v0.1.0 runs with.
const MinMayflyPopulation = 20

// MayflyAdapter wraps the external Mayfly library to conform to our Optimizer interface
type MayflyAdapter struct {
	maxIters int
	popSize  int
	seed     int64
}

var _ Optimizer = (*MayflyAdapter)(nil)

// NewMayfly creates a new Mayfly optimizer adapter. Populations below
// MinMayflyPopulation are raised to it.
func NewMayfly(maxIters, popSize int, seed int64) *MayflyAdapter {
	if popSize < MinMayflyPopulation {
		popSize = MinMayflyPopulation
	}
	if maxIters < 1 {
		maxIters = 1
	}
	return &MayflyAdapter{
		maxIters: maxIters,
		popSize:  popSize,
		seed:     seed,
	}
}

// Run executes the Mayfly optimization using the external library. The
// library takes scalar bounds, so every dimension must share lower[0] and
// upper[0].
func (m *MayflyAdapter) Run(eval Objective, lower, upper []float64, dim int) (res Result, err error) {
	if dim < 1 {
		return Result{}, errors.New("mayfly: dimension must be positive")
	}
	if len(lower) == 0 || len(upper) == 0 || lower[0] >= upper[0] {
		return Result{}, errors.New("mayfly: invalid bounds")
	}

	evaluations := 0
	config := mayfly.NewDefaultConfig()
	config.ObjectiveFunc = func(pos []float64) float64 {
		evaluations++
		return eval(pos)
	}
	config.ProblemSize = dim
	config.MaxIterations = m.maxIters
	config.NPop = m.popSize
	config.LowerBound = lower[0]
	config.UpperBound = upper[0]
	config.Rand = rand.New(rand.NewSource(m.seed))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mayfly panic: %v", r)
		}
	}()

	result, err := mayfly.Optimize(config)
	if err != nil {
		return Result{}, fmt.Errorf("mayfly: %w", err)
	}

	pos := append([]float64(nil), result.GlobalBest.Position...)
	return Result{Position: pos, Cost: result.GlobalBest.Cost, Evaluations: evaluations}, nil
}
