// Package opt wraps continuous black-box optimizers and uses them to explore
// the configuration space on cheap surrogate predictions.
package opt

// Objective maps a position to a cost to minimize.
type Objective func(pos []float64) float64

// Result is the best position an optimizer found.
type Result struct {
	Position    []float64
	Cost        float64
	Evaluations int
}

// Optimizer defines an optimization algorithm interface
type Optimizer interface {
	// Run minimizes eval over the box [lower, upper] of dimension dim.
	Run(eval Objective, lower, upper []float64, dim int) (Result, error)
}
