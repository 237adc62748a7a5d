// Package fitness holds the sign convention shared by every search component.
//
// Fitness values are minimized: the evaluator returns the negated score, so a
// better configuration has a more negative fitness. Two sentinels exist:
//   - Failure (+Inf): any toolchain stage failed; worst possible value.
//   - Skip (0.0): the surrogate judged the configuration not worth measuring.
//
// Neither sentinel may ever be mistaken for an improvement over a measured
// score, so comparisons go through Comparator instead of plain ordering.
package fitness

import "math"

// Failure is the sentinel assigned to configurations whose evaluation failed.
var Failure = math.Inf(1)

// Skip is the placeholder assigned to configurations the surrogate skipped.
const Skip = 0.0

// Direction selects whether lower or higher fitness values are better.
type Direction int

const (
	Minimize Direction = iota
	Maximize
)

// IsFailure reports whether v is the failure sentinel (or otherwise unusable).
func IsFailure(v float64) bool {
	return math.IsInf(v, 0) || math.IsNaN(v)
}

// IsMeasured reports whether v is a real score, i.e. neither sentinel.
func IsMeasured(v float64) bool {
	return !IsFailure(v) && v != Skip
}

// Comparator orders fitness values under an explicit optimization direction.
type Comparator struct {
	Direction Direction
}

// Default is the comparator used throughout the search (minimization).
var Default = Comparator{Direction: Minimize}

// Better reports whether candidate is strictly better than incumbent.
// A failed candidate is never better; any usable candidate beats a failed
// incumbent.
func (c Comparator) Better(candidate, incumbent float64) bool {
	if IsFailure(candidate) {
		return false
	}
	if IsFailure(incumbent) {
		return true
	}
	if c.Direction == Maximize {
		return candidate > incumbent
	}
	return candidate < incumbent
}

// Improves reports whether candidate should replace the tracked best.
// Unlike Better, it also refuses the skip placeholder, and best may be nil
// when nothing has been measured yet.
func (c Comparator) Improves(candidate float64, best *float64) bool {
	if !IsMeasured(candidate) {
		return false
	}
	if best == nil {
		return true
	}
	return c.Better(candidate, *best)
}

// Less orders values from best to worst, with failures last. It is suitable
// for sort.SliceStable.
func (c Comparator) Less(a, b float64) bool {
	return c.Better(a, b)
}

// BestIndex returns the index of the best value in values, or -1 when no
// value is usable. Ties keep the earliest index.
func (c Comparator) BestIndex(values []float64) int {
	best := -1
	for i, v := range values {
		if IsFailure(v) {
			continue
		}
		if best == -1 || c.Better(v, values[best]) {
			best = i
		}
	}
	return best
}

// BestMeasuredIndex is like BestIndex but ignores skip placeholders as well.
func (c Comparator) BestMeasuredIndex(values []float64) int {
	best := -1
	for i, v := range values {
		if !IsMeasured(v) {
			continue
		}
		if best == -1 || c.Better(v, values[best]) {
			best = i
		}
	}
	return best
}

// Score converts an internal fitness back into the user-facing score.
func Score(v float64) float64 {
	if IsFailure(v) {
		return math.NaN()
	}
	return -v
}
