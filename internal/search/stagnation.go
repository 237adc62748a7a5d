package search

import (
	"log/slog"
	"math"

	"github.com/cwbudde/mixprectune/internal/fitness"
)

// StagnationConfig defines when a search stops for lack of progress.
type StagnationConfig struct {
	// Enabled controls whether stagnation detection is active
	Enabled bool

	// Patience is the number of generations with no significant improvement
	// of the global best before stopping
	Patience int

	// Threshold is the minimum relative improvement required to count as progress
	// Example: 0.001 = 0.1% improvement required
	// Relative improvement = |lastSignificant - best| / |lastSignificant|
	Threshold float64
}

// DefaultStagnationConfig returns the default settings. Detection is off
// unless requested.
func DefaultStagnationConfig() StagnationConfig {
	return StagnationConfig{
		Enabled:   false,
		Patience:  3,
		Threshold: 0.001,
	}
}

// StagnationTracker follows the global best across generations and detects
// when the search has stopped making progress.
type StagnationTracker struct {
	config          StagnationConfig
	compare         fitness.Comparator
	history         []*float64
	lastSignificant *float64
	staleCount      int
}

// NewStagnationTracker creates a tracker with the given config.
func NewStagnationTracker(config StagnationConfig, compare fitness.Comparator) *StagnationTracker {
	return &StagnationTracker{config: config, compare: compare}
}

// Update records the global best after a generation (nil when nothing has
// been measured yet) and returns true if stagnation is detected.
func (s *StagnationTracker) Update(best *float64) bool {
	if !s.config.Enabled {
		return false
	}
	s.history = append(s.history, copyPtr(best))

	switch {
	case best == nil:
		s.staleCount++
	case s.lastSignificant == nil:
		s.lastSignificant = copyPtr(best)
		s.staleCount = 0
		return false
	default:
		last := *s.lastSignificant
		relative := math.Inf(1)
		if last != 0 {
			relative = math.Abs(*best-last) / math.Abs(last)
		}
		if s.compare.Better(*best, last) && relative >= s.config.Threshold {
			s.lastSignificant = copyPtr(best)
			s.staleCount = 0
			slog.Debug("Best fitness improvement detected",
				"best", *best,
				"relative_improvement", relative)
			return false
		}
		s.staleCount++
		slog.Debug("No significant best fitness improvement",
			"best", *best,
			"last_significant", last,
			"stale_count", s.staleCount,
			"patience", s.config.Patience)
	}

	if s.staleCount >= s.config.Patience {
		slog.Info("Stagnation detected - stopping early",
			"stale_count", s.staleCount,
			"patience", s.config.Patience)
		return true
	}
	return false
}

// StaleCount returns the current number of generations without improvement.
func (s *StagnationTracker) StaleCount() int {
	return s.staleCount
}

// History returns the recorded global best per generation.
func (s *StagnationTracker) History() []*float64 {
	out := make([]*float64, len(s.history))
	for i, v := range s.history {
		out[i] = copyPtr(v)
	}
	return out
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
