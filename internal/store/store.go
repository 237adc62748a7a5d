// Package store persists the artifacts of search runs: the best
// configuration, the fitness history, the per-generation trace and a YAML
// run summary.
package store

// Store defines the interface for run artifact persistence.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if the run doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRun atomically writes every artifact of a finished (or stopped)
	// run. The best configuration and history are also mirrored at the
	// store root, overwriting the previous run's copies.
	SaveRun(run *Run) error

	// LoadSummary retrieves the summary of a run.
	// Returns ErrNotFound if no summary exists for this runID.
	LoadSummary(runID string) (*Summary, error)

	// LoadHistory retrieves the fitness history of a run.
	LoadHistory(runID string) (*History, error)

	// ListRuns returns metadata for all runs with a readable summary.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes the run directory and all artifacts in it:
	//   - run_summary.yaml
	//   - best_config.json
	//   - optimization_history.json
	//   - trace.jsonl
	DeleteRun(runID string) error
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
