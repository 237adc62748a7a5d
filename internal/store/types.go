package store

import (
	"time"

	"github.com/cwbudde/mixprectune/internal/anneal"
	"github.com/cwbudde/mixprectune/internal/precision"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusCompleted Status = "completed" // every generation ran
	StatusConverged Status = "converged" // stopped by the stagnation tracker
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Parameters records the settings a run was started with.
// This avoids import cycles with the search package.
type Parameters struct {
	PopulationSize int     `json:"population_size" yaml:"population_size"`
	Generations    int     `json:"generations" yaml:"generations"`
	Workers        int     `json:"workers" yaml:"workers"`
	Seed           int64   `json:"seed" yaml:"seed"`
	MutationRate   float64 `json:"mutation_rate" yaml:"mutation_rate"`
	CrossoverRate  float64 `json:"crossover_rate" yaml:"crossover_rate"`
	TournamentSize int     `json:"tournament_size" yaml:"tournament_size"`
	EliteSize      int     `json:"elite_size" yaml:"elite_size"`

	UseSurrogate        bool    `json:"use_surrogate" yaml:"use_surrogate"`
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	SkipThreshold       float64 `json:"skip_threshold" yaml:"skip_threshold"`
	ForceThreshold      float64 `json:"force_threshold" yaml:"force_threshold"`
	EarlyTermination    bool    `json:"early_termination" yaml:"early_termination"`

	SimulatedAnnealing bool `json:"use_sa" yaml:"use_sa"`
	SASteps            int  `json:"sa_steps" yaml:"sa_steps"`

	ExplorerProposals int      `json:"explorer_proposals,omitempty" yaml:"explorer_proposals,omitempty"`
	GroupFiles        []string `json:"group_files,omitempty" yaml:"group_files,omitempty"`
}

// RunStats counts how the evaluation budget of a run was spent.
type RunStats struct {
	SurrogatePredictions int     `json:"surrogate_predictions" yaml:"surrogate_predictions"`
	ActualEvaluations    int     `json:"actual_evaluations" yaml:"actual_evaluations"`
	CacheHits            int     `json:"cache_hits" yaml:"cache_hits"`
	Skipped              int     `json:"skipped" yaml:"skipped"`
	Failed               int     `json:"failed" yaml:"failed"`
	Backfilled           int     `json:"backfilled" yaml:"backfilled"`
	EarlyTerminations    int     `json:"early_terminations" yaml:"early_terminations"`
	DuplicatesAccepted   int     `json:"duplicates_accepted" yaml:"duplicates_accepted"`
	SurrogateUsageRatio  float64 `json:"surrogate_usage_ratio" yaml:"surrogate_usage_ratio"`
	CacheSize            int     `json:"cache_size" yaml:"cache_size"`
}

// UpdateUsageRatio recomputes SurrogateUsageRatio from the counters.
func (s *RunStats) UpdateUsageRatio() float64 {
	total := s.SurrogatePredictions + s.ActualEvaluations
	if total == 0 {
		s.SurrogateUsageRatio = 0
	} else {
		s.SurrogateUsageRatio = float64(s.SurrogatePredictions) / float64(total)
	}
	return s.SurrogateUsageRatio
}

// History is the optimization_history.json document. Generations without
// any measured individual have a null entry.
type History struct {
	BestFitnessHistory []*float64   `json:"best_fitness_history"`
	FinalBestFitness   *float64     `json:"final_best_fitness"`
	BestGeneration     int          `json:"best_generation"`
	Parameters         Parameters   `json:"parameters"`
	Statistics         RunStats     `json:"statistics"`
	Annealing          anneal.Stats `json:"simulated_annealing_stats"`
}

// Summary is the run_summary.yaml document.
type Summary struct {
	RunID      string    `json:"runId" yaml:"run_id"`
	Status     Status    `json:"status" yaml:"status"`
	StopReason string    `json:"stopReason,omitempty" yaml:"stop_reason,omitempty"`
	StartedAt  time.Time `json:"startedAt" yaml:"started_at"`
	FinishedAt time.Time `json:"finishedAt" yaml:"finished_at"`

	// Generations is the number of generations that ran to completion.
	Generations    int      `json:"generations" yaml:"generations"`
	BestFitness    *float64 `json:"bestFitness" yaml:"best_fitness"`
	BestHash       string   `json:"bestHash,omitempty" yaml:"best_hash,omitempty"`
	BestGeneration int      `json:"bestGeneration" yaml:"best_generation"`

	Parameters Parameters `json:"parameters" yaml:"parameters"`
	Stats      RunStats   `json:"stats" yaml:"stats"`

	SAImprovements int     `json:"saImprovements" yaml:"sa_improvements"`
	SAImproveRate  float64 `json:"saImprovementRate" yaml:"sa_improvement_rate"`
}

// Run bundles every artifact of a run for SaveRun.
type Run struct {
	Summary Summary
	Best    *precision.Config
	History History
}

// RunInfo contains metadata about a run without its history.
type RunInfo struct {
	RunID             string    `json:"runId"`
	Status            Status    `json:"status"`
	StartedAt         time.Time `json:"startedAt"`
	FinishedAt        time.Time `json:"finishedAt"`
	Generations       int       `json:"generations"`
	BestFitness       *float64  `json:"bestFitness"`
	ActualEvaluations int       `json:"actualEvaluations"`
	SizeBytes         int64     `json:"sizeBytes"`
}

// ToInfo converts a Summary to RunInfo.
func (s *Summary) ToInfo() RunInfo {
	return RunInfo{
		RunID:             s.RunID,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		FinishedAt:        s.FinishedAt,
		Generations:       s.Generations,
		BestFitness:       s.BestFitness,
		ActualEvaluations: s.Stats.ActualEvaluations,
	}
}

// Validate checks if the summary has valid data.
func (s *Summary) Validate() error {
	if s.RunID == "" {
		return &ValidationError{Field: "RunID", Reason: "cannot be empty"}
	}
	switch s.Status {
	case StatusCompleted, StatusConverged, StatusCancelled, StatusFailed:
	default:
		return &ValidationError{Field: "Status", Reason: "unknown status " + string(s.Status)}
	}
	if s.StartedAt.IsZero() {
		return &ValidationError{Field: "StartedAt", Reason: "cannot be zero"}
	}
	if !s.FinishedAt.IsZero() && s.FinishedAt.Before(s.StartedAt) {
		return &ValidationError{Field: "FinishedAt", Reason: "cannot precede StartedAt"}
	}
	if s.Generations < 0 {
		return &ValidationError{Field: "Generations", Reason: "cannot be negative"}
	}
	if s.Parameters.PopulationSize <= 0 {
		return &ValidationError{Field: "Parameters.PopulationSize", Reason: "must be positive"}
	}
	return nil
}

// ValidationError represents a run summary validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
