// Package evaluate measures configurations: the Evaluator contract, the
// external toolchain pipeline, benchmark output parsing and the cached
// evaluator every search path goes through.
package evaluate

import (
	"context"
	"fmt"
	"time"

	"github.com/cwbudde/mixprectune/internal/fitness"
	"github.com/cwbudde/mixprectune/internal/precision"
)

// Stage names a step of the evaluation pipeline.
type Stage string

const (
	StagePlan      Stage = "plan"
	StageTransform Stage = "transform"
	StageOptimize  Stage = "optimize"
	StageCompile   Stage = "compile"
	StageLink      Stage = "link"
	StageRun       Stage = "run"
	StageParse     Stage = "parse"
	StageCache     Stage = "cache"
)

// Failure describes why an evaluation produced no measurement. Transient
// failures (timeouts, cancellation) may succeed when retried.
type Failure struct {
	Stage     Stage  `json:"stage"`
	Reason    string `json:"reason"`
	Transient bool   `json:"transient,omitempty"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Stage, f.Reason)
}

// Result is the outcome of one evaluation. Fitness is fitness.Failure
// whenever Failure is set.
type Result struct {
	Fitness  float64       `json:"fitness"`
	Metrics  *Metrics      `json:"metrics,omitempty"`
	Failure  *Failure      `json:"failure,omitempty"`
	Cached   bool          `json:"cached,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed builds the result of a failed evaluation.
func Failed(stage Stage, reason string, transient bool) Result {
	return Result{
		Fitness: fitness.Failure,
		Failure: &Failure{Stage: stage, Reason: reason, Transient: transient},
	}
}

// Evaluator measures one configuration. runID names the evaluation and its
// working directory; it must be unique within a run.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg precision.Config, runID string) Result
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, cfg precision.Config, runID string) Result

func (f EvaluatorFunc) Evaluate(ctx context.Context, cfg precision.Config, runID string) Result {
	return f(ctx, cfg, runID)
}
