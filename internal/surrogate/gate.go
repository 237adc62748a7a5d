package surrogate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// Prediction is a surrogate estimate with its confidence in [0,1].
type Prediction struct {
	Fitness    float64 `json:"fitness"`
	Confidence float64 `json:"confidence"`
}

// Predictor estimates the fitness of a configuration from its features.
type Predictor interface {
	Predict(ctx context.Context, features map[string]float64) (Prediction, error)
}

// PredictorFunc adapts a function to Predictor.
type PredictorFunc func(ctx context.Context, features map[string]float64) (Prediction, error)

func (f PredictorFunc) Predict(ctx context.Context, features map[string]float64) (Prediction, error) {
	return f(ctx, features)
}

// MaxReasonableFitness bounds the magnitude of a usable prediction.
const MaxReasonableFitness = 200.0

// ErrUnreasonable marks a prediction that is non-finite or out of bounds.
var ErrUnreasonable = errors.New("unreasonable prediction")

// Strategy is the evaluation chosen for one individual.
type Strategy string

const (
	StrategyActual    Strategy = "actual"
	StrategySurrogate Strategy = "surrogate"
	StrategySkip      Strategy = "skip"
)

// Thresholds tune the gate.
type Thresholds struct {
	// Confidence is the minimum confidence to trust a prediction.
	Confidence float64 `json:"confidence" yaml:"confidence" mapstructure:"confidence"`
	// Skip is the relative gap above which an individual is not evaluated.
	Skip float64 `json:"skip" yaml:"skip" mapstructure:"skip"`
	// Force is the relative gap below which a confident prediction is
	// still measured exactly.
	Force float64 `json:"force" yaml:"force" mapstructure:"force"`
	// EarlyTermination is the relative gap that ends a generation early.
	EarlyTermination float64 `json:"early_termination" yaml:"early_termination" mapstructure:"early_termination"`
}

// DefaultThresholds returns the standard gate settings.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Confidence:       0.81,
		Skip:             0.2,
		Force:            0.05,
		EarlyTermination: 0.2,
	}
}

// Validate checks the thresholds are usable.
func (t Thresholds) Validate() error {
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("confidence threshold must be in [0,1], got %g", t.Confidence)
	}
	if t.Skip < 0 || t.Force < 0 || t.EarlyTermination < 0 {
		return fmt.Errorf("gap thresholds must be non-negative")
	}
	if t.Force > t.Skip {
		return fmt.Errorf("force threshold (%g) must not exceed skip threshold (%g)", t.Force, t.Skip)
	}
	return nil
}

// Decision is the gate's verdict for one individual.
type Decision struct {
	Strategy   Strategy
	Prediction *Prediction
	Reason     string
}

// Gate decides how each individual is evaluated. A nil predictor makes
// every decision exact.
type Gate struct {
	predictor  Predictor
	thresholds Thresholds
}

// NewGate creates a gate. predictor may be nil.
func NewGate(predictor Predictor, thresholds Thresholds) *Gate {
	return &Gate{predictor: predictor, thresholds: thresholds}
}

// Available reports whether a predictor is configured.
func (g *Gate) Available() bool {
	return g != nil && g.predictor != nil
}

// Thresholds returns the gate settings.
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Predict queries the predictor for cfg and rejects unusable values.
func (g *Gate) Predict(ctx context.Context, cfg precision.Config) (Prediction, error) {
	if !g.Available() {
		return Prediction{}, errors.New("no predictor configured")
	}
	p, err := g.predictor.Predict(ctx, Features(cfg))
	if err != nil {
		return Prediction{}, err
	}
	if math.IsNaN(p.Fitness) || math.IsInf(p.Fitness, 0) || math.Abs(p.Fitness) > MaxReasonableFitness {
		return Prediction{}, fmt.Errorf("%w: %g", ErrUnreasonable, p.Fitness)
	}
	return p, nil
}

// Decide picks the evaluation strategy for cfg in generation gen. best is
// the global best fitness as of the start of the generation, nil when
// nothing has been measured.
func (g *Gate) Decide(ctx context.Context, gen int, cfg precision.Config, best *float64) Decision {
	if gen == 0 {
		return Decision{Strategy: StrategyActual, Reason: "first generation"}
	}
	if !g.Available() {
		return Decision{Strategy: StrategyActual, Reason: "no surrogate"}
	}

	p, err := g.Predict(ctx, cfg)
	if err != nil {
		slog.Debug("Surrogate prediction unusable, forcing actual evaluation", "error", err)
		return Decision{Strategy: StrategyActual, Reason: "prediction unusable"}
	}
	confident := p.Confidence >= g.thresholds.Confidence

	if best == nil {
		if confident {
			return Decision{Strategy: StrategySurrogate, Prediction: &p, Reason: "confident, no best yet"}
		}
		return Decision{Strategy: StrategyActual, Prediction: &p, Reason: "low confidence"}
	}

	bestAbs := math.Abs(*best)
	if bestAbs == 0 {
		return Decision{Strategy: StrategyActual, Prediction: &p, Reason: "best is zero"}
	}

	gap := (bestAbs - math.Abs(p.Fitness)) / bestAbs
	switch {
	case gap > g.thresholds.Skip:
		return Decision{Strategy: StrategySkip, Prediction: &p, Reason: fmt.Sprintf("predicted gap %.3f", gap)}
	case gap <= g.thresholds.Force && confident:
		return Decision{Strategy: StrategyActual, Prediction: &p, Reason: "close to best"}
	case confident:
		return Decision{Strategy: StrategySurrogate, Prediction: &p, Reason: "confident"}
	default:
		return Decision{Strategy: StrategyActual, Prediction: &p, Reason: "low confidence"}
	}
}

// ShouldTerminate reports whether current is close enough to best to end
// the generation early. It never fires without a predictor.
func (g *Gate) ShouldTerminate(current float64, best *float64) bool {
	if !g.Available() || best == nil {
		return false
	}
	if math.IsInf(current, 0) || math.IsNaN(current) || math.IsInf(*best, 0) || math.IsNaN(*best) {
		return false
	}
	if *best == 0 {
		return false
	}
	return math.Abs(current-*best)/math.Abs(*best) <= g.thresholds.EarlyTermination
}
