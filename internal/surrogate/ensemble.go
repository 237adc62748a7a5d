package surrogate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// LinearMember is one bagged linear regressor of an ensemble.
type LinearMember struct {
	Intercept float64   `json:"intercept"`
	Weights   []float64 `json:"weights"`
}

func (m LinearMember) predict(x []float64) float64 {
	y := m.Intercept
	for i, w := range m.Weights {
		if i < len(x) {
			y += w * x[i]
		}
	}
	return y
}

// EnsembleModel predicts with the mean of its members. The spread of member
// predictions relative to the training RMSE gives the confidence.
type EnsembleModel struct {
	FeatureNames []string       `json:"feature_names"`
	Members      []LinearMember `json:"members"`
	RMSE         float64        `json:"rmse"`
	Samples      int            `json:"samples"`
	TrainedAt    time.Time      `json:"trained_at"`
}

var _ Predictor = (*EnsembleModel)(nil)

// Predict returns the member mean and a confidence of
// 1/(1+std/(rmse+1e-8)), clipped to [0,1].
func (m *EnsembleModel) Predict(_ context.Context, features map[string]float64) (Prediction, error) {
	if len(m.Members) == 0 {
		return Prediction{}, errors.New("ensemble has no members")
	}
	x := Vector(features, m.FeatureNames)

	preds := make([]float64, len(m.Members))
	for i, member := range m.Members {
		preds[i] = member.predict(x)
	}

	mean := stat.Mean(preds, nil)
	std := 0.0
	if len(preds) > 1 {
		std = stat.StdDev(preds, nil)
	}
	return Prediction{Fitness: mean, Confidence: confidence(std, m.RMSE)}, nil
}

func confidence(std, rmse float64) float64 {
	c := 1 / (1 + std/(rmse+1e-8))
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

// LoadEnsemble reads a model document.
func LoadEnsemble(path string) (*EnsembleModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read surrogate model: %w", err)
	}
	var m EnsembleModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode surrogate model %s: %w", path, err)
	}
	if len(m.Members) == 0 {
		return nil, fmt.Errorf("surrogate model %s has no members", path)
	}
	for i, member := range m.Members {
		if len(member.Weights) != len(m.FeatureNames) {
			return nil, fmt.Errorf("surrogate model %s: member %d has %d weights for %d features", path, i, len(member.Weights), len(m.FeatureNames))
		}
	}
	return &m, nil
}

// Save writes the model document atomically.
func (m *EnsembleModel) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize surrogate model: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp model: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename model: %w", err)
	}
	return nil
}

// Sample is one measured configuration used to fit an ensemble.
type Sample struct {
	Features map[string]float64
	Fitness  float64
}

// FitOptions control ensemble fitting.
type FitOptions struct {
	Members int     // bootstrap replicates
	Ridge   float64 // L2 penalty on weights
}

// DefaultFitOptions returns the standard fitting settings.
func DefaultFitOptions() FitOptions {
	return FitOptions{Members: 10, Ridge: 1e-3}
}

// ErrTooFewSamples is returned when there is not enough data to fit.
var ErrTooFewSamples = errors.New("too few samples to fit a surrogate")

// FitEnsemble fits ridge-regularized linear members on bootstrap resamples
// of samples. The RMSE is measured on the full sample set with the ensemble
// mean.
func FitEnsemble(samples []Sample, opts FitOptions, rng *rand.Rand) (*EnsembleModel, error) {
	if len(samples) < 2 {
		return nil, ErrTooFewSamples
	}
	if opts.Members < 1 {
		opts.Members = 1
	}

	nameSet := make(map[string]float64)
	for _, s := range samples {
		for name := range s.Features {
			nameSet[name] = 0
		}
	}
	names := FeatureNames(nameSet)

	rows := make([][]float64, len(samples))
	ys := make([]float64, len(samples))
	for i, s := range samples {
		rows[i] = Vector(s.Features, names)
		ys[i] = s.Fitness
	}

	model := &EnsembleModel{
		FeatureNames: names,
		Samples:      len(samples),
		TrainedAt:    time.Now().UTC(),
	}
	for k := 0; k < opts.Members; k++ {
		idx := make([]int, len(samples))
		for i := range idx {
			if opts.Members == 1 {
				idx[i] = i
			} else {
				idx[i] = rng.Intn(len(samples))
			}
		}
		member, err := fitRidge(rows, ys, idx, len(names), opts.Ridge)
		if err != nil {
			return nil, fmt.Errorf("failed to fit member %d: %w", k, err)
		}
		model.Members = append(model.Members, member)
	}

	residuals := make([]float64, len(samples))
	for i, x := range rows {
		sum := 0.0
		for _, m := range model.Members {
			sum += m.predict(x)
		}
		residuals[i] = sum/float64(len(model.Members)) - ys[i]
	}
	model.RMSE = math.Sqrt(stat.Mean(squares(residuals), nil))
	return model, nil
}

// fitRidge solves (XᵀX + λI)β = Xᵀy on the selected rows with an unpenalized
// intercept column.
func fitRidge(rows [][]float64, ys []float64, idx []int, nFeatures int, ridge float64) (LinearMember, error) {
	cols := nFeatures + 1
	x := mat.NewDense(len(idx), cols, nil)
	y := mat.NewVecDense(len(idx), nil)
	for r, i := range idx {
		x.Set(r, 0, 1)
		for c, v := range rows[i] {
			x.Set(r, c+1, v)
		}
		y.SetVec(r, ys[i])
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for c := 1; c < cols; c++ {
		xtx.Set(c, c, xtx.At(c, c)+ridge)
	}
	// A tiny jitter keeps the intercept row solvable for constant data.
	xtx.Set(0, 0, xtx.At(0, 0)+1e-12)

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtx, &xty); err != nil {
		// An ill-conditioned system still yields a usable solution.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return LinearMember{}, err
		}
	}

	member := LinearMember{Intercept: beta.AtVec(0), Weights: make([]float64, nFeatures)}
	for c := 0; c < nFeatures; c++ {
		member.Weights[c] = beta.AtVec(c + 1)
	}
	return member, nil
}

func squares(v []float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * x
	}
	return out
}
