package surrogate

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mixprectune/internal/precision"
)

func makeConfig(vars ...string) precision.Config {
	cfg := precision.Config{}
	for i := 0; i+1 < len(vars); i += 2 {
		cfg.LocalVar = append(cfg.LocalVar, precision.Variable{
			Function: vars[i],
			Name:     string(rune('a' + i/2)),
			Type:     precision.MustParseTag(vars[i+1]),
		})
	}
	return cfg
}

func fixed(fitness, conf float64) Predictor {
	return PredictorFunc(func(context.Context, map[string]float64) (Prediction, error) {
		return Prediction{Fitness: fitness, Confidence: conf}, nil
	})
}

func ptr(v float64) *float64 { return &v }

func TestFeatures(t *testing.T) {
	cfg := makeConfig("dgemm", "double", "dgemm", "float*", "dtrsm", "half*", "dtrsm", "half")
	f := Features(cfg)

	assert.InDelta(t, 0.25, f[FeatureDoubleRatio], 1e-12)
	assert.InDelta(t, 0.25, f[FeatureFloatRatio], 1e-12)
	assert.InDelta(t, 0.5, f[FeatureHalfRatio], 1e-12)
	assert.InDelta(t, 0.5, f[FeaturePointerRatio], 1e-12)
	assert.Equal(t, 4.0, f[FeatureTotalVariables])
	assert.InDelta(t, 0.5, f[FeatureFunctionDiversity], 1e-12)
	assert.InDelta(t, 0.5, f["fn_dgemm_ratio"], 1e-12)
	assert.InDelta(t, 0.5, f["fn_dtrsm_ratio"], 1e-12)

	empty := Features(precision.Config{})
	assert.Equal(t, 0.0, empty[FeatureTotalVariables])
}

func TestFeaturesFunctionNamedLikeTier(t *testing.T) {
	cfg := makeConfig("half", "double", "pointer", "double", "k", "float*", "k", "float")
	f := Features(cfg)

	assert.InDelta(t, 0.5, f[FeatureDoubleRatio], 1e-12)
	assert.InDelta(t, 0.0, f[FeatureHalfRatio], 1e-12)
	assert.InDelta(t, 0.25, f[FeaturePointerRatio], 1e-12)
	assert.InDelta(t, 0.25, f[FunctionFeature("half")], 1e-12)
	assert.InDelta(t, 0.25, f[FunctionFeature("pointer")], 1e-12)
	assert.Len(t, f, 6+3)
}

func TestDecide(t *testing.T) {
	cfg := makeConfig("k", "float")
	ctx := context.Background()
	th := DefaultThresholds()

	tests := []struct {
		name      string
		predictor Predictor
		gen       int
		best      *float64
		want      Strategy
	}{
		{"first generation", fixed(-100, 1), 0, ptr(-50), StrategyActual},
		{"no predictor", nil, 3, ptr(-50), StrategyActual},
		{"non-finite prediction", fixed(math.NaN(), 1), 3, ptr(-50), StrategyActual},
		{"unreasonable magnitude", fixed(-250, 1), 3, ptr(-50), StrategyActual},
		{"no best, confident", fixed(-40, 0.9), 3, nil, StrategySurrogate},
		{"no best, unsure", fixed(-40, 0.5), 3, nil, StrategyActual},
		{"zero best", fixed(-40, 0.9), 3, ptr(0), StrategyActual},
		{"far below best", fixed(-30, 0.9), 3, ptr(-50), StrategySkip},
		{"far below best even if unsure", fixed(-30, 0.1), 3, ptr(-50), StrategySkip},
		{"close call measured", fixed(-49, 0.9), 3, ptr(-50), StrategyActual},
		{"better than best, confident", fixed(-60, 0.9), 3, ptr(-50), StrategyActual},
		{"moderate gap, confident", fixed(-45, 0.9), 3, ptr(-50), StrategySurrogate},
		{"moderate gap, unsure", fixed(-45, 0.5), 3, ptr(-50), StrategyActual},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.predictor, th)
			d := g.Decide(ctx, tt.gen, cfg, tt.best)
			assert.Equal(t, tt.want, d.Strategy, d.Reason)
		})
	}
}

func TestDecidePredictorError(t *testing.T) {
	failing := PredictorFunc(func(context.Context, map[string]float64) (Prediction, error) {
		return Prediction{}, errors.New("model crashed")
	})
	g := NewGate(failing, DefaultThresholds())
	assert.Equal(t, StrategyActual, g.Decide(context.Background(), 2, makeConfig("k", "half"), ptr(-10)).Strategy)
}

func TestShouldTerminate(t *testing.T) {
	with := NewGate(fixed(0, 1), DefaultThresholds())
	without := NewGate(nil, DefaultThresholds())

	assert.True(t, with.ShouldTerminate(-45, ptr(-50)))
	assert.False(t, with.ShouldTerminate(-30, ptr(-50)))
	assert.False(t, with.ShouldTerminate(math.Inf(1), ptr(-50)))
	assert.False(t, with.ShouldTerminate(-45, ptr(0)))
	assert.False(t, with.ShouldTerminate(-45, nil))
	assert.False(t, without.ShouldTerminate(-50, ptr(-50)), "never without a surrogate")
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	bad := DefaultThresholds()
	bad.Confidence = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultThresholds()
	bad.Force = 0.5
	assert.Error(t, bad.Validate())
}

func TestConfidenceBounds(t *testing.T) {
	assert.InDelta(t, 1.0, confidence(0, 1), 1e-9)
	assert.InDelta(t, 0.5, confidence(1, 1), 1e-6)
	c := confidence(5, 0)
	assert.GreaterOrEqual(t, c, 0.0)
	assert.LessOrEqual(t, c, 1.0)
}

func TestFitEnsembleRecoversLinearTrend(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var samples []Sample
	for i := 0; i < 40; i++ {
		half := rng.Float64()
		samples = append(samples, Sample{
			Features: map[string]float64{"half_ratio": half, "noise": rng.Float64()},
			Fitness:  -50 - 30*half,
		})
	}

	model, err := FitEnsemble(samples, DefaultFitOptions(), rng)
	require.NoError(t, err)
	assert.Len(t, model.Members, 10)
	assert.Equal(t, []string{"half_ratio", "noise"}, model.FeatureNames)
	assert.Less(t, model.RMSE, 0.5)

	p, err := model.Predict(context.Background(), map[string]float64{"half_ratio": 0.5, "noise": 0.3})
	require.NoError(t, err)
	assert.InDelta(t, -65, p.Fitness, 1.0)
	assert.GreaterOrEqual(t, p.Confidence, 0.0)
	assert.LessOrEqual(t, p.Confidence, 1.0)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, model.Save(path))
	loaded, err := LoadEnsemble(path)
	require.NoError(t, err)
	assert.Equal(t, model.FeatureNames, loaded.FeatureNames)

	again, err := loaded.Predict(context.Background(), map[string]float64{"half_ratio": 0.5, "noise": 0.3})
	require.NoError(t, err)
	assert.InDelta(t, p.Fitness, again.Fitness, 1e-9)
}

func TestFitEnsembleNeedsSamples(t *testing.T) {
	_, err := FitEnsemble([]Sample{{Fitness: -1}}, DefaultFitOptions(), rand.New(rand.NewSource(1)))
	assert.ErrorIs(t, err, ErrTooFewSamples)
}
