// Package surrogate provides the cheap approximate fitness predictor and the
// policy deciding, per individual, whether to skip it, trust the prediction
// or pay for an exact evaluation.
package surrogate

import (
	"sort"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// Feature names shared with trained models.
const (
	FeatureDoubleRatio       = "double_ratio"
	FeatureFloatRatio        = "float_ratio"
	FeatureHalfRatio         = "half_ratio"
	FeaturePointerRatio      = "pointer_ratio"
	FeatureTotalVariables    = "total_variables"
	FeatureFunctionDiversity = "function_diversity"
)

// FunctionFeature returns the name of the per-function share feature. The
// prefix keeps functions such as "half" apart from the fixed features.
func FunctionFeature(function string) string {
	return "fn_" + function + "_ratio"
}

// Features extracts the model inputs of cfg: the share of variables per
// tier, the share held in pointer form, the variable count, the number of
// distinct functions relative to the variable count, and the share of
// variables per function.
func Features(cfg precision.Config) map[string]float64 {
	total := len(cfg.LocalVar)
	denom := float64(total)
	if denom == 0 {
		denom = 1
	}

	var pointers int
	tiers := make(map[precision.Tier]int, len(precision.Tiers))
	functions := make(map[string]int)
	for _, v := range cfg.LocalVar {
		tiers[v.Type.Tier]++
		if v.Type.Pointer {
			pointers++
		}
		functions[v.Function]++
	}

	f := map[string]float64{
		FeatureDoubleRatio:       float64(tiers[precision.Double]) / denom,
		FeatureFloatRatio:        float64(tiers[precision.Float]) / denom,
		FeatureHalfRatio:         float64(tiers[precision.Half]) / denom,
		FeaturePointerRatio:      float64(pointers) / denom,
		FeatureTotalVariables:    float64(total),
		FeatureFunctionDiversity: float64(len(functions)) / denom,
	}
	for fn, n := range functions {
		f[FunctionFeature(fn)] = float64(n) / denom
	}
	return f
}

// FeatureNames returns the sorted keys of a feature map.
func FeatureNames(features map[string]float64) []string {
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Vector lays features out in the given order; missing names are zero.
func Vector(features map[string]float64, names []string) []float64 {
	out := make([]float64, len(names))
	for i, name := range names {
		out[i] = features[name]
	}
	return out
}
