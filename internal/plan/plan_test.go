package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/mixprectune/internal/precision"
)

func cfg(tags ...string) precision.Config {
	names := []string{"x", "y", "z", "w"}
	c := precision.Config{}
	for i, tag := range tags {
		c.LocalVar = append(c.LocalVar, precision.Variable{
			Function: "kernel",
			Name:     names[i],
			Type:     precision.MustParseTag(tag),
		})
	}
	return c
}

func tags(c precision.Config) []string {
	out := make([]string, len(c.LocalVar))
	for i, v := range c.LocalVar {
		out[i] = v.Type.String()
	}
	return out
}

func TestStepsIdentity(t *testing.T) {
	c := cfg("double", "float*", "half")
	steps, err := Steps(c, c)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.True(t, precision.Equal(c, steps[0]))
}

func TestStepsStageDoubleToHalf(t *testing.T) {
	current := cfg("double", "double*")
	target := cfg("half", "half*")

	steps, err := Steps(current, target)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, []string{"float", "float*"}, tags(steps[0]))
	assert.Equal(t, []string{"half", "half*"}, tags(steps[1]))
	assert.Equal(t, 1, MaxTierJump(current, steps))
}

func TestStepsSingleTierChangesTakeOneStep(t *testing.T) {
	tests := []struct {
		name    string
		current precision.Config
		target  precision.Config
		want    [][]string
	}{
		{
			name:    "double to float",
			current: cfg("double", "double"),
			target:  cfg("float", "double"),
			want:    [][]string{{"float", "double"}},
		},
		{
			name:    "float to half",
			current: cfg("float*", "double"),
			target:  cfg("half*", "double"),
			want:    [][]string{{"half*", "double"}},
		},
		{
			name:    "mixed",
			current: cfg("double", "float", "double"),
			target:  cfg("half", "half", "float"),
			want:    [][]string{{"float", "float", "float"}, {"half", "half", "float"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := Steps(tt.current, tt.target)
			require.NoError(t, err)
			got := make([][]string, len(steps))
			for i, s := range steps {
				got[i] = tags(s)
			}
			assert.Equal(t, tt.want, got)
			assert.True(t, precision.Equal(tt.target, steps[len(steps)-1]))
		})
	}
}

func TestStepsStageRaises(t *testing.T) {
	current := cfg("half", "half*", "float")
	target := cfg("double", "float*", "double")

	steps, err := Steps(current, target)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	assert.Equal(t, []string{"float", "float*", "double"}, tags(steps[0]))
	assert.True(t, precision.Equal(target, steps[1]))
	assert.Equal(t, 1, MaxTierJump(current, steps))
}

func TestStepsFollowTargetOrder(t *testing.T) {
	current := cfg("double", "double")
	target := precision.Config{LocalVar: []precision.Variable{
		{Function: "kernel", Name: "y", Type: precision.MustParseTag("half")},
		{Function: "kernel", Name: "x", Type: precision.MustParseTag("double")},
	}}

	steps, err := Steps(current, target)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, []string{"double", "float"}, tags(steps[0]))
	assert.True(t, precision.Equal(target, steps[1]))
}

func TestStepsRejectsDifferentVariables(t *testing.T) {
	_, err := Steps(cfg("double"), cfg("double", "float"))
	assert.ErrorIs(t, err, ErrVariableMismatch)
}
