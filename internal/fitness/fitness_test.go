package fitness

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComparatorBetter(t *testing.T) {
	c := Default

	assert.True(t, c.Better(-50, -10))
	assert.False(t, c.Better(-10, -50))
	assert.False(t, c.Better(Failure, -10))
	assert.True(t, c.Better(-10, Failure))
	assert.False(t, c.Better(math.NaN(), -10))
	assert.False(t, c.Better(-10, -10))
}

func TestComparatorMaximize(t *testing.T) {
	c := Comparator{Direction: Maximize}

	assert.True(t, c.Better(50, 10))
	assert.False(t, c.Better(Failure, 10))
	assert.True(t, c.Better(10, Failure))
}

func TestImprovesRejectsSentinels(t *testing.T) {
	c := Default
	best := -42.0

	assert.False(t, c.Improves(Skip, &best), "skip placeholder must not replace a real score")
	assert.False(t, c.Improves(Failure, &best), "failure must not replace a real score")
	assert.False(t, c.Improves(Skip, nil), "skip placeholder must not become the first best")
	assert.False(t, c.Improves(Failure, nil))
	assert.True(t, c.Improves(-1, nil))
	assert.True(t, c.Improves(-43, &best))
	assert.False(t, c.Improves(-41, &best))
}

func TestBestIndex(t *testing.T) {
	c := Default

	tests := []struct {
		name     string
		values   []float64
		best     int
		measured int
	}{
		{"empty", nil, -1, -1},
		{"all failures", []float64{Failure, Failure}, -1, -1},
		{"skip only", []float64{Skip, Failure}, 0, -1},
		{"mixed", []float64{Skip, -20, Failure, -30, -30}, 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.best, c.BestIndex(tt.values))
			assert.Equal(t, tt.measured, c.BestMeasuredIndex(tt.values))
		})
	}
}

func TestScore(t *testing.T) {
	assert.Equal(t, 42.5, Score(-42.5))
	assert.True(t, math.IsNaN(Score(Failure)))
}
