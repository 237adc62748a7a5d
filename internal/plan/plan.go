// Package plan stages a precision change so that no variable ever moves more
// than one tier in a single transform pass.
package plan

import (
	"errors"

	"github.com/cwbudde/mixprectune/internal/precision"
)

// ErrVariableMismatch is returned when current and target do not track the
// same variables.
var ErrVariableMismatch = errors.New("current and target track different variables")

// Steps returns the ordered configurations to apply to move from current to
// target. The last step is always equal to target.
//
// Step 1 moves every double-tier variable one tier toward its target and
// every variable being raised one tier toward its target. Step 2 applies the
// remaining changes. A step identical to its predecessor is omitted, and
// when nothing differs the plan is just [target].
func Steps(current, target precision.Config) ([]precision.Config, error) {
	if !precision.SameVariables(current, target) {
		return nil, ErrVariableMismatch
	}

	targetIdx := target.Index()
	type change struct {
		pos  int
		from precision.Tag
		to   precision.Tag
	}
	var changes []change
	for i, v := range current.LocalVar {
		to := target.LocalVar[targetIdx[v.Key()]].Type
		if v.Type != to {
			changes = append(changes, change{pos: i, from: v.Type, to: to})
		}
	}
	if len(changes) == 0 {
		return []precision.Config{target.Clone()}, nil
	}

	var steps []precision.Config

	step1 := current.Clone()
	for _, c := range changes {
		step1.LocalVar[c.pos].Type = firstStage(c.from, c.to)
	}
	if !precision.Equal(step1, current) {
		steps = append(steps, step1)
	}

	step2 := step1.Clone()
	for _, c := range changes {
		step2.LocalVar[c.pos].Type = c.to
	}
	if !precision.Equal(step2, step1) {
		steps = append(steps, step2)
	}

	if len(steps) == 0 {
		return []precision.Config{target.Clone()}, nil
	}
	return steps, nil
}

// firstStage is the tag a variable takes in step 1.
func firstStage(from, to precision.Tag) precision.Tag {
	if from.Pointer != to.Pointer {
		// A change of form cannot be staged along the tier axis.
		return to
	}
	switch {
	case to.Tier > from.Tier:
		// Lowering starts only from double; float to half waits for step 2.
		if from.Tier == precision.Double {
			return from.WithTier(from.Tier + 1)
		}
		return from
	case to.Tier < from.Tier:
		return from.WithTier(from.Tier - 1)
	default:
		return from
	}
}

// MaxTierJump returns the largest tier distance any variable travels between
// two consecutive configurations of the plan, starting from current.
func MaxTierJump(current precision.Config, steps []precision.Config) int {
	maxJump := 0
	prev := current
	for _, step := range steps {
		idx := step.Index()
		for _, v := range prev.LocalVar {
			pos, ok := idx[v.Key()]
			if !ok {
				continue
			}
			d := int(step.LocalVar[pos].Type.Tier) - int(v.Type.Tier)
			if d < 0 {
				d = -d
			}
			if d > maxJump {
				maxJump = d
			}
		}
		prev = step
	}
	return maxJump
}
