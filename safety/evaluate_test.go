package safety_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/safety"
)

func constraint(name string, ctype model.ConstraintType, enabled bool, params map[string]any) model.SafetyConstraint {
	return model.SafetyConstraint{
		Name:            name,
		Type:            ctype,
		Enabled:         enabled,
		ViolationAction: model.ViolationActionReject,
		Parameters:      params,
	}
}

func TestEvaluate_WorkspaceBound_InBounds(t *testing.T) {
	c := constraint("bound1", model.ConstraintTypeWorkspaceBound, true, map[string]any{
		"min": []any{0.0, 0.0, 0.0},
		"max": []any{1.0, 1.0, 1.0},
	})
	args := model.Args{"target": []any{0.5, 0.5, 0.5}}

	_, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
	assert.False(t, violated)
}

func TestEvaluate_WorkspaceBound_OutOfBounds(t *testing.T) {
	c := constraint("bound1", model.ConstraintTypeWorkspaceBound, true, map[string]any{
		"min": []any{0.0, 0.0, 0.0},
		"max": []any{1.0, 1.0, 1.0},
	})
	args := model.Args{"target": []any{2.0, 0.5, 0.5}}

	detail, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
	require.True(t, violated)
	assert.Contains(t, detail, "bound1")
}

func TestEvaluate_WorkspaceBound_MissingMinMaxDefaultsToInfinite(t *testing.T) {
	c := constraint("bound1", model.ConstraintTypeWorkspaceBound, true, nil)
	args := model.Args{"target": []any{1e9, -1e9, 1e9}}

	_, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
	assert.False(t, violated)
}

func TestEvaluate_VelocityLimit_Exceeded(t *testing.T) {
	c := constraint("v1", model.ConstraintTypeVelocityLimit, true, map[string]any{"max_linear": 2.0})
	args := model.Args{"velocity": 3.5}

	detail, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
	require.True(t, violated)
	assert.Contains(t, detail, "v1")
}

func TestEvaluate_VelocityLimit_SpeedAlias(t *testing.T) {
	c := constraint("v1", model.ConstraintTypeVelocityLimit, true, map[string]any{"max_linear": 2.0})
	args := model.Args{"speed": 3.5}

	_, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
	assert.True(t, violated)
}

func TestEvaluate_DisabledConstraintIsSkipped(t *testing.T) {
	c := constraint("bound1", model.ConstraintTypeWorkspaceBound, false, map[string]any{
		"min": []any{0.0, 0.0, 0.0},
		"max": []any{1.0, 1.0, 1.0},
	})
	args := model.Args{"target": []any{2.0, 0.5, 0.5}}

	_, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
	assert.False(t, violated)
}

func TestEvaluate_InertConstraintTypesNeverViolate(t *testing.T) {
	inert := []model.ConstraintType{
		model.ConstraintTypeForceLimit, model.ConstraintTypeCollisionZone,
		model.ConstraintTypeEmergencyStop, model.ConstraintTypeRateLimit,
	}
	for _, ct := range inert {
		c := constraint("inert", ct, true, map[string]any{"anything": 0.0})
		_, violated := safety.Evaluate("move_to", model.Args{"target": []any{99.0, 99.0, 99.0}}, []model.SafetyConstraint{c})
		assert.False(t, violated, "constraint type %s must be inert", ct)
	}
}

func TestEvaluate_FirstViolationInRegistrationOrderWins(t *testing.T) {
	first := constraint("first", model.ConstraintTypeVelocityLimit, true, map[string]any{"max_linear": 1.0})
	second := constraint("second", model.ConstraintTypeVelocityLimit, true, map[string]any{"max_linear": 0.5})
	args := model.Args{"velocity": 5.0}

	detail, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{first, second})
	require.True(t, violated)
	assert.Contains(t, detail, "first")
}

// TestEvaluateProperty_InBoundsNeverViolates checks spec.md §8's invariant
// that a target within [min, max] on every axis never triggers a
// workspace_bound violation, for arbitrarily generated bounds and targets.
func TestEvaluateProperty_InBoundsNeverViolates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("target within [min,max] on every axis never violates", prop.ForAll(
		func(minX, spanX, fracX float64) bool {
			maxX := minX + spanX
			target := minX + fracX*spanX

			c := constraint("bound", model.ConstraintTypeWorkspaceBound, true, map[string]any{
				"min": []any{minX, minX, minX},
				"max": []any{maxX, maxX, maxX},
			})
			args := model.Args{"target": []any{target, target, target}}

			_, violated := safety.Evaluate("move_to", args, []model.SafetyConstraint{c})
			return !violated
		},
		gen.Float64Range(-1000, 1000),
		gen.Float64Range(0, 1000),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
