// Package safety implements the constraint evaluator: a pure, synchronous
// function from (tool name, arguments, enabled constraints) to an optional
// violation string (spec.md §4.4). It is deliberately argument-name based
// rather than tool-specific, mirroring the original SDK's
// arp_sdk/server.py:_evaluate_constraints and the teacher's own preference
// for small, pure predicate functions ahead of the invocation boundary
// (runtime/toolregistry/executor precondition checks).
package safety

import (
	"fmt"
	"math"

	"github.com/arprotocol/arp-go/model"
)

// Evaluate examines each enabled constraint in registration order and
// applies the rule for its type, returning the first violation found. Only
// workspace_bound and velocity_limit constraints have effect; the rest are
// inert (spec.md §4.4). toolName is accepted for parity with the original
// SDK's signature and for future per-tool dispatch but is not consulted by
// either rule today.
func Evaluate(toolName string, arguments model.Args, constraints []model.SafetyConstraint) (violation string, ok bool) {
	for _, c := range constraints {
		if !c.Enabled {
			continue
		}
		switch c.Type {
		case model.ConstraintTypeWorkspaceBound:
			if v, hit := evaluateWorkspaceBound(c, arguments); hit {
				return v, true
			}
		case model.ConstraintTypeVelocityLimit:
			if v, hit := evaluateVelocityLimit(c, arguments); hit {
				return v, true
			}
		default:
			// force_limit, collision_zone, emergency_stop, rate_limit: listed
			// but not evaluated.
		}
	}
	return "", false
}

func evaluateWorkspaceBound(c model.SafetyConstraint, arguments model.Args) (string, bool) {
	target, ok := coordsOf(arguments["target"])
	if !ok {
		return "", false
	}

	min := boundOf(c.Parameters, "min", math.Inf(-1))
	max := boundOf(c.Parameters, "max", math.Inf(1))

	for i := 0; i < 3; i++ {
		if target[i] < min[i] || target[i] > max[i] {
			return fmt.Sprintf("Position %v exceeds workspace boundary %s", target, c.Name), true
		}
	}
	return "", false
}

func evaluateVelocityLimit(c model.SafetyConstraint, arguments model.Args) (string, bool) {
	value, ok := numberOf(arguments["velocity"])
	if !ok {
		value, ok = numberOf(arguments["speed"])
	}
	if !ok {
		return "", false
	}

	maxLinear := math.Inf(1)
	if c.Parameters != nil {
		if v, ok := numberOf(c.Parameters["max_linear"]); ok {
			maxLinear = v
		}
	}

	if value > maxLinear {
		return fmt.Sprintf("Velocity %v exceeds limit %v", value, maxLinear), true
	}
	return "", false
}

// coordsOf extracts the first three numeric elements of a sequence-shaped
// value (as decoded from JSON, []any of float64/int), the shape
// arp.callTool's "target" argument takes on the wire.
func coordsOf(v any) ([3]float64, bool) {
	seq, ok := v.([]any)
	if !ok || len(seq) < 3 {
		return [3]float64{}, false
	}
	var out [3]float64
	for i := 0; i < 3; i++ {
		n, ok := numberOf(seq[i])
		if !ok {
			return [3]float64{}, false
		}
		out[i] = n
	}
	return out, true
}

// boundOf reads a 3-element "min"/"max" parameter, defaulting every missing
// or malformed coordinate to fallback.
func boundOf(parameters map[string]any, key string, fallback float64) [3]float64 {
	out := [3]float64{fallback, fallback, fallback}
	if parameters == nil {
		return out
	}
	seq, ok := parameters[key].([]any)
	if !ok {
		return out
	}
	for i := 0; i < 3 && i < len(seq); i++ {
		if n, ok := numberOf(seq[i]); ok {
			out[i] = n
		}
	}
	return out
}

// numberOf coerces a decoded-JSON value (float64, int, or int64) to
// float64. Any other type, including a numeric string, is not a number.
func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
