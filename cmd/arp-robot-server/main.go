// Command arp-robot-server runs an ARP server for a simulated 6-DOF arm: the
// move_to/pick_up/place/go_home tools, odometry/joint_states/gripper_state
// context sources, and a workspace boundary plus velocity limit constraint.
// It is grounded on original_source/examples/simple_robot_server.py in the
// ARP reference SDK, carried over tool-for-tool with registration expressed
// as Go method calls instead of Python decorators, and optionally loads its
// full configuration from a YAML robot profile instead of the hard-coded
// constants the Python example uses.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/arprotocol/arp-go/config"
	"github.com/arprotocol/arp-go/model"
	"github.com/arprotocol/arp-go/server"
	"github.com/arprotocol/arp-go/telemetry"
)

// armState is the simulated robot's mutable state, protected by mu since
// tool handlers and context providers run concurrently across peers.
type armState struct {
	mu          sync.Mutex
	position    [3]float64
	gripper     string
	holding     string
	jointAngles [6]float64
}

func (a *armState) snapshotPosition() [3]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

func main() {
	var profilePath string
	var addr string

	root := &cobra.Command{
		Use:   "arp-robot-server",
		Short: "Run an ARP server exposing a simulated robot arm",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), profilePath, addr)
		},
	}
	root.Flags().StringVar(&profilePath, "profile", "", "path to a YAML robot profile (optional; built-in defaults are used otherwise)")
	root.Flags().StringVar(&addr, "addr", "", "bind address, overriding the profile's host:port")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, profilePath, addrFlag string) error {
	profile := config.Default()
	profile.Name = "sim-robot-arm"
	profile.RobotModel = "Simulated 6-DOF Arm"
	profile.RobotType = "manipulator"
	profile.Port = 8765

	if profilePath != "" {
		loaded, err := config.Load(profilePath)
		if err != nil {
			return fmt.Errorf("arp-robot-server: %w", err)
		}
		profile = loaded
	}

	addr := fmt.Sprintf("%s:%d", profile.Host, profile.Port)
	if addrFlag != "" {
		addr = addrFlag
	}

	logger := telemetry.NewClueLogger()
	srv := server.New(server.Options{
		Name:       profile.Name,
		Version:    profile.Version,
		RobotModel: profile.RobotModel,
		RobotType:  profile.RobotType,
		Logger:     logger,
	})

	state := &armState{position: [3]float64{0, 0, 0.5}, gripper: "open"}
	registerTools(srv, state, profile)
	registerContext(srv, state, profile)
	registerConstraints(srv, profile)
	if ws, ok := profile.Workspace(); ok {
		srv.SetWorkspace(ws)
	}

	fmt.Printf("Starting ARP server for %s...\n", profile.RobotModel)
	fmt.Printf("Connect with: ws://%s\n", addr)
	fmt.Println("Press Ctrl+C to stop.")
	return srv.ListenAndServe(addr)
}

func registerTools(srv *server.Server, state *armState, profile config.RobotProfile) {
	srv.Tool(overrideTool(profile, model.PhysicalTool{
		Name:        "move_to",
		Description: "Move the robot arm end-effector to a target [x, y, z] position in world frame",
		Safety:      model.SafetyMetadata{Level: model.SafetyLevelNormal, Description: "Moves within workspace", Reversible: true},
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"target": map[string]any{"type": "array", "items": map[string]any{"type": "number"}, "minItems": 3, "maxItems": 3},
			},
			"required": []string{"target"},
		},
		EstimatedDuration: durationPtr(2.0),
	}), func(ctx context.Context, args model.Args) (any, error) {
		target, err := coordsFromArgs(args)
		if err != nil {
			return nil, err
		}
		return moveTo(ctx, state, target)
	})

	srv.Tool(overrideTool(profile, model.PhysicalTool{
		Name:              "pick_up",
		Description:       "Close the gripper to pick up an object at the current position",
		Safety:            model.SafetyMetadata{Level: model.SafetyLevelElevated, Description: "Actuates gripper", Reversible: true},
		EstimatedDuration: durationPtr(1.0),
	}), func(ctx context.Context, args model.Args) (any, error) {
		objectID, _ := args["object_id"].(string)
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		state.mu.Lock()
		state.gripper = "closed"
		state.holding = objectID
		state.mu.Unlock()
		return map[string]any{"picked": objectID, "gripper": "closed"}, nil
	})

	srv.Tool(overrideTool(profile, model.PhysicalTool{
		Name:              "place",
		Description:       "Open the gripper to place the held object at the current position",
		Safety:            model.SafetyMetadata{Level: model.SafetyLevelNormal, Description: "Releases gripper", Reversible: true},
		EstimatedDuration: durationPtr(0.5),
	}), func(ctx context.Context, args model.Args) (any, error) {
		surface, _ := args["surface"].(string)
		if surface == "" {
			surface = "table"
		}
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		state.mu.Lock()
		held := state.holding
		state.gripper = "open"
		state.holding = ""
		state.mu.Unlock()
		return map[string]any{"placed": held, "on": surface, "gripper": "open"}, nil
	})

	srv.Tool(overrideTool(profile, model.PhysicalTool{
		Name:              "go_home",
		Description:       "Return the arm to its home position [0, 0, 0.5]",
		Safety:            model.SafetyMetadata{Level: model.SafetyLevelNormal, Reversible: true},
		EstimatedDuration: durationPtr(2.0),
	}), func(ctx context.Context, args model.Args) (any, error) {
		return moveTo(ctx, state, [3]float64{0, 0, 0.5})
	})
}

// overrideTool replaces descriptor's metadata with the profile's ToolConfig
// of the same name, if the loaded profile declares one: the YAML document
// carries no handler (config.ToolConfig's doc comment), but an operator can
// still retune a built-in tool's description, parameters, safety level, or
// preconditions/effects without touching Go code.
func overrideTool(profile config.RobotProfile, descriptor model.PhysicalTool) model.PhysicalTool {
	for _, tc := range profile.Tools {
		if tc.Name != descriptor.Name {
			continue
		}
		if tc.Description != "" {
			descriptor.Description = tc.Description
		}
		if tc.Parameters != nil {
			descriptor.Parameters = tc.Parameters
		}
		if tc.Safety.Level != "" {
			descriptor.Safety = tc.Safety
		}
		if tc.Preconditions != nil {
			descriptor.Preconditions = tc.Preconditions
		}
		if tc.Effects != nil {
			descriptor.Effects = tc.Effects
		}
		if tc.EstimatedDuration != nil {
			descriptor.EstimatedDuration = tc.EstimatedDuration
		}
		break
	}
	return descriptor
}

func moveTo(ctx context.Context, state *armState, target [3]float64) (any, error) {
	const steps = 10
	state.mu.Lock()
	start := state.position
	state.mu.Unlock()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		t := float64(i) / float64(steps)
		var pos [3]float64
		for j := 0; j < 3; j++ {
			pos[j] = start[j] + t*(target[j]-start[j])
		}
		state.mu.Lock()
		state.position = pos
		state.mu.Unlock()
	}
	return map[string]any{"reached": state.snapshotPosition()}, nil
}

func coordsFromArgs(args model.Args) ([3]float64, error) {
	raw, ok := args["target"].([]any)
	if !ok || len(raw) < 3 {
		return [3]float64{}, fmt.Errorf("move_to: target must be a 3-element array")
	}
	var out [3]float64
	for i := 0; i < 3; i++ {
		n, ok := raw[i].(float64)
		if !ok {
			return [3]float64{}, fmt.Errorf("move_to: target[%d] is not a number", i)
		}
		out[i] = n
	}
	return out, nil
}

func registerContext(srv *server.Server, state *armState, profile config.RobotProfile) {
	odometryRate := 10.0
	worldFrame := "world"
	srv.Context(overrideContext(profile, model.ContextSource{
		Name:            "odometry",
		Description:     "Current end-effector pose in world frame",
		DataType:        model.ContextDataTypePose,
		CoordinateFrame: &worldFrame,
		UpdateRate:      &odometryRate,
	}), func(ctx context.Context) (any, error) {
		pos := state.snapshotPosition()
		return model.Pose{Position: model.Position3D{X: pos[0], Y: pos[1], Z: pos[2]}, Frame: &worldFrame}, nil
	})

	jointsRate := 10.0
	srv.Context(overrideContext(profile, model.ContextSource{
		Name:        "joint_states",
		Description: "Current joint angles in radians",
		DataType:    model.ContextDataTypeJoints,
		UpdateRate:  &jointsRate,
	}), func(ctx context.Context) (any, error) {
		state.mu.Lock()
		angles := state.jointAngles
		state.mu.Unlock()
		noisy := make([]float64, len(angles))
		for i, a := range angles {
			noisy[i] = a + rand.NormFloat64()*0.001
		}
		return map[string]any{
			"angles": noisy,
			"names":  []string{"joint_1", "joint_2", "joint_3", "joint_4", "joint_5", "joint_6"},
		}, nil
	})

	gripperRate := 5.0
	srv.Context(overrideContext(profile, model.ContextSource{
		Name:        "gripper_state",
		Description: "Current gripper state",
		DataType:    model.ContextDataTypeCustom,
		UpdateRate:  &gripperRate,
	}), func(ctx context.Context) (any, error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		return map[string]any{"state": state.gripper, "holding": state.holding}, nil
	})
}

// overrideContext applies a matching profile ContextConfig's Description,
// CoordinateFrame, and UpdateRate to descriptor, the same override-by-name
// convention overrideTool uses.
func overrideContext(profile config.RobotProfile, descriptor model.ContextSource) model.ContextSource {
	for _, cc := range profile.Context {
		if cc.Name != descriptor.Name {
			continue
		}
		if cc.Description != "" {
			descriptor.Description = cc.Description
		}
		if cc.CoordinateFrame != nil {
			descriptor.CoordinateFrame = cc.CoordinateFrame
		}
		if cc.UpdateRate != nil {
			descriptor.UpdateRate = cc.UpdateRate
		}
		break
	}
	return descriptor
}

// registerConstraints registers the profile's declarative constraints when
// it declares any, or the simulator's built-in workspace/velocity limits
// otherwise: an operator-supplied YAML profile fully replaces the demo's
// hard-coded safety envelope rather than being silently ignored next to it.
func registerConstraints(srv *server.Server, profile config.RobotProfile) {
	if len(profile.Constraints) > 0 {
		for _, c := range profile.Constraints() {
			srv.AddConstraint(c)
		}
		return
	}

	srv.AddConstraint(model.SafetyConstraint{
		Name:            "workspace_boundary",
		Type:            model.ConstraintTypeWorkspaceBound,
		Enabled:         true,
		Priority:        100,
		ViolationAction: model.ViolationActionReject,
		Parameters: map[string]any{
			"type":  "box",
			"min":   []any{-1.0, -1.0, 0.0},
			"max":   []any{1.0, 1.0, 1.5},
			"frame": "world",
		},
	})

	srv.AddConstraint(model.SafetyConstraint{
		Name:            "velocity_limit",
		Type:            model.ConstraintTypeVelocityLimit,
		Enabled:         true,
		Priority:        90,
		ViolationAction: model.ViolationActionClamp,
		Parameters: map[string]any{
			"max_linear":  0.5,
			"max_angular": 1.0,
		},
	})
}

func durationPtr(v float64) *float64 { return &v }
