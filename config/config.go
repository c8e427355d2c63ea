// Package config loads a declarative YAML robot profile: host/port, server
// identity, tool descriptors, context source rates, safety constraints, and
// workspace bounds (SPEC_FULL.md §2 AMBIENT STACK). It is grounded on the
// load-from-file-with-defaults shape of
// services/trace/agent/mcts/config.go's LoadMCTSConfig in the broader
// retrieved pack, trimmed to the session layer's needs: no environment
// variable overlay; settings come only from the profile file and from Go
// registration code.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arprotocol/arp-go/model"
)

// ToolConfig is the declarative form of a PhysicalTool descriptor. Handlers
// are never expressed in YAML; a loaded ToolConfig carries no handler and
// must be paired with one registered separately in Go.
type ToolConfig struct {
	Name              string                `yaml:"name"`
	Description       string                `yaml:"description"`
	Parameters        any                   `yaml:"parameters,omitempty"`
	Safety            model.SafetyMetadata  `yaml:"safety"`
	Preconditions     []model.Condition     `yaml:"preconditions,omitempty"`
	Effects           []model.Effect        `yaml:"effects,omitempty"`
	EstimatedDuration *float64              `yaml:"estimatedDuration,omitempty"`
}

// ContextConfig is the declarative form of a ContextSource descriptor.
type ContextConfig struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	DataType        string   `yaml:"dataType"`
	CoordinateFrame *string  `yaml:"coordinateFrame,omitempty"`
	UpdateRate      *float64 `yaml:"updateRate,omitempty"`
}

// ConstraintConfig is the declarative form of a SafetyConstraint.
type ConstraintConfig struct {
	Name            string         `yaml:"name"`
	Type            string         `yaml:"type"`
	Enabled         *bool          `yaml:"enabled,omitempty"`
	Priority        int            `yaml:"priority"`
	Parameters      map[string]any `yaml:"parameters,omitempty"`
	ViolationAction string         `yaml:"violationAction"`
}

// WorkspaceConfig is the declarative form of the server's initial Workspace.
type WorkspaceConfig struct {
	Name    string                  `yaml:"name"`
	Bounds  model.BoundingBox       `yaml:"bounds"`
	Objects []model.WorkspaceObject `yaml:"objects,omitempty"`
}

// RobotProfile is the top-level shape of a robot server's YAML
// configuration file.
type RobotProfile struct {
	Host       string             `yaml:"host"`
	Port       int                `yaml:"port"`
	Name       string             `yaml:"name"`
	Version    string             `yaml:"version"`
	RobotModel string             `yaml:"robotModel,omitempty"`
	RobotType  string             `yaml:"robotType,omitempty"`
	Tools      []ToolConfig       `yaml:"tools,omitempty"`
	Context    []ContextConfig    `yaml:"context,omitempty"`
	Constraints []ConstraintConfig `yaml:"constraints,omitempty"`
	Workspace  *WorkspaceConfig   `yaml:"workspace,omitempty"`
}

// Default returns a RobotProfile with sensible standalone defaults: a bind
// on all interfaces and the original SDK's default port.
func Default() RobotProfile {
	return RobotProfile{
		Host:    "0.0.0.0",
		Port:    8765,
		Name:    "arp-server",
		Version: model.ProtocolVersion,
	}
}

// Load reads and parses a YAML robot profile from path, starting from
// Default() so a partial file only overrides what it sets.
func Load(path string) (RobotProfile, error) {
	profile := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return profile, fmt.Errorf("config: invalid profile: %w", err)
	}
	return profile, nil
}

// Validate rejects structurally unusable profiles: duplicate names within
// any one registry, and unrecognized enum values.
func (p RobotProfile) Validate() error {
	if p.Port <= 0 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", p.Port)
	}

	seenTools := make(map[string]bool, len(p.Tools))
	for _, tool := range p.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool missing name")
		}
		if seenTools[tool.Name] {
			return fmt.Errorf("duplicate tool name %q", tool.Name)
		}
		seenTools[tool.Name] = true
		if tool.Safety.Level != "" && !tool.Safety.Level.Valid() {
			return fmt.Errorf("tool %q: invalid safety level %q", tool.Name, tool.Safety.Level)
		}
	}

	seenContext := make(map[string]bool, len(p.Context))
	for _, ctx := range p.Context {
		if ctx.Name == "" {
			return fmt.Errorf("context source missing name")
		}
		if seenContext[ctx.Name] {
			return fmt.Errorf("duplicate context source name %q", ctx.Name)
		}
		seenContext[ctx.Name] = true
		if !model.ContextDataType(ctx.DataType).Valid() {
			return fmt.Errorf("context source %q: invalid dataType %q", ctx.Name, ctx.DataType)
		}
	}

	seenConstraints := make(map[string]bool, len(p.Constraints))
	for _, c := range p.Constraints {
		if c.Name == "" {
			return fmt.Errorf("constraint missing name")
		}
		if seenConstraints[c.Name] {
			return fmt.Errorf("duplicate constraint name %q", c.Name)
		}
		seenConstraints[c.Name] = true
		if !model.ConstraintType(c.Type).Valid() {
			return fmt.Errorf("constraint %q: invalid type %q", c.Name, c.Type)
		}
		if !model.ViolationAction(c.ViolationAction).Valid() {
			return fmt.Errorf("constraint %q: invalid violationAction %q", c.Name, c.ViolationAction)
		}
	}

	return nil
}

// Constraints converts the profile's declarative constraints into the
// model.SafetyConstraint records the catalog expects, defaulting Enabled to
// true when the YAML document omits it (spec.md §3).
func (p RobotProfile) Constraints() []model.SafetyConstraint {
	out := make([]model.SafetyConstraint, 0, len(p.Constraints))
	for _, c := range p.Constraints {
		enabled := true
		if c.Enabled != nil {
			enabled = *c.Enabled
		}
		out = append(out, model.SafetyConstraint{
			Name:            c.Name,
			Type:            model.ConstraintType(c.Type),
			Enabled:         enabled,
			Priority:        c.Priority,
			Parameters:      c.Parameters,
			ViolationAction: model.ViolationAction(c.ViolationAction),
		})
	}
	return out
}

// Workspace converts the profile's declarative workspace, if any, into a
// model.Workspace record.
func (p RobotProfile) Workspace() (model.Workspace, bool) {
	if p.Workspace == nil {
		return model.Workspace{}, false
	}
	return model.Workspace{
		Name:    p.Workspace.Name,
		Bounds:  p.Workspace.Bounds,
		Objects: p.Workspace.Objects,
	}, true
}
