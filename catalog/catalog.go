// Package catalog provides the server's three insertion-ordered,
// name-keyed registries: tools, context sources, and safety constraints
// (spec.md §4.3). It is grounded on the name-keyed, mutex-protected
// catalogue shape of runtime/registry.Manager in the teacher repository,
// trimmed to the session layer's simpler needs: no federation, no caching,
// no background sync — registration is expected to happen before serving, and
// the catalogue exists purely to serve O(1) name lookups plus insertion-
// ordered listing.
package catalog

import (
	"context"
	"sync"

	"github.com/arprotocol/arp-go/model"
)

// ToolHandler is the arbitrary, fallible asynchronous action a PhysicalTool
// invokes. The context carries the call's lifetime for handlers that choose
// to observe cancellation (see SPEC_FULL.md §9); the core cancels it on
// arp.cancelTool and emergency stop but never interrupts the handler itself.
type ToolHandler func(ctx context.Context, args model.Args) (any, error)

// ContextProvider is the arbitrary asynchronous value producer a
// ContextSource samples on each subscription tick.
type ContextProvider func(ctx context.Context) (any, error)

type toolEntry struct {
	descriptor model.PhysicalTool
	handler    ToolHandler
}

type contextEntry struct {
	descriptor model.ContextSource
	provider   ContextProvider
}

// Catalog holds the server's tool, context source, and constraint
// registries. The zero value is not usable; use New.
type Catalog struct {
	mu sync.RWMutex

	toolOrder []string
	tools     map[string]toolEntry

	contextOrder []string
	contexts     map[string]contextEntry

	constraintOrder []string
	constraints     map[string]model.SafetyConstraint
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		tools:       make(map[string]toolEntry),
		contexts:    make(map[string]contextEntry),
		constraints: make(map[string]model.SafetyConstraint),
	}
}

// RegisterTool adds a tool descriptor and its handler, keyed by
// descriptor.Name. Registering a name that already exists replaces the
// entry in place without disturbing its position in listing order.
func (c *Catalog) RegisterTool(descriptor model.PhysicalTool, handler ToolHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[descriptor.Name]; !exists {
		c.toolOrder = append(c.toolOrder, descriptor.Name)
	}
	c.tools[descriptor.Name] = toolEntry{descriptor: descriptor, handler: handler}
}

// Tool looks up a tool's descriptor and handler by name.
func (c *Catalog) Tool(name string) (model.PhysicalTool, ToolHandler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tools[name]
	if !ok {
		return model.PhysicalTool{}, nil, false
	}
	return entry.descriptor, entry.handler, true
}

// Tools returns every registered tool descriptor in registration order.
func (c *Catalog) Tools() []model.PhysicalTool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.PhysicalTool, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		out = append(out, c.tools[name].descriptor)
	}
	return out
}

// RegisterContext adds a context source descriptor and its provider, keyed
// by descriptor.Name.
func (c *Catalog) RegisterContext(descriptor model.ContextSource, provider ContextProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.contexts[descriptor.Name]; !exists {
		c.contextOrder = append(c.contextOrder, descriptor.Name)
	}
	c.contexts[descriptor.Name] = contextEntry{descriptor: descriptor, provider: provider}
}

// Context looks up a context source's descriptor and provider by name.
func (c *Catalog) Context(name string) (model.ContextSource, ContextProvider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.contexts[name]
	if !ok {
		return model.ContextSource{}, nil, false
	}
	return entry.descriptor, entry.provider, true
}

// ContextSources returns every registered context source descriptor in
// registration order.
func (c *Catalog) ContextSources() []model.ContextSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.ContextSource, 0, len(c.contextOrder))
	for _, name := range c.contextOrder {
		out = append(out, c.contexts[name].descriptor)
	}
	return out
}

// AddConstraint adds a safety constraint, keyed by its Name.
func (c *Catalog) AddConstraint(constraint model.SafetyConstraint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.constraints[constraint.Name]; !exists {
		c.constraintOrder = append(c.constraintOrder, constraint.Name)
	}
	c.constraints[constraint.Name] = constraint
}

// Constraint looks up a safety constraint by name.
func (c *Catalog) Constraint(name string) (model.SafetyConstraint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.constraints[name]
	return v, ok
}

// Constraints returns every registered constraint in registration order.
// Enabled constraints are evaluated in this same order by package safety.
func (c *Catalog) Constraints() []model.SafetyConstraint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.SafetyConstraint, 0, len(c.constraintOrder))
	for _, name := range c.constraintOrder {
		out = append(out, c.constraints[name])
	}
	return out
}
