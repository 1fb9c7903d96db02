// Package tools holds the function-calling surface the interviewer model can
// reach: built-in survey actions, tools imported from MCP servers, and the
// dispatcher that executes requested calls concurrently.
package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/voximetry/voximetry/pkg/live/frame"
)

// Handler executes one tool call. The returned map becomes the function
// response sent back to the model.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool is a callable function offered to the model.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON schema for the call arguments, in the unmarshaled
	// map form the declaration frame carries. Nil means any arguments.
	Schema map[string]any

	Handler Handler
}

type registered struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry holds the tools available to a session. It is safe for concurrent
// use; registration normally happens before the session starts but MCP
// servers may add tools late.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds a tool. The schema is compiled once here so dispatch-time
// validation is cheap. Duplicate names and uncompilable schemas are rejected.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: register: name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %q: handler is required", t.Name)
	}

	var compiled *jsonschema.Schema
	if t.Schema != nil {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", normalizeSchemaDoc(t.Schema)); err != nil {
			return fmt.Errorf("tools: register %q: add schema: %w", t.Name, err)
		}
		s, err := c.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("tools: register %q: compile schema: %w", t.Name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("tools: register %q: already registered", t.Name)
	}
	r.tools[t.Name] = registered{tool: t, compiled: compiled}
	r.order = append(r.order, t.Name)
	return nil
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names lists the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Declarations returns the function declarations for the session setup frame,
// in registration order.
func (r *Registry) Declarations() []frame.FunctionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]frame.FunctionDeclaration, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name].tool
		out = append(out, frame.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	return out
}

// Merge registers every tool from src. Collisions are an error; the caller
// owns naming. Compiled schemas are shared, not recompiled.
func (r *Registry) Merge(src *Registry) error {
	if src == nil {
		return nil
	}
	src.mu.RLock()
	defer src.mu.RUnlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range src.order {
		if _, ok := r.tools[name]; ok {
			return fmt.Errorf("tools: merge: %q already registered", name)
		}
		r.tools[name] = src.tools[name]
		r.order = append(r.order, name)
	}
	return nil
}

func (r *Registry) lookup(name string) (registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// normalizeSchemaDoc rewrites Go-typed schema literals into the form the
// compiler expects: plain maps, slices, and float64 numbers, as if the
// document had arrived as JSON.
func normalizeSchemaDoc(doc any) any {
	switch v := doc.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeSchemaDoc(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeSchemaDoc(item)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item
		}
		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return v
	}
}
