package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/kalambet/inferhost/internal/ollama"
)

// ToolFunc executes a tool with the model-supplied JSON arguments.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

type registeredTool struct {
	def ollama.Tool
	fn  ToolFunc
}

// Registry holds the tools the model may call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool. params is a JSON-schema object.
func (r *Registry) Register(name, description string, params any, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{
		def: ollama.Tool{
			Type: "function",
			Function: ollama.ToolFunction{
				Name:        name,
				Description: description,
				Parameters:  params,
			},
		},
		fn: fn,
	}
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns tool definitions for the given names, or for every
// tool when names is empty. Unknown names are ignored.
func (r *Registry) Definitions(names ...string) []ollama.Tool {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var defs []ollama.Tool
	for _, n := range names {
		if t, ok := r.tools[n]; ok {
			defs = append(defs, t.def)
		}
	}
	return defs
}

// Run invokes the named tool.
func (r *Registry) Run(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t.fn(ctx, normalizeArgs(args))
}

// normalizeArgs unwraps arguments sent as a JSON-encoded string.
func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage("{}")
	}
	if args[0] == '"' {
		var s string
		if json.Unmarshal(args, &s) == nil {
			if s == "" {
				return json.RawMessage("{}")
			}
			return json.RawMessage(s)
		}
	}
	return args
}
