package voice

import (
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/voice"
)

// Registry is the fixed set of tools advertised to the realtime session.
// Lookups are by exact name.
type Registry struct {
	order []string
	funcs map[string]voice.ToolFunction
}

// NewRegistry rejects unnamed and duplicate tools.
func NewRegistry(fns ...voice.ToolFunction) (*Registry, error) {
	r := &Registry{funcs: make(map[string]voice.ToolFunction, len(fns))}
	for _, fn := range fns {
		if fn.Name == "" {
			return nil, errors.New("tool name is required")
		}
		if _, dup := r.funcs[fn.Name]; dup {
			return nil, errors.Errorf("duplicate tool %q", fn.Name)
		}
		r.funcs[fn.Name] = fn
		r.order = append(r.order, fn.Name)
	}
	return r, nil
}

// Lookup finds a tool by name.
func (r *Registry) Lookup(name string) (voice.ToolFunction, bool) {
	if r == nil {
		return voice.ToolFunction{}, false
	}
	fn, ok := r.funcs[name]
	return fn, ok
}

// Definitions lists the tools in registration order.
func (r *Registry) Definitions() []voice.ToolDefinition {
	if r == nil {
		return []voice.ToolDefinition{}
	}
	defs := make([]voice.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.funcs[name].Definition())
	}
	return defs
}
