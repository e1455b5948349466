package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

var (
	// ErrUnknownTool is returned when an allow-list names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Registry holds every known tool by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tools to the registry.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, ok := r.tools[t.Name()]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name())
		}
		r.tools[t.Name()] = t
	}
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered names, sorted.
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

// Set builds the capability-scoped set for an allow-list. It fails if any
// name is not registered.
func (r *Registry) Set(names ...string) (*Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Set{byName: make(map[string]Tool, len(names))}
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, n)
		}
		if _, dup := s.byName[n]; dup {
			continue
		}
		s.order = append(s.order, t)
		s.byName[n] = t
	}
	return s, nil
}

// Set is an ordered, immutable group of tools available to one role.
type Set struct {
	order  []Tool
	byName map[string]Tool
}

// Lookup returns the named tool if it belongs to the set.
func (s *Set) Lookup(name string) (Tool, bool) {
	t, ok := s.byName[name]
	return t, ok
}

// Names returns the tool names in allow-list order.
func (s *Set) Names() []string {
	names := make([]string, len(s.order))
	for i, t := range s.order {
		names[i] = t.Name()
	}
	return names
}

// Len returns the number of tools.
func (s *Set) Len() int { return len(s.order) }

// Definitions renders the set as function tools for the model.
func (s *Set) Definitions() []llms.Tool {
	defs := make([]llms.Tool, len(s.order))
	for i, t := range s.order {
		defs[i] = llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		}
	}
	return defs
}

// Map returns a new Set with every tool replaced by wrap(tool).
func (s *Set) Map(wrap func(Tool) Tool) *Set {
	out := &Set{order: make([]Tool, len(s.order)), byName: make(map[string]Tool, len(s.order))}
	for i, t := range s.order {
		w := wrap(t)
		out.order[i] = w
		out.byName[w.Name()] = w
	}
	return out
}
