package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dawei-ai/dawei/internal/llm"
)

// Registry holds the tools available to one agent. An allow-list from
// workspace settings, when present, filters what the model sees.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	allowed map[string]bool // nil = everything allowed
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// SetAllowed installs the allow-list. An empty slice clears it.
func (r *Registry) SetAllowed(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(names) == 0 {
		r.allowed = nil
		return
	}
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

// Get resolves an allowed tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.allowed != nil && !r.allowed[name] {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Specs returns the allowed tools as function specs, sorted by name.
func (r *Registry) Specs() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if r.allowed != nil && !r.allowed[name] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		specs = append(specs, llm.Tool{
			Type: "function",
			Function: llm.ToolSpec{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return specs
}
