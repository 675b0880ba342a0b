package provider

import (
	"fmt"
	"sync"
)

// Registry maps provider kinds to their implementations. The kind set is
// open: integrations register themselves at startup and the engine never
// branches on the kind directly.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces the implementation for p.Kind().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Kind()] = p
}

// Get returns the implementation for kind.
func (r *Registry) Get(kind string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", kind)
	}
	return p, nil
}

// Kinds returns the registered provider kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	return kinds
}
