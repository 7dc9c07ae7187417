package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Verifier decides whether a payload is a legitimate trigger event.
type Verifier interface {
	Verify(ctx context.Context) (bool, error)
}

// Factory builds a fresh verifier for one verification call.
type Factory func(triggers map[string]any, payload Payload, provider Provider) Verifier

// Registry maps provider identifiers to verifier factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[Provider]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[Provider]Factory)}
}

// DefaultRegistry is populated by the providers package at init.
var DefaultRegistry = NewRegistry()

// Register adds a factory. Registering the same provider twice panics.
func (r *Registry) Register(p Provider, f Factory) {
	if f == nil {
		panic(fmt.Sprintf("trigger: nil factory for provider %q", p))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[p]; exists {
		panic(fmt.Sprintf("trigger: provider %q already registered", p))
	}
	r.factories[p] = f
}

// Lookup returns the factory registered for p.
func (r *Registry) Lookup(p Provider) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[p]
	return f, ok
}

// Registered lists the providers with a factory, sorted.
func (r *Registry) Registered() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Register adds a factory to DefaultRegistry.
func Register(p Provider, f Factory) {
	DefaultRegistry.Register(p, f)
}
