package providers

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps provider names to configured providers. It is populated at
// startup and frozen before serving; after Freeze it is read-only and lookups
// take no lock.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
	frozen    atomic.Bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider under its Name. Duplicate names and registration
// after Freeze are errors.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen.Load() {
		return fmt.Errorf("registry is frozen, cannot register %q", p.Name())
	}
	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen.Store(true)
}

// Lookup returns the provider registered under name. Unknown names, including
// the empty string, return an *UnknownProviderError.
func (r *Registry) Lookup(name string) (Provider, error) {
	if r.frozen.Load() {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
		return nil, &UnknownProviderError{Name: name}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	return nil, &UnknownProviderError{Name: name}
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	if !r.frozen.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *Registry) Len() int {
	return len(r.Names())
}
