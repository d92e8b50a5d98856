package oauth

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProvider is returned when a flow names a provider that was never
// registered.
var ErrUnknownProvider = errors.New("oauth: unknown provider")

// Registry holds the configured providers. Registration normally happens at
// startup, but the registry stays safe for concurrent use so providers can
// be added while logins are in flight.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name. Registering a duplicate name is a
// configuration error.
func (r *Registry) Register(p Provider) error {
	if p == nil || p.Name() == "" {
		return errors.New("oauth: provider must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("oauth: provider %s already registered", p.Name())
	}
	r.providers[p.Name()] = p
	return nil
}

// Get looks up a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
