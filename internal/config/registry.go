package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/starlight/pkg/upstream"
)

// ErrProviderNotRegistered is returned by [Registry.CreateUpstream] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// UpstreamFactory builds a dialer from the upstream section.
type UpstreamFactory func(UpstreamConfig) (upstream.Dialer, error)

// Registry maps upstream provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	upstream map[string]UpstreamFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{upstream: make(map[string]UpstreamFactory)}
}

// RegisterUpstream registers an upstream factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterUpstream(name string, factory UpstreamFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream[name] = factory
}

// CreateUpstream instantiates the dialer registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateUpstream(entry UpstreamConfig) (upstream.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.upstream[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upstream/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.upstream))
	for name := range r.upstream {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
