package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/fablevoice/pkg/provider/voice"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to voice provider constructors. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func(ProviderConfig) (voice.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]func(ProviderConfig) (voice.Provider, error))}
}

// Register registers a provider factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) Register(name string, factory func(ProviderConfig) (voice.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the provider selected by cfg.Name.
func (r *Registry) Create(cfg ProviderConfig) (voice.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrProviderNotRegistered, cfg.Name, r.Names())
	}
	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", cfg.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
