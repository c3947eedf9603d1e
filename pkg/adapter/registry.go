package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/beeper/bridgekit/pkg/model"
)

// Factory builds an adapter instance for one bridge config.
type Factory func(cfg *model.BridgeConfig, log zerolog.Logger) (Adapter, error)

// Registry maps adapter module names to factories. Bridge configs refer to
// entries by name in their Adapter field.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given module name. Registering the
// same name twice replaces the earlier factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the adapter named by cfg.Adapter.
func (r *Registry) Create(cfg *model.BridgeConfig, log zerolog.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Adapter]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter module %q: %w", cfg.Adapter, model.ErrNotFound)
	}
	return factory(cfg, log)
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
