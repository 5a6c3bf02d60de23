package backend

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/skiffhq/skiff/pkg/types"
)

// Factory builds a Compute adapter from a project's backend configuration.
// Credentials arrive decrypted.
type Factory func(config types.BackendConfig, credentials map[string]string) (Compute, error)

// Registry maps backend kinds to adapter factories
type Registry struct {
	mu        sync.RWMutex
	factories map[types.BackendKind]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[types.BackendKind]Factory)}
}

// Register binds a factory to a kind, replacing any previous binding
func (r *Registry) Register(kind types.BackendKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build instantiates the adapter for a configured backend
func (r *Registry) Build(config types.BackendConfig, credentials map[string]string) (Compute, error) {
	r.mu.RLock()
	f, ok := r.factories[config.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedKind, "kind %q", config.Kind)
	}
	return f(config, credentials)
}

// Kinds returns the registered backend kinds
func (r *Registry) Kinds() []types.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]types.BackendKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}
