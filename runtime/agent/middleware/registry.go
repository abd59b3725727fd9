package middleware

import (
	"sync"

	"goa.design/loom"
)

type (
	// Constructor builds a middleware from snapshot options.
	Constructor func(opts map[string]any) (Middleware, error)

	// Registry maps middleware names to constructors. Snapshot import uses
	// it to rebuild pipelines; deployments register their custom middleware
	// here before importing.
	Registry struct {
		mu    sync.RWMutex
		ctors map[string]Constructor
	}
)

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry with the built-ins that construct from
// options alone. Middleware needing live dependencies (the filesystem server,
// the summariser's model) is rebuilt by the snapshot importer, which holds
// those dependencies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(NameTodos, func(map[string]any) (Middleware, error) {
		return NewTodos(), nil
	})
	_ = r.Register(NamePatchDanglingToolCalls, func(map[string]any) (Middleware, error) {
		return NewPatchDanglingToolCalls(), nil
	})
	_ = r.Register(NameHITL, func(opts map[string]any) (Middleware, error) {
		return NewHITLFromOpts(opts)
	})
	return r
}

// Register adds a constructor. Duplicate names fail.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" {
		return loom.ValidationError("middleware name is required")
	}
	if ctor == nil {
		return loom.ValidationError("middleware %q requires a constructor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[name]; ok {
		return loom.ValidationError("middleware %q is already registered", name)
	}
	r.ctors[name] = ctor
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// New constructs the named middleware.
func (r *Registry) New(name string, opts map[string]any) (Middleware, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, loom.NotFoundError("middleware %q is not registered", name)
	}
	return ctor(opts)
}
