package router

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"marketdata/internal/provider"
)

// Registry holds the adapters a router may call, keyed by name. Order of
// registration is kept so "remaining sources" are tried in a stable order.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]provider.Adapter
	order    []string
}

func NewRegistry(adapters ...provider.Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]provider.Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter. Names must be unique.
func (r *Registry) Register(a provider.Adapter) error {
	if a == nil || a.Name() == "" {
		return errors.New("router: adapter without a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, dup := r.adapters[name]; dup {
		return fmt.Errorf("router: adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Unregister removes an adapter and returns it, or nil if it was unknown.
// The caller owns closing it.
func (r *Registry) Unregister(name string) provider.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil
	}
	delete(r.adapters, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	return a
}

func (r *Registry) Get(name string) (provider.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// All returns the adapters in registration order.
func (r *Registry) All() []provider.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.Adapter, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.adapters[n])
	}
	return out
}

// Close releases every adapter that holds resources and empties the
// registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	adapters := make([]provider.Adapter, 0, len(r.order))
	for _, n := range r.order {
		adapters = append(adapters, r.adapters[n])
	}
	r.adapters = map[string]provider.Adapter{}
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for _, a := range adapters {
		if c, ok := a.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", a.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
