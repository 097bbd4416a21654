package capture

import (
	"context"
	"fmt"
	"sort"
)

// Router maps backend names to acquirers with a configurable fallback.
type Router struct {
	backends map[string]Acquirer
	fallback string
}

// NewRouter creates a router with the given backends. fallback is used when a
// grant names no backend or an unknown one.
func NewRouter(backends map[string]Acquirer, fallback string) *Router {
	return &Router{backends: backends, fallback: fallback}
}

// Route returns the acquirer for name, falling back to the default.
func (r *Router) Route(name string) (Acquirer, error) {
	if backend, ok := r.backends[name]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	return nil, fmt.Errorf("no capture backend %q", name)
}

// Has reports whether a backend is registered under name.
func (r *Router) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// Backends returns the registered backend names, sorted.
func (r *Router) Backends() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Acquire implements Acquirer by dispatching on grant.Backend.
func (r *Router) Acquire(ctx context.Context, grant Grant) (*Sources, error) {
	if grant.Token == "" {
		return nil, ErrNotAuthorized
	}
	backend, err := r.Route(grant.Backend)
	if err != nil {
		return nil, err
	}
	return backend.Acquire(ctx, grant)
}
