package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
)

// Registry routes blob operations to named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	def      string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds b. The first registered backend becomes the default.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[b.Name()]; ok {
		return fmt.Errorf("backend %q already registered", b.Name())
	}
	r.backends[b.Name()] = b
	if r.def == "" {
		r.def = b.Name()
	}
	return nil
}

// SetDefault selects the backend new data is written to.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	r.def = name
	return nil
}

// Default returns the default backend.
func (r *Registry) Default() (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[r.def]
	if !ok {
		return nil, fmt.Errorf("%w: no default backend", ErrUnknownBackend)
	}
	return b, nil
}

// Get returns the backend called name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return b, nil
}

// Names returns registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Put writes to the default backend.
func (r *Registry) Put(ctx context.Context, rd io.Reader, size int64) (Location, error) {
	b, err := r.Default()
	if err != nil {
		return Location{}, err
	}
	return b.Put(ctx, rd, size)
}

// Open reads loc from the backend that holds it.
func (r *Registry) Open(ctx context.Context, loc Location) (io.ReadCloser, error) {
	b, err := r.Get(loc.Backend)
	if err != nil {
		return nil, err
	}
	return b.Get(ctx, loc)
}

// Delete removes loc from the backend that holds it.
func (r *Registry) Delete(ctx context.Context, loc Location) error {
	b, err := r.Get(loc.Backend)
	if err != nil {
		return err
	}
	return b.Delete(ctx, loc)
}

// Healthcheck checks every backend.
func (r *Registry) Healthcheck(ctx context.Context) map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for _, name := range r.Names() {
		b, err := r.Get(name)
		if err != nil {
			continue
		}
		if err := b.Healthcheck(ctx); err != nil {
			out[name] = HealthStatus{Code: http.StatusServiceUnavailable, Message: err.Error()}
			continue
		}
		out[name] = HealthStatus{Code: http.StatusOK, Message: "OK"}
	}
	return out
}
