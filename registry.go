package upa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// =====================================
// Backend Factories
// =====================================

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]BackendFactory)
)

// RegisterBackend makes a factory available under each of its driver names
// and under name. Adapters call it from init.
func RegisterBackend(name string, factory BackendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("upa: RegisterBackend factory is nil")
	}
	factories[name] = factory
	for _, driver := range factory.SupportedDrivers() {
		factories[driver] = factory
	}
}

// ListBackends returns the registered factory names, sorted.
func ListBackends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a backend with the factory registered for driver.
// An empty cfg.Driver is set to driver.
func Open(ctx context.Context, driver string, cfg Config) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[driver]
	factoriesMu.RUnlock()
	if !ok {
		return nil, Errorf(ErrorTypeInvalidArgument, "no backend registered for driver %q", driver)
	}
	if cfg.Driver == "" {
		cfg.Driver = driver
	}
	return factory.Create(ctx, cfg)
}

// =====================================
// Backend Instances
// =====================================

// ErrBackendNotFound is returned when no instance is registered under a name.
var ErrBackendNotFound = errors.New("backend not found")

// BackendRegistry holds opened backends by instance name, so that one
// process can share them across repositories.
type BackendRegistry struct {
	mutex    sync.RWMutex
	backends map[string]Backend
}

var (
	backendsOnce sync.Once
	backends     *BackendRegistry
)

// Backends returns the process-wide backend registry.
func Backends() *BackendRegistry {
	backendsOnce.Do(func() {
		backends = NewBackendRegistry()
	})
	return backends
}

// NewBackendRegistry creates an empty registry.
func NewBackendRegistry() *BackendRegistry {
	return &BackendRegistry{backends: make(map[string]Backend)}
}

// Register stores backend under name, replacing any previous instance.
func (r *BackendRegistry) Register(name string, backend Backend) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.backends[name] = backend
}

// Get retrieves the backend registered under name.
func (r *BackendRegistry) Get(name string) (Backend, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	backend, exists := r.backends[name]
	if !exists {
		return nil, fmt.Errorf("%w: instance '%s'", ErrBackendNotFound, name)
	}
	return backend, nil
}

// MustGet is Get that panics when name is unknown.
func (r *BackendRegistry) MustGet(name string) Backend {
	backend, err := r.Get(name)
	if err != nil {
		panic(err)
	}
	return backend
}

// Names returns the registered instance names, sorted.
func (r *BackendRegistry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes and removes a backend from the registry
func (r *BackendRegistry) Remove(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	backend, exists := r.backends[name]
	if !exists {
		return fmt.Errorf("%w: instance '%s'", ErrBackendNotFound, name)
	}
	delete(r.backends, name)
	if err := backend.Close(); err != nil {
		return fmt.Errorf("error closing backend %s: %w", name, err)
	}
	return nil
}

// CloseAll closes every backend and empties the registry. All backends are
// closed even when some fail; the errors are joined.
func (r *BackendRegistry) CloseAll() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var errs []error
	for name, backend := range r.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing backend %s: %w", name, err))
		}
	}
	r.backends = make(map[string]Backend)
	return errors.Join(errs...)
}

// HealthCheck checks the health of all registered backends
func (r *BackendRegistry) HealthCheck(ctx context.Context) map[string]error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	results := make(map[string]error, len(r.backends))
	for name, backend := range r.backends {
		results[name] = backend.Health(ctx)
	}
	return results
}
