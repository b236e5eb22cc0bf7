package providers

import (
	"fmt"
	"sync"
)

// Registry holds the configured provider descriptors. Descriptors are
// registered once at startup and read concurrently by request handlers.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]*Descriptor),
	}
}

// Register adds a provider descriptor to the registry. The family is derived
// from the provider identifier.
func (r *Registry) Register(d *Descriptor) error {
	if !IsKnown(d.Name) {
		return fmt.Errorf("unknown provider %q (valid: %v)", d.Name, Known())
	}
	d.Family = FamilyOf(d.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = d
	return nil
}

// Get retrieves a descriptor by provider identifier.
func (r *Registry) Get(name string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// List returns the names of all registered providers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	return names
}
