package playback

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps connection identities to their managers
type Registry struct {
	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*Manager)}
}

// Add registers m under its identity
func (r *Registry) Add(m *Manager) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[m.Identity()]; exists {
		return fmt.Errorf("server %q already registered", m.Identity())
	}
	r.managers[m.Identity()] = m
	return nil
}

// Get returns the manager of identity
func (r *Registry) Get(identity string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[identity]
	return m, ok
}

// Remove unregisters identity, e.g. when its server is removed
func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, identity)
}

// Identities returns the registered identities in sorted order
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	identities := make([]string, 0, len(r.managers))
	for identity := range r.managers {
		identities = append(identities, identity)
	}
	sort.Strings(identities)
	return identities
}

// Statuses returns the status of every manager ordered by identity
func (r *Registry) Statuses() []Status {
	identities := r.Identities()
	statuses := make([]Status, 0, len(identities))
	for _, identity := range identities {
		if m, ok := r.Get(identity); ok {
			statuses = append(statuses, m.Status())
		}
	}
	return statuses
}
