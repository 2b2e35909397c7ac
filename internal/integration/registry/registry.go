// Package registry holds the two-tier provider catalog: static definitions
// loaded once at startup, plus live provider instances registered by each
// provider module. Read-only after initialization.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/compasshq/compass/internal/integration/models"
	"github.com/compasshq/compass/internal/integration/provider"
)

// Registry maps provider ids to definitions and live instances. Construct
// with New, register instances during startup, then treat as read-only.
// Reads need no locking after initialization; the mutex only guards against
// initialization code running twice.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]models.Definition
	instances   map[string]provider.Provider
	order       []string
}

// New builds a registry seeded with the built-in definitions.
func New() *Registry {
	r := &Registry{
		definitions: make(map[string]models.Definition),
		instances:   make(map[string]provider.Provider),
	}
	for _, def := range builtinDefinitions() {
		r.definitions[def.ID] = def
		r.order = append(r.order, def.ID)
	}
	return r
}

// Register adds a live provider instance. Fails if the provider has no
// definition or an instance is already registered, so duplicated init code
// surfaces at startup instead of silently overwriting.
func (r *Registry) Register(p provider.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, ok := r.definitions[id]; !ok {
		return fmt.Errorf("register %s: no definition for provider", id)
	}
	if _, ok := r.instances[id]; ok {
		return fmt.Errorf("register %s: provider already registered", id)
	}
	r.instances[id] = p
	return nil
}

// Definition returns the catalog entry for a provider id. The returned
// Available flag reflects whether a live instance is registered.
func (r *Registry) Definition(id string) (models.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	if !ok {
		return models.Definition{}, false
	}
	_, live := r.instances[id]
	def.Available = def.Available && live
	return def, true
}

// Provider returns the live instance for a provider id.
func (r *Registry) Provider(id string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.instances[id]
	return p, ok
}

// Has reports whether a provider id exists in the catalog.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[id]
	return ok
}

// All returns every definition in catalog order.
func (r *Registry) All() []models.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Definition, 0, len(r.order))
	for _, id := range r.order {
		def := r.definitions[id]
		_, live := r.instances[id]
		def.Available = def.Available && live
		out = append(out, def)
	}
	return out
}

// Available returns only definitions with a registered live instance.
func (r *Registry) Available() []models.Definition {
	var out []models.Definition
	for _, def := range r.All() {
		if def.Available {
			out = append(out, def)
		}
	}
	return out
}

// ByCategory returns definitions in the given category, catalog order.
func (r *Registry) ByCategory(category string) []models.Definition {
	var out []models.Definition
	for _, def := range r.All() {
		if def.Category == category {
			out = append(out, def)
		}
	}
	return out
}

// GroupedByCategory returns all definitions keyed by category, with
// categories sorted for stable presentation.
func (r *Registry) GroupedByCategory() map[string][]models.Definition {
	groups := make(map[string][]models.Definition)
	for _, def := range r.All() {
		groups[def.Category] = append(groups[def.Category], def)
	}
	return groups
}

// Categories returns the sorted list of categories present in the catalog.
func (r *Registry) Categories() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, def := range r.All() {
		if _, ok := seen[def.Category]; !ok {
			seen[def.Category] = struct{}{}
			out = append(out, def.Category)
		}
	}
	sort.Strings(out)
	return out
}
