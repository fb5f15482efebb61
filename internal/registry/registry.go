// Package registry holds the ASTERIX category schemas available to the decoder.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"asterix_decoder/internal/asterix"
)

// Registry maps category selectors to schemas. It satisfies
// asterix.SchemaProvider and is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[int]*asterix.Schema
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		schemas: make(map[int]*asterix.Schema),
	}
}

// Global default registry.
var defaultRegistry = New()

// Default returns the global registry instance.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a schema to the default registry.
// Called during init() in the categories package.
func Register(s *asterix.Schema) {
	defaultRegistry.Register(s)
}

// key folds a category number onto the signed reading of the selector byte,
// so a schema declared as 242 answers for selector 0xF2 (-14).
func key(category int) int {
	return int(int8(category))
}

// Register adds or replaces the schema for s.Category.
func (r *Registry) Register(s *asterix.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[key(s.Category)] = s
}

// RegisterChecked validates s before registering it.
func (r *Registry) RegisterChecked(s *asterix.Schema) error {
	if s.Category < -128 || s.Category > 255 {
		return fmt.Errorf("category %d out of range", s.Category)
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("category %d: %w", s.Category, err)
	}
	r.Register(s)
	return nil
}

// Lookup returns the schema for a category selector.
func (r *Registry) Lookup(category int) (*asterix.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[key(category)]
	return s, ok
}

// Categories returns all registered schemas ordered by category number.
func (r *Registry) Categories() []*asterix.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*asterix.Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Category < out[j].Category
	})
	return out
}

// Len returns the number of registered categories.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// Merge registers every schema of other into r, replacing existing entries.
func (r *Registry) Merge(other *Registry) {
	for _, s := range other.Categories() {
		r.Register(s)
	}
}
