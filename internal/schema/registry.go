// Package schema exposes what the surrounding application declares about the
// entity tables a series may target.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownEntityTable indicates no entity type is registered under the name.
var ErrUnknownEntityTable = errors.New("schema: unknown entity table")

// EntityType describes one entity table.
type EntityType struct {
	Table string
	// RequiredFields must be present (and non-null) on every write.
	RequiredFields []string
	// ConflictField scopes overlap detection: two rows conflict only when
	// they share this field's value. Empty means the whole table is one scope.
	ConflictField string
	// AllowOverlap disables overlap detection for the table.
	AllowOverlap bool
}

// Registry resolves entity types by table name.
type Registry interface {
	Lookup(ctx context.Context, table string) (EntityType, error)
}

// StaticRegistry is an in-memory Registry, usually built from configuration.
type StaticRegistry struct {
	mu    sync.RWMutex
	types map[string]EntityType
}

// NewStaticRegistry constructs a registry preloaded with types.
func NewStaticRegistry(types ...EntityType) *StaticRegistry {
	r := &StaticRegistry{types: make(map[string]EntityType, len(types))}
	for _, t := range types {
		r.types[t.Table] = t
	}
	return r
}

// Lookup implements Registry.
func (r *StaticRegistry) Lookup(_ context.Context, table string) (EntityType, error) {
	if r == nil {
		return EntityType{}, fmt.Errorf("%w: %q", ErrUnknownEntityTable, table)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[table]
	if !ok {
		return EntityType{}, fmt.Errorf("%w: %q", ErrUnknownEntityTable, table)
	}
	return t, nil
}

// Replace swaps the registered types, used when configuration is reloaded.
func (r *StaticRegistry) Replace(types ...EntityType) {
	next := make(map[string]EntityType, len(types))
	for _, t := range types {
		next[t.Table] = t
	}
	r.mu.Lock()
	r.types = next
	r.mu.Unlock()
}

// Tables lists registered table names.
func (r *StaticRegistry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
