// Package registry binds stable names to values such as flows and scheduled
// jobs. Flows register from init(), so their table is complete before main
// runs; a duplicate name aborts start-up.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is returned by Lookup for an unregistered name.
var ErrNotFound = errors.New("registry: not found")

// Entry is one registered value. For flows, Version is persisted on the
// pipeline definition at bootstrap.
type Entry[T any] struct {
	Name    string
	Version string
	Value   T
}

// Registry is a name to value table that rejects duplicate names.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]Entry[T]
}

// New creates an empty Registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]Entry[T])}
}

// Register adds an entry. Empty names and duplicates are errors.
func (r *Registry[T]) Register(e Entry[T]) error {
	if e.Name == "" {
		return errors.New("registry: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Name]; exists {
		return fmt.Errorf("registry: %q already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// MustRegister is Register for init-time use; it panics on error.
func (r *Registry[T]) MustRegister(e Entry[T]) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Lookup returns the entry for name.
func (r *Registry[T]) Lookup(name string) (Entry[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Entry[T]{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

// Names returns the registered names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns all entries sorted by name.
func (r *Registry[T]) Entries() []Entry[T] {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry[T], 0, len(names))
	for _, n := range names {
		out = append(out, r.entries[n])
	}
	return out
}
