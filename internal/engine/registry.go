package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry maps configuration names to factories. Lookups are
// case-sensitive; aliases let long-form names from older configuration
// files resolve to the same factory.
type Registry[T any] struct {
	kind      string
	mu        sync.RWMutex
	factories map[string]func() (T, error)
	aliases   map[string]string
}

// NewRegistry creates an empty registry. kind is used in error messages.
func NewRegistry[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:      kind,
		factories: make(map[string]func() (T, error)),
		aliases:   make(map[string]string),
	}
}

// Register adds or replaces a factory.
func (r *Registry[T]) Register(name string, factory func() (T, error), aliases ...string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%s name cannot be empty", r.kind)
	}
	if factory == nil {
		return fmt.Errorf("%s %q: nil factory", r.kind, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	for _, a := range aliases {
		r.aliases[a] = name
	}
	return nil
}

// New instantiates the factory registered under name.
func (r *Registry[T]) New(name string) (T, error) {
	var zero T
	r.mu.RLock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("unknown %s %q", r.kind, name)
	}
	return factory()
}

// Names returns the registered names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AccessControls holds the access-control factories selectable with the
// access_control configuration key.
var AccessControls = NewRegistry[AccessControl]("access control")

// FullTextFactories holds the factories selectable with the
// fulltext_factory configuration key.
var FullTextFactories = NewRegistry[FullTextFactory]("full-text factory")
