package session

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/b1naryth1ef/ferry/internal/logging"
)

// Factory builds a capability on first lookup. Returning nil marks the
// capability as absent.
type Factory func() any

type entry struct {
	value   any
	built   bool
	factory Factory
	enabled func() bool
}

// Registry maps feature ids to the capability implementations of one session.
// Lookups are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	entries  map[Feature]*entry
	fallback func(Feature) (any, bool)
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Feature]*entry)}
}

// Register installs an eager implementation.
func (r *Registry) Register(id Feature, impl any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{value: impl, built: true}
}

// RegisterFunc installs a lazy implementation built once on first lookup.
func (r *Registry) RegisterFunc(id Feature, factory Factory) {
	r.RegisterIf(id, nil, factory)
}

// RegisterIf installs a lazy implementation that is only visible while
// enabled returns true. A nil enabled always holds.
func (r *Registry) RegisterIf(id Feature, enabled func() bool, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &entry{factory: factory, enabled: enabled}
}

// Fallback sets the rule consulted for ids without a registration.
func (r *Registry) Fallback(fn func(Feature) (any, bool)) {
	r.mu.Lock()
	r.fallback = fn
	r.mu.Unlock()
}

// Lookup returns the implementation for id, or (nil, false) when the backend
// does not offer it.
func (r *Registry) Lookup(id Feature) (any, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	fallback := r.fallback
	r.mu.Unlock()

	if !ok {
		if fallback == nil {
			return nil, false
		}
		v, ok := fallback(id)
		if !ok || v == nil {
			return nil, false
		}
		return v, true
	}

	if e.enabled != nil && !e.enabled() {
		return nil, false
	}

	r.mu.Lock()
	if e.built {
		v := e.value
		r.mu.Unlock()
		return v, v != nil
	}
	factory := e.factory
	r.mu.Unlock()

	v, err := build(factory)
	if err != nil {
		logging.Warn("capability factory failed", zap.Stringer("feature", id), zap.Error(err))
		return nil, false
	}

	r.mu.Lock()
	if e.built {
		// another lookup won the race
		v = e.value
	} else {
		e.value = v
		e.built = true
	}
	r.mu.Unlock()
	return v, v != nil
}

func build(factory Factory) (v any, err error) {
	if factory == nil {
		return nil, nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return factory(), nil
}
