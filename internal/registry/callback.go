package registry

import (
	"sync"

	"github.com/danmuck/regsync/internal/codec"
)

// Callback observes reload boundaries. BeginReload runs before holders are
// unbound; OnReload runs after the new snapshot is published.
type Callback[V codec.Tagged] interface {
	BeginReload(r *Registry[V])
	OnReload(r *Registry[V])
}

// CallbackFuncs adapts plain functions; either may be nil.
type CallbackFuncs[V codec.Tagged] struct {
	Begin func(r *Registry[V])
	On    func(r *Registry[V])
}

func (c CallbackFuncs[V]) BeginReload(r *Registry[V]) {
	if c.Begin != nil {
		c.Begin(r)
	}
}

func (c CallbackFuncs[V]) OnReload(r *Registry[V]) {
	if c.On != nil {
		c.On(r)
	}
}

// CallbackID identifies one registration for RemoveCallback.
type CallbackID uint64

type callbackEntry[V codec.Tagged] struct {
	id CallbackID
	cb Callback[V]
}

type callbackSet[V codec.Tagged] struct {
	mu      sync.RWMutex
	next    CallbackID
	entries []callbackEntry[V]
}

func (r *Registry[V]) AddCallback(cb Callback[V]) CallbackID {
	r.callbacks.mu.Lock()
	defer r.callbacks.mu.Unlock()
	r.callbacks.next++
	id := r.callbacks.next
	r.callbacks.entries = append(r.callbacks.entries, callbackEntry[V]{id: id, cb: cb})
	return id
}

func (r *Registry[V]) RemoveCallback(id CallbackID) bool {
	r.callbacks.mu.Lock()
	defer r.callbacks.mu.Unlock()
	for i, e := range r.callbacks.entries {
		if e.id == id {
			r.callbacks.entries = append(r.callbacks.entries[:i:i], r.callbacks.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (s *callbackSet[V]) snapshot() []callbackEntry[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries
}

func (s *callbackSet[V]) begin(r *Registry[V]) {
	for _, e := range s.snapshot() {
		e.cb.BeginReload(r)
	}
}

func (s *callbackSet[V]) on(r *Registry[V]) {
	for _, e := range s.snapshot() {
		e.cb.OnReload(r)
	}
}
