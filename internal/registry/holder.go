package registry

import (
	"fmt"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
)

// Holder is a stable reference to one registry id. It owns only the id; the
// bound value is read from the registry's published snapshot on every call.
type Holder[V codec.Tagged] struct {
	reg *Registry[V]
	id  ident.ID
}

// Holder returns the interned holder for id, creating it on first request.
// Holders are never evicted, including for ids that leave the registry.
func (r *Registry[V]) Holder(id ident.ID) *Holder[V] {
	if h, ok := r.holders.Load(id); ok {
		return h.(*Holder[V])
	}
	h, _ := r.holders.LoadOrStore(id, &Holder[V]{reg: r, id: id})
	return h.(*Holder[V])
}

// EmptyHolder is the holder for ident.Empty; it stays unbound unless an entry
// with that id is loaded.
func (r *Registry[V]) EmptyHolder() *Holder[V] {
	return r.Holder(ident.Empty)
}

// Holders counts interned holders.
func (r *Registry[V]) Holders() int {
	n := 0
	r.holders.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ParseHolder resolves the serialized form written by Holder.MarshalText.
func (r *Registry[V]) ParseHolder(text []byte) (*Holder[V], error) {
	id, err := ident.Parse(string(text))
	if err != nil {
		return nil, fmt.Errorf("registry: %s holder: %w", r.path, err)
	}
	return r.Holder(id), nil
}

func (h *Holder[V]) ID() ident.ID {
	return h.id
}

func (h *Holder[V]) Registry() *Registry[V] {
	return h.reg
}

// Get returns the bound value. ErrUnresolvedHolder means the value is not
// currently known: a reload is running or the last reload did not include the id.
func (h *Holder[V]) Get() (V, error) {
	st := h.reg.live.Load()
	if !st.reloading {
		if v, ok := st.entries[h.id]; ok {
			return v, nil
		}
	}
	var zero V
	return zero, fmt.Errorf("%w: %s in %s", ErrUnresolvedHolder, h.id, h.reg.path)
}

func (h *Holder[V]) IsBound() bool {
	st := h.reg.live.Load()
	if st.reloading {
		return false
	}
	_, ok := st.entries[h.id]
	return ok
}

// GetOr returns def when the holder is unbound.
func (h *Holder[V]) GetOr(def V) V {
	if v, err := h.Get(); err == nil {
		return v
	}
	return def
}

func (h *Holder[V]) Is(id ident.ID) bool {
	return h.id == id
}

func (h *Holder[V]) String() string {
	return h.reg.path + "[" + h.id.String() + "]"
}

// MarshalText writes the holder as its id.
func (h *Holder[V]) MarshalText() ([]byte, error) {
	return h.id.MarshalText()
}
