package registry

import (
	"errors"
	"fmt"

	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
)

// Staging accumulates wire-encoded entries received from a peer. It is the
// type-erased face of a registry's replication buffer.
type Staging interface {
	Put(id, tag ident.ID, data []byte) error
	Len() int
}

type stage[V codec.Tagged] struct {
	owner   *Registry[V]
	entries map[ident.ID]V
}

// OpenStage returns an empty replication buffer bound to r. It is owned by
// one receiving session and is not safe for concurrent use.
func (r *Registry[V]) OpenStage() Staging {
	return &stage[V]{owner: r, entries: make(map[ident.ID]V)}
}

// Put decodes data with the wire codec registered for tag. Undecodable,
// invalid and repeated ids are rejected; the first copy of an id stays.
func (s *stage[V]) Put(id, tag ident.ID, data []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	v, err := s.owner.codecs.DecodeWire(tag, data)
	if err != nil {
		return err
	}
	if err := s.owner.check(id, v); err != nil {
		return err
	}
	s.entries[id] = v
	return nil
}

func (s *stage[V]) Len() int {
	return len(s.entries)
}

// Commit adopts a stage as the new live state through a full reload cycle.
func (r *Registry[V]) Commit(st Staging) (int, error) {
	s, ok := st.(*stage[V])
	if !ok || s.owner != r {
		return 0, fmt.Errorf("%w: %s", ErrForeignStage, r.path)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	entries := s.entries
	s.entries = make(map[ident.ID]V)
	return r.install(entries)
}

// Refresh reinstalls the current live map through a full reload cycle so
// holders rebind and callbacks fire without any outside data.
func (r *Registry[V]) Refresh() (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.install(r.Snapshot())
}

// install runs one cycle over entries; callers hold writeMu.
func (r *Registry[V]) install(entries map[ident.ID]V) (int, error) {
	if err := r.BeginReload(); err != nil {
		return 0, err
	}
	r.phaseMu.Lock()
	for id, v := range entries {
		r.staging[id] = v
	}
	r.report.Registered += len(entries)
	r.phaseMu.Unlock()
	if err := r.OnReload(); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// EncodeLive walks the live snapshot in id order and hands each entry to fn
// in wire form. Entries that fail to encode are logged and skipped; their
// errors are joined into the result. An error from fn stops the walk.
func (r *Registry[V]) EncodeLive(fn func(id, tag ident.ID, data []byte) error) error {
	st := r.live.Load()
	var skipped []error
	for _, id := range st.keys {
		tag, data, err := r.codecs.EncodeWire(st.entries[id])
		if err != nil {
			r.logger.Error().Err(err).Str("id", id.String()).Msg("could not encode entry for sync")
			skipped = append(skipped, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if err := fn(id, tag, data); err != nil {
			return err
		}
	}
	return errors.Join(skipped...)
}
