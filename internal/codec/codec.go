// Package codec owns per-registry type dispatch.
//
// A Table maps a type tag to a Registration: a payload decoder, a payload
// encoder, and a wire codec used for network replication. Two configurations
// share the Table interface:
//
//   - Polymorphic: many tags; every payload names its tag in a top-level
//     "type" field.
//   - Fixed: exactly one registration held under DefaultTag; any "type" field
//     in the payload is ignored.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/regsync/internal/ident"
)

// TypeField is the payload key that carries the tag of polymorphic entries.
const TypeField = "type"

// DefaultTag is the implicit tag of a Fixed table.
var DefaultTag = ident.ID{Namespace: "regsync", Path: "default"}

// Payload is one raw entry document.
type Payload []byte

// IsEmpty reports whether the payload carries no data: blank, null, or {}.
func (p Payload) IsEmpty() bool {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 {
		return true
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	if trimmed[0] != '{' {
		return false
	}
	inner := bytes.TrimSpace(trimmed[1:])
	return len(inner) == 1 && inner[0] == '}'
}

// RawEntry is one loader-supplied entry before decoding.
type RawEntry struct {
	ID      ident.ID
	Payload Payload
}

// Batch is an ordered set of raw entries. Order decides which duplicate wins.
type Batch []RawEntry

// Tagged values declare the tag of the registration that encodes them.
type Tagged interface {
	CodecTag() ident.ID
}

// WireCodec converts values to and from the network representation.
type WireCodec[V any] interface {
	MarshalWire(v V) ([]byte, error)
	UnmarshalWire(b []byte) (V, error)
}

// Registration is one (decode, encode, wire) triple.
type Registration[V any] struct {
	Decode func(Payload) (V, error)
	Encode func(V) (Payload, error)
	Wire   WireCodec[V]
}

func (r Registration[V]) validate() error {
	if r.Decode == nil || r.Encode == nil || r.Wire == nil {
		return fmt.Errorf("%w: registration requires decode, encode, and wire codec", ErrConfig)
	}
	return nil
}

// Table is the type dispatch surface consumed by registries.
type Table[V Tagged] interface {
	Name() string
	Register(tag ident.ID, reg Registration[V]) error
	Decode(p Payload) (V, error)
	Encode(v V) (Payload, error)
	EncodeWire(v V) (ident.ID, []byte, error)
	DecodeWire(tag ident.ID, b []byte) (V, error)
	Tags() []ident.ID
	Len() int
}

type registrations[V any] struct {
	name  string
	mu    sync.RWMutex
	byTag map[ident.ID]Registration[V]
}

func newRegistrations[V any](name string) registrations[V] {
	return registrations[V]{name: name, byTag: make(map[ident.ID]Registration[V])}
}

func (r *registrations[V]) get(tag ident.ID) (Registration[V], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byTag[tag]
	return reg, ok
}

func (r *registrations[V]) tags() []ident.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ident.ID, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Less(out[j])
	})
	return out
}

func (r *registrations[V]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTag)
}

// Polymorphic dispatches on the tag declared by each payload.
type Polymorphic[V Tagged] struct {
	regs registrations[V]
}

var _ Table[Tagged] = (*Polymorphic[Tagged])(nil)

func NewPolymorphic[V Tagged](name string) *Polymorphic[V] {
	return &Polymorphic[V]{regs: newRegistrations[V](name)}
}

func (t *Polymorphic[V]) Name() string {
	return t.regs.name
}

// Register adds tag. Registering the same tag twice fails.
func (t *Polymorphic[V]) Register(tag ident.ID, reg Registration[V]) error {
	if err := tag.Validate(); err != nil {
		return fmt.Errorf("%w: %s: tag: %v", ErrConfig, t.regs.name, err)
	}
	if err := reg.validate(); err != nil {
		return err
	}
	t.regs.mu.Lock()
	defer t.regs.mu.Unlock()
	if _, ok := t.regs.byTag[tag]; ok {
		return fmt.Errorf("%w: %s serializer %s already exists", ErrDuplicateRegistration, t.regs.name, tag)
	}
	t.regs.byTag[tag] = reg
	return nil
}

func (t *Polymorphic[V]) Decode(p Payload) (V, error) {
	var zero V
	if p.IsEmpty() {
		return zero, decodeErr(t.regs.name, ident.ID{}, ErrEmptyPayload)
	}
	tag, err := ReadTag(p)
	if err != nil {
		return zero, decodeErr(t.regs.name, ident.ID{}, err)
	}
	reg, ok := t.regs.get(tag)
	if !ok {
		return zero, decodeErr(t.regs.name, tag, ErrUnknownTag)
	}
	v, err := reg.Decode(p)
	if err != nil {
		return zero, decodeErr(t.regs.name, tag, err)
	}
	if declared := v.CodecTag(); declared != tag {
		return zero, decodeErr(t.regs.name, tag, &ConsistencyError{
			Table:  t.regs.name,
			Tag:    declared,
			Reason: fmt.Sprintf("decoded value declares a different type than payload %s", tag),
		})
	}
	return v, nil
}

func (t *Polymorphic[V]) Encode(v V) (Payload, error) {
	tag := v.CodecTag()
	reg, ok := t.regs.get(tag)
	if !ok {
		return nil, &ConsistencyError{Table: t.regs.name, Tag: tag, Reason: "value declares an unregistered type"}
	}
	return reg.Encode(v)
}

func (t *Polymorphic[V]) EncodeWire(v V) (ident.ID, []byte, error) {
	tag := v.CodecTag()
	reg, ok := t.regs.get(tag)
	if !ok {
		return ident.ID{}, nil, &ConsistencyError{Table: t.regs.name, Tag: tag, Reason: "value declares an unregistered type"}
	}
	b, err := reg.Wire.MarshalWire(v)
	if err != nil {
		return ident.ID{}, nil, err
	}
	return tag, b, nil
}

func (t *Polymorphic[V]) DecodeWire(tag ident.ID, b []byte) (V, error) {
	var zero V
	reg, ok := t.regs.get(tag)
	if !ok {
		return zero, decodeErr(t.regs.name, tag, ErrUnknownTag)
	}
	v, err := reg.Wire.UnmarshalWire(b)
	if err != nil {
		return zero, decodeErr(t.regs.name, tag, err)
	}
	return v, nil
}

func (t *Polymorphic[V]) Tags() []ident.ID {
	return t.regs.tags()
}

func (t *Polymorphic[V]) Len() int {
	return t.regs.len()
}

// Fixed holds a single registration and never reads tags.
type Fixed[V Tagged] struct {
	regs registrations[V]
}

var _ Table[Tagged] = (*Fixed[Tagged])(nil)

func NewFixed[V Tagged](name string) *Fixed[V] {
	return &Fixed[V]{regs: newRegistrations[V](name)}
}

func (t *Fixed[V]) Name() string {
	return t.regs.name
}

// Register stores reg under DefaultTag; tag is ignored. A second call fails.
func (t *Fixed[V]) Register(_ ident.ID, reg Registration[V]) error {
	if err := reg.validate(); err != nil {
		return err
	}
	t.regs.mu.Lock()
	defer t.regs.mu.Unlock()
	if len(t.regs.byTag) != 0 {
		return fmt.Errorf("%w: %s does not support subtypes", ErrDuplicateRegistration, t.regs.name)
	}
	t.regs.byTag[DefaultTag] = reg
	return nil
}

func (t *Fixed[V]) registration() (Registration[V], error) {
	reg, ok := t.regs.get(DefaultTag)
	if !ok {
		return Registration[V]{}, fmt.Errorf("%w: %s has no registration", ErrConfig, t.regs.name)
	}
	return reg, nil
}

func (t *Fixed[V]) Decode(p Payload) (V, error) {
	var zero V
	if p.IsEmpty() {
		return zero, decodeErr(t.regs.name, DefaultTag, ErrEmptyPayload)
	}
	reg, err := t.registration()
	if err != nil {
		return zero, decodeErr(t.regs.name, DefaultTag, err)
	}
	v, err := reg.Decode(p)
	if err != nil {
		return zero, decodeErr(t.regs.name, DefaultTag, err)
	}
	return v, nil
}

func (t *Fixed[V]) Encode(v V) (Payload, error) {
	reg, err := t.registration()
	if err != nil {
		return nil, &ConsistencyError{Table: t.regs.name, Tag: DefaultTag, Reason: err.Error()}
	}
	return reg.Encode(v)
}

func (t *Fixed[V]) EncodeWire(v V) (ident.ID, []byte, error) {
	reg, err := t.registration()
	if err != nil {
		return ident.ID{}, nil, &ConsistencyError{Table: t.regs.name, Tag: DefaultTag, Reason: err.Error()}
	}
	b, err := reg.Wire.MarshalWire(v)
	if err != nil {
		return ident.ID{}, nil, err
	}
	return DefaultTag, b, nil
}

// DecodeWire ignores tag; a fixed table has one schema.
func (t *Fixed[V]) DecodeWire(_ ident.ID, b []byte) (V, error) {
	var zero V
	reg, err := t.registration()
	if err != nil {
		return zero, decodeErr(t.regs.name, DefaultTag, err)
	}
	v, err := reg.Wire.UnmarshalWire(b)
	if err != nil {
		return zero, decodeErr(t.regs.name, DefaultTag, err)
	}
	return v, nil
}

func (t *Fixed[V]) Tags() []ident.ID {
	return t.regs.tags()
}

func (t *Fixed[V]) Len() int {
	return t.regs.len()
}

// ReadTag extracts the "type" field of a payload object.
func ReadTag(p Payload) (ident.ID, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(p, &head); err != nil {
		return ident.ID{}, fmt.Errorf("payload is not an object: %w", err)
	}
	raw, ok := head[TypeField]
	if !ok {
		return ident.ID{}, ErrMissingTag
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return ident.ID{}, fmt.Errorf("%w: %q is not a string", ErrMissingTag, TypeField)
	}
	return ident.Parse(name)
}
