package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/vmihailenco/msgpack/v5"
)

// JSON builds a registration for values stored as T on disk and on the wire.
// wrap lifts a decoded T into V; unwrap recovers T from V.
func JSON[V any, T any](wrap func(T) V, unwrap func(V) (T, bool)) Registration[V] {
	return Registration[V]{
		Decode: func(p Payload) (V, error) {
			var zero V
			var t T
			if err := json.Unmarshal(p, &t); err != nil {
				return zero, err
			}
			return wrap(t), nil
		},
		Encode: func(v V) (Payload, error) {
			t, ok := unwrap(v)
			if !ok {
				return nil, fmt.Errorf("codec: value %T is not %T", v, t)
			}
			return json.Marshal(t)
		},
		Wire: msgpackWire[V, T]{wrap: wrap, unwrap: unwrap},
	}
}

// JSONOf is JSON for tables whose value type is the stored type.
func JSONOf[V any]() Registration[V] {
	return JSON(identity[V], unwrapIdentity[V])
}

// Msgpack builds a registration that reads msgpack payloads instead of JSON.
func Msgpack[V any, T any](wrap func(T) V, unwrap func(V) (T, bool)) Registration[V] {
	wire := msgpackWire[V, T]{wrap: wrap, unwrap: unwrap}
	return Registration[V]{
		Decode: func(p Payload) (V, error) {
			return wire.UnmarshalWire(p)
		},
		Encode: func(v V) (Payload, error) {
			return wire.MarshalWire(v)
		},
		Wire: wire,
	}
}

type msgpackWire[V any, T any] struct {
	wrap   func(T) V
	unwrap func(V) (T, bool)
}

func (w msgpackWire[V, T]) MarshalWire(v V) ([]byte, error) {
	t, ok := w.unwrap(v)
	if !ok {
		return nil, fmt.Errorf("codec: value %T is not %T", v, t)
	}
	return msgpack.Marshal(t)
}

func (w msgpackWire[V, T]) UnmarshalWire(b []byte) (V, error) {
	var zero V
	var t T
	if err := msgpack.Unmarshal(b, &t); err != nil {
		return zero, err
	}
	return w.wrap(t), nil
}

func identity[V any](v V) V {
	return v
}

func unwrapIdentity[V any](v V) (V, bool) {
	return v, true
}

// WithSchema guards reg.Decode with a JSON schema compiled once up front.
// Wire decoding is not validated; peers only send values that passed here.
func WithSchema[V any](reg Registration[V], name string, schema []byte) (Registration[V], error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return Registration[V]{}, fmt.Errorf("%w: schema %s: %v", ErrConfig, name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return Registration[V]{}, fmt.Errorf("%w: schema %s: %v", ErrConfig, name, err)
	}
	compiled, err := c.Compile(name)
	if err != nil {
		return Registration[V]{}, fmt.Errorf("%w: schema %s: %v", ErrConfig, name, err)
	}

	decode := reg.Decode
	reg.Decode = func(p Payload) (V, error) {
		var zero V
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(p))
		if err != nil {
			return zero, err
		}
		if err := compiled.Validate(inst); err != nil {
			return zero, fmt.Errorf("schema %s: %w", name, err)
		}
		return decode(p)
	}
	return reg, nil
}
