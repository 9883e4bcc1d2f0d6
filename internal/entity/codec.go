package entity

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/quarry/internal/ir"
)

// Codec converts between typed values and raw records.
// Decode(Encode(x)) must equal x for every value, including nested
// embedded values, references and collections.
type Codec[T any] interface {
	Encode(v T) (ir.Object, error)
	Decode(r PropertyResolver) (T, error)
}

// FuncCodec adapts a pair of functions to Codec.
type FuncCodec[T any] struct {
	EncodeFunc func(T) (ir.Object, error)
	DecodeFunc func(PropertyResolver) (T, error)
}

func (c FuncCodec[T]) Encode(v T) (ir.Object, error)         { return c.EncodeFunc(v) }
func (c FuncCodec[T]) Decode(r PropertyResolver) (T, error) { return c.DecodeFunc(r) }

// ObjectCodec passes raw records through unchanged.
type ObjectCodec struct{}

func (ObjectCodec) Encode(v ir.Object) (ir.Object, error) { return v.Clone(), nil }

func (ObjectCodec) Decode(r PropertyResolver) (ir.Object, error) { return Materialize(r), nil }

// JSONCodec maps structs through their json tags. Records are coerced to
// the descriptor's kinds on encode, so decimals and integers survive the
// JSON hop.
type JSONCodec[T any] struct {
	Desc *Descriptor
}

func (c JSONCodec[T]) Encode(v T) (ir.Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.name(), err)
	}
	var obj ir.Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("encode %s: %w", c.name(), err)
	}
	if c.Desc == nil {
		return obj, nil
	}
	return c.Desc.Coerce(obj)
}

func (c JSONCodec[T]) Decode(r PropertyResolver) (T, error) {
	var out T
	data, err := ir.Marshal(Materialize(r))
	if err != nil {
		return out, fmt.Errorf("decode %s: %w", c.name(), err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", c.name(), err)
	}
	return out, nil
}

func (c JSONCodec[T]) name() string {
	if c.Desc == nil {
		return "value"
	}
	return c.Desc.Name
}
