package querymongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
)

// ToBSON converts a value to its BSON form. Objects become bson.D with keys
// in canonical order so documents compare byte for byte.
func ToBSON(v ir.Value) (any, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return nil, nil
	case ir.Bool:
		return bool(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Float:
		return float64(val), nil
	case ir.Decimal:
		d, err := bson.ParseDecimal128(val.String())
		if err != nil {
			return nil, fmt.Errorf("decimal %s: %w", val.String(), err)
		}
		return d, nil
	case ir.String:
		return string(val), nil
	case ir.Array:
		out := make(bson.A, len(val))
		for i, elem := range val {
			conv, err := ToBSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case ir.Object:
		out := make(bson.D, 0, len(val))
		for _, k := range val.SortedKeys() {
			conv, err := ToBSON(val[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out = append(out, bson.E{Key: k, Value: conv})
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value %T", v)
}

// FromBSON converts a decoded BSON value back to a value.
func FromBSON(v any) (ir.Value, error) {
	switch val := v.(type) {
	case nil:
		return ir.Null{}, nil
	case int32:
		return ir.Int(val), nil
	case bson.Decimal128:
		return ir.NewDecimal(val.String())
	case bson.ObjectID:
		return ir.String(val.Hex()), nil
	case bson.DateTime:
		return ir.String(val.Time().UTC().Format(time.RFC3339Nano)), nil
	case bson.D:
		out := make(ir.Object, len(val))
		for _, e := range val {
			conv, err := FromBSON(e.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Key, err)
			}
			out[e.Key] = conv
		}
		return out, nil
	case bson.M:
		out := make(ir.Object, len(val))
		for k, elem := range val {
			conv, err := FromBSON(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	case bson.A:
		out := make(ir.Array, len(val))
		for i, elem := range val {
			conv, err := FromBSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	}
	return ir.FromGo(v)
}

// Document converts a record to the stored document: the key doubles as _id.
func Document(desc *entity.Descriptor, rec ir.Object) (bson.D, error) {
	conv, err := ToBSON(rec)
	if err != nil {
		return nil, err
	}
	doc := conv.(bson.D)
	if key, ok := desc.KeyOf(rec); ok {
		id, err := ToBSON(key)
		if err != nil {
			return nil, err
		}
		doc = append(bson.D{{Key: "_id", Value: id}}, doc...)
	}
	return doc, nil
}

// Record converts a stored document back to a record of desc.
func Record(desc *entity.Descriptor, doc bson.D) (ir.Object, error) {
	v, err := FromBSON(doc)
	if err != nil {
		return nil, err
	}
	rec := v.(ir.Object)
	delete(rec, "_id")
	return desc.Coerce(rec)
}
