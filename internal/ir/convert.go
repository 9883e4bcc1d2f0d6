package ir

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// FromGo converts a Go value to a Value.
// Supported: nil, bool, integer and float types, string, json.Number,
// time.Time (RFC 3339 string), *apd.Decimal, []any, map[string]any and
// any Value.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int8:
		return Int(val), nil
	case int16:
		return Int(val), nil
	case int32:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint:
		if uint64(val) > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case uint8:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer %d overflows int64", val)
		}
		return Int(val), nil
	case float32:
		return Float(val), nil
	case float64:
		return Float(val), nil
	case string:
		return String(val), nil
	case []byte:
		return String(val), nil
	case json.Number:
		return numberValue(string(val))
	case time.Time:
		return String(val.UTC().Format(time.RFC3339Nano)), nil
	case *apd.Decimal:
		return DecimalFromApd(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case []Value:
		return Array(val), nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	case map[string]Value:
		return Object(val), nil
	default:
		return nil, fmt.Errorf("unsupported Go type %T", v)
	}
}

// MustFromGo is like FromGo but panics on error.
// Use only in tests or with constant input.
func MustFromGo(v any) Value {
	out, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return out
}

// ToGo converts a Value to plain Go values: nil, bool, int64, float64,
// string, []any and map[string]any. Decimals become their string form so
// they bind as statement parameters on every driver.
func ToGo(v Value) any {
	switch val := v.(type) {
	case Bool:
		return bool(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Decimal:
		return val.String()
	case String:
		return string(val)
	case Array:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ToGo(elem)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ToGo(elem)
		}
		return out
	default:
		return nil
	}
}

// Coerce converts v to kind k where a lossless or conventional conversion
// exists (numbers between kinds, numeric strings to numbers, 0/1 to bool).
// Null passes through unchanged.
func Coerce(v Value, k Kind) (Value, error) {
	from := KindOf(v)
	if from == k || from == KindNull {
		return v, nil
	}

	switch k {
	case KindInt:
		switch val := v.(type) {
		case Float:
			if float64(val) != math.Trunc(float64(val)) {
				return nil, fmt.Errorf("cannot coerce %v to int without loss", val)
			}
			return Int(int64(val)), nil
		case Decimal:
			i, err := val.Apd().Int64()
			if err != nil {
				return nil, fmt.Errorf("coerce decimal to int: %w", err)
			}
			return Int(i), nil
		case String:
			i, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("coerce string to int: %w", err)
			}
			return Int(i), nil
		case Bool:
			if val {
				return Int(1), nil
			}
			return Int(0), nil
		}
	case KindFloat:
		if from.IsNumeric() {
			return Float(ToFloat(v)), nil
		}
		if s, ok := v.(String); ok {
			f, err := strconv.ParseFloat(string(s), 64)
			if err != nil {
				return nil, fmt.Errorf("coerce string to float: %w", err)
			}
			return Float(f), nil
		}
	case KindDecimal:
		if from.IsNumeric() {
			d, ok := ToDecimal(v)
			if !ok {
				return nil, fmt.Errorf("cannot coerce %v to decimal", v)
			}
			return Decimal{d: d}, nil
		}
		if s, ok := v.(String); ok {
			return NewDecimal(string(s))
		}
	case KindBool:
		if i, ok := v.(Int); ok && (i == 0 || i == 1) {
			return Bool(i == 1), nil
		}
	case KindString:
		switch val := v.(type) {
		case Int:
			return String(strconv.FormatInt(int64(val), 10)), nil
		case Float:
			return String(strconv.FormatFloat(float64(val), 'g', -1, 64)), nil
		case Decimal:
			return String(val.String()), nil
		}
	case KindArray, KindObject:
		if s, ok := v.(String); ok {
			parsed, err := ParseJSON([]byte(s))
			if err != nil {
				return nil, fmt.Errorf("coerce string to %s: %w", k, err)
			}
			if KindOf(parsed) != k {
				return nil, fmt.Errorf("coerce string to %s: got %s", k, KindOf(parsed))
			}
			return parsed, nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %s to %s", from, k)
}

func numberValue(s string) (Value, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f), nil
}
