package ir

import (
	"fmt"
	"slices"
	"strconv"
	"unicode/utf16"

	"github.com/cockroachdb/apd/v3"
)

// Value is a sealed interface representing one node of a record tree.
// Only the types in this file implement it.
type Value interface {
	irValue()
}

// Kind identifies the variant of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindString
	KindArray
	KindObject
)

var kindNames = [...]string{"null", "bool", "int", "float", "decimal", "string", "array", "object"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return KindNull, fmt.Errorf("unknown value kind %q", s)
}

// IsNumeric reports whether k is one of the numeric kinds.
func (k Kind) IsNumeric() bool {
	return k == KindInt || k == KindFloat || k == KindDecimal
}

// Null is the absent value. A nil Value is treated as Null everywhere.
type Null struct{}

func (Null) irValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) irValue() {}

// Int is a 64-bit integer value.
type Int int64

func (Int) irValue() {}

// Float is a 64-bit floating point value.
type Float float64

func (Float) irValue() {}

// String is a text value.
type String string

func (String) irValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) irValue() {}

// Object maps property names to values. It is the shape of a raw record.
type Object map[string]Value

func (Object) irValue() {}

// Decimal is an arbitrary precision decimal. The wrapped value is never
// mutated after construction.
type Decimal struct {
	d *apd.Decimal
}

func (Decimal) irValue() {}

// NewDecimal parses a decimal from its textual form.
func NewDecimal(s string) (Decimal, error) {
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return Decimal{}, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return Decimal{d: d}, nil
}

// MustDecimal is like NewDecimal but panics on error.
// Use only in tests or with constant input.
func MustDecimal(s string) Decimal {
	d, err := NewDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// DecimalFromApd wraps a copy of d.
func DecimalFromApd(d *apd.Decimal) Decimal {
	return Decimal{d: new(apd.Decimal).Set(d)}
}

// Apd returns a copy of the underlying decimal.
func (d Decimal) Apd() *apd.Decimal {
	if d.d == nil {
		return new(apd.Decimal)
	}
	return new(apd.Decimal).Set(d.d)
}

func (d Decimal) String() string {
	if d.d == nil {
		return "0"
	}
	return d.d.Text('f')
}

// Float64 converts the decimal to the nearest float64.
func (d Decimal) Float64() float64 {
	if d.d == nil {
		return 0
	}
	f, _ := d.d.Float64()
	return f
}

// KindOf returns the kind of v. A nil Value has KindNull.
func KindOf(v Value) Kind {
	switch v.(type) {
	case Bool:
		return KindBool
	case Int:
		return KindInt
	case Float:
		return KindFloat
	case Decimal:
		return KindDecimal
	case String:
		return KindString
	case Array:
		return KindArray
	case Object:
		return KindObject
	default:
		return KindNull
	}
}

// IsNull reports whether v is nil or Null.
func IsNull(v Value) bool {
	return KindOf(v) == KindNull
}

// Get walks a property path through nested objects.
func (o Object) Get(path ...string) (Value, bool) {
	var cur Value = o
	for _, name := range path {
		obj, ok := cur.(Object)
		if !ok {
			return nil, false
		}
		cur, ok = obj[name]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone returns a deep copy of o.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	out := make(Object, len(o))
	for k, v := range o {
		out[k] = Clone(v)
	}
	return out
}

// Without returns a shallow copy of o without the named properties.
func (o Object) Without(names ...string) Object {
	out := make(Object, len(o))
	for k, v := range o {
		if !slices.Contains(names, k) {
			out[k] = v
		}
	}
	return out
}

// Clone deep-copies arrays and objects; scalars are returned as is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Object:
		return val.Clone()
	case Array:
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	default:
		return v
	}
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's sort.Strings uses UTF-8 bytes, which orders some code points differently.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
