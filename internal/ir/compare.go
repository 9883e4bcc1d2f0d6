package ir

import (
	"cmp"
	"math"
	"strings"

	"github.com/cockroachdb/apd/v3"
)

// rank orders the value families for Compare: null < bool < number < string < array < object.
func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat, KindDecimal:
		return 2
	case KindString:
		return 3
	case KindArray:
		return 4
	default:
		return 5
	}
}

// Compare is a total order over values. Numbers of different kinds compare
// by value after promotion, so Int(2) and Float(2) are equal.
func Compare(a, b Value) int {
	ka, kb := KindOf(a), KindOf(b)
	if ra, rb := rank(ka), rank(kb); ra != rb {
		return cmp.Compare(ra, rb)
	}

	switch ka {
	case KindNull:
		return 0
	case KindBool:
		return compareBool(bool(a.(Bool)), bool(b.(Bool)))
	case KindInt, KindFloat, KindDecimal:
		return compareNumbers(a, b)
	case KindString:
		return strings.Compare(string(a.(String)), string(b.(String)))
	case KindArray:
		return compareArrays(a.(Array), b.(Array))
	default:
		return compareObjects(a.(Object), b.(Object))
	}
}

// Equal reports whether Compare(a, b) == 0.
func Equal(a, b Value) bool {
	return Compare(a, b) == 0
}

func compareBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

func compareNumbers(a, b Value) int {
	ka, kb := KindOf(a), KindOf(b)
	switch {
	case ka == KindInt && kb == KindInt:
		return cmp.Compare(a.(Int), b.(Int))
	case ka == KindDecimal || kb == KindDecimal:
		da, okA := ToDecimal(a)
		db, okB := ToDecimal(b)
		if !okA || !okB {
			// NaN or infinity on the float side; fall back to float order.
			return cmp.Compare(ToFloat(a), ToFloat(b))
		}
		return da.Cmp(db)
	default:
		return cmp.Compare(ToFloat(a), ToFloat(b))
	}
}

func compareArrays(a, b Array) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func compareObjects(a, b Object) int {
	ka, kb := a.SortedKeys(), b.SortedKeys()
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := compareKeysRFC8785(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Compare(a[ka[i]], b[kb[i]]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(ka), len(kb))
}

// ToFloat converts a numeric value to float64. Non-numeric values give NaN.
func ToFloat(v Value) float64 {
	switch n := v.(type) {
	case Int:
		return float64(n)
	case Float:
		return float64(n)
	case Decimal:
		return n.Float64()
	default:
		return math.NaN()
	}
}

// ToDecimal converts a numeric value to an apd decimal.
// It returns false for non-numeric values and non-finite floats.
func ToDecimal(v Value) (*apd.Decimal, bool) {
	switch n := v.(type) {
	case Int:
		return apd.New(int64(n), 0), true
	case Float:
		f := float64(n)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		d, err := new(apd.Decimal).SetFloat64(f)
		if err != nil {
			return nil, false
		}
		return d, true
	case Decimal:
		return n.Apd(), true
	default:
		return nil, false
	}
}
