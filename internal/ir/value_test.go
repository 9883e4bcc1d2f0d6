package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueSealed(t *testing.T) {
	var _ Value = Null{}
	var _ Value = Bool(true)
	var _ Value = Int(42)
	var _ Value = Float(1.5)
	var _ Value = MustDecimal("1.25")
	var _ Value = String("x")
	var _ Value = Array{Int(1)}
	var _ Value = Object{"k": String("v")}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		value Value
		kind  Kind
	}{
		{nil, KindNull},
		{Null{}, KindNull},
		{Bool(false), KindBool},
		{Int(1), KindInt},
		{Float(1), KindFloat},
		{MustDecimal("1"), KindDecimal},
		{String(""), KindString},
		{Array{}, KindArray},
		{Object{}, KindObject},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.value))
		})
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("decimal")
	require.NoError(t, err)
	assert.Equal(t, KindDecimal, k)

	_, err = ParseKind("money")
	assert.Error(t, err)
}

func TestCompareFamilies(t *testing.T) {
	ordered := []Value{Null{}, Bool(false), Bool(true), Int(-1), Float(0.5), String(""), String("a"), Array{}, Object{}}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, Compare(ordered[i], ordered[i+1]), "%v < %v", ordered[i], ordered[i+1])
		assert.Positive(t, Compare(ordered[i+1], ordered[i]), "%v > %v", ordered[i+1], ordered[i])
	}
}

func TestCompareNumbersAcrossKinds(t *testing.T) {
	assert.Equal(t, 0, Compare(Int(2), Float(2)))
	assert.Equal(t, 0, Compare(MustDecimal("2.5"), Float(2.5)))
	assert.Equal(t, 0, Compare(MustDecimal("3.00"), Int(3)))
	assert.Negative(t, Compare(Int(1), Float(1.5)))
	assert.Positive(t, Compare(MustDecimal("2.01"), Int(2)))
	assert.Negative(t, Compare(Float(math.Inf(-1)), MustDecimal("-1000")))
}

func TestCompareCollections(t *testing.T) {
	assert.Negative(t, Compare(Array{Int(1)}, Array{Int(1), Int(0)}))
	assert.Negative(t, Compare(Array{Int(1), Int(2)}, Array{Int(1), Int(3)}))
	assert.Equal(t, 0, Compare(Object{"a": Int(1), "b": String("x")}, Object{"b": String("x"), "a": Float(1)}))
	assert.Negative(t, Compare(Object{"a": Int(1)}, Object{"a": Int(2)}))
}

func TestEqualNilIsNull(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, IsNull(nil))
	assert.False(t, IsNull(Int(0)))
}

func TestObjectGet(t *testing.T) {
	obj := Object{"customer": Object{"name": String("ada"), "address": Object{"city": String("Paris")}}}

	v, ok := obj.Get("customer", "address", "city")
	require.True(t, ok)
	assert.Equal(t, String("Paris"), v)

	_, ok = obj.Get("customer", "name", "first")
	assert.False(t, ok)
}

func TestObjectCloneIsDeep(t *testing.T) {
	orig := Object{"items": Array{Object{"qty": Int(1)}}}
	clone := orig.Clone()
	clone["items"].(Array)[0].(Object)["qty"] = Int(99)

	assert.Equal(t, Int(1), orig["items"].(Array)[0].(Object)["qty"])
}

func TestObjectWithout(t *testing.T) {
	obj := Object{"id": Int(1), "version": Int(3), "total": Int(10)}
	assert.Equal(t, Object{"id": Int(1), "total": Int(10)}, obj.Without("version"))
	assert.Len(t, obj, 3)
}

func TestSortedKeysUTF16Order(t *testing.T) {
	obj := Object{"b": Null{}, "a": Null{}, "B": Null{}, "\u00e9": Null{}}
	assert.Equal(t, []string{"B", "a", "b", "\u00e9"}, obj.SortedKeys())
}

func TestFromGoAndBack(t *testing.T) {
	in := map[string]any{
		"id":     7,
		"name":   "widget",
		"price":  2.5,
		"tags":   []any{"a", "b"},
		"active": true,
		"none":   nil,
	}
	v, err := FromGo(in)
	require.NoError(t, err)

	want := Object{
		"id":     Int(7),
		"name":   String("widget"),
		"price":  Float(2.5),
		"tags":   Array{String("a"), String("b")},
		"active": Bool(true),
		"none":   Null{},
	}
	assert.Equal(t, want, v)

	back := ToGo(v).(map[string]any)
	assert.Equal(t, int64(7), back["id"])
	assert.Equal(t, 2.5, back["price"])
	assert.Nil(t, back["none"])
}

func TestFromGoRejectsUnknownTypes(t *testing.T) {
	_, err := FromGo(struct{}{})
	assert.Error(t, err)

	_, err = FromGo(uint64(math.MaxUint64))
	assert.Error(t, err)
}

func TestToGoDecimalIsString(t *testing.T) {
	assert.Equal(t, "10.50", ToGo(MustDecimal("10.50")))
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		kind Kind
		want Value
	}{
		{"float to int", Float(3), KindInt, Int(3)},
		{"int to float", Int(3), KindFloat, Float(3)},
		{"string to decimal", String("1.25"), KindDecimal, MustDecimal("1.25")},
		{"int to bool", Int(1), KindBool, Bool(true)},
		{"int to string", Int(12), KindString, String("12")},
		{"json to object", String(`{"a":1}`), KindObject, Object{"a": Int(1)}},
		{"null passes", Null{}, KindInt, Null{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.in, tt.kind)
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "got %v", got)
			assert.Equal(t, KindOf(tt.want), KindOf(got))
		})
	}

	_, err := Coerce(Float(3.5), KindInt)
	assert.Error(t, err)
	_, err = Coerce(String("abc"), KindInt)
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	v, err := ParseJSON([]byte(`{"a":1,"b":[true,null,"x"],"c":1.5}`))
	require.NoError(t, err)
	assert.Equal(t, Object{
		"a": Int(1),
		"b": Array{Bool(true), Null{}, String("x")},
		"c": Float(1.5),
	}, v)

	out, err := Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":[true,null,"x"],"c":1.5}`, string(out))
}

func TestObjectUnmarshalJSON(t *testing.T) {
	var obj Object
	require.NoError(t, obj.UnmarshalJSON([]byte(`{"total":20}`)))
	assert.Equal(t, Object{"total": Int(20)}, obj)

	assert.Error(t, obj.UnmarshalJSON([]byte(`[1]`)))
}

func TestMarshalDecimalKeepsDigits(t *testing.T) {
	out, err := Marshal(Object{"price": MustDecimal("10.50")})
	require.NoError(t, err)
	assert.Equal(t, `{"price":10.50}`, string(out))
}
