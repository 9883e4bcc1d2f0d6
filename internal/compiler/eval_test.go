package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
)

func sampleOrder() ir.Object {
	return ir.Object{
		"id":     ir.Int(1),
		"total":  ir.Int(10),
		"status": ir.String("NEW"),
		"note":   ir.String("50%_off"),
		"customer": ir.Object{
			"name": ir.String("Ada"),
		},
		"items": ir.Array{
			ir.Object{"qty": ir.Int(1), "price": ir.MustDecimal("2.50")},
			ir.Object{"qty": ir.Int(3), "price": ir.MustDecimal("1.25")},
		},
	}
}

func TestEvaluator(t *testing.T) {
	c := New(Evaluator())
	rec := sampleOrder()

	tests := []struct {
		name string
		e    expr.Expr
		want ir.Value
	}{
		{"gt", expr.Gt(expr.Num("total"), expr.C(5)), ir.Bool(true)},
		{"and", expr.And(expr.Eq(expr.Str("status"), expr.C("NEW")), expr.Lt(expr.Num("total"), expr.C(20))), ir.Bool(true)},
		{"missing equals null", expr.Eq(expr.P("missing"), expr.C(nil)), ir.Bool(true)},
		{"null never orders", expr.Gt(expr.P("missing"), expr.C(1)), ir.Bool(false)},
		{"compose", expr.Then(expr.Obj("customer"), expr.Eq(expr.Str("name"), expr.C("Ada"))), ir.Bool(true)},
		{"any", expr.Any(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))), ir.Bool(true)},
		{"all", expr.All(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))), ir.Bool(false)},
		{"count", expr.Count(expr.Coll("items"), nil), ir.Int(2)},
		{"count matching", expr.Count(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))), ir.Int(1)},
		{"sum promotes to decimal", expr.Sum(expr.Coll("items"), expr.Mul(expr.Num("qty"), expr.Num("price"))), ir.MustDecimal("6.25")},
		{"max", expr.Max(expr.Coll("items"), expr.Num("qty")), ir.Int(3)},
		{"avg", expr.Avg(expr.Coll("items"), expr.Num("qty")), ir.Float(2)},
		{"map", expr.Map(expr.Coll("items"), expr.Num("qty")), ir.Array{ir.Int(1), ir.Int(3)}},
		{"contains is literal", expr.Contains(expr.Str("note"), expr.C("%_")), ir.Bool(true)},
		{"wildcards do not match", expr.Contains(expr.Str("note"), expr.C("5_%")), ir.Bool(false)},
		{"search folds case", expr.SearchText(expr.Then(expr.Obj("customer"), expr.Str("name")), expr.C("ADA")), ir.Bool(true)},
		{"in", expr.In(expr.P("status"), expr.C([]any{"NEW", "PAID"})), ir.Bool(true)},
		{"length", expr.Length(expr.Str("status")), ir.Int(3)},
		{"concat", expr.Concat(expr.Str("status"), expr.C("!")), ir.String("NEW!")},
		{"upper", expr.Upper(expr.Then(expr.Obj("customer"), expr.Str("name"))), ir.String("ADA")},
		{"starts with", expr.StartsWith(expr.Str("status"), expr.C("NE")), ir.Bool(true)},
		{"not null", expr.IsNotNull(expr.P("customer")), ir.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := c.Compile(tt.e)
			require.NoError(t, err)
			got, err := fn(rec)
			require.NoError(t, err)
			assert.Equal(t, ir.KindOf(tt.want), ir.KindOf(got), "kind of %v", got)
			assert.True(t, ir.Equal(tt.want, got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestEvaluatorFilterKeepsElements(t *testing.T) {
	fn, err := New(Evaluator()).Compile(expr.Filter(expr.Coll("items"), expr.Gt(expr.Num("qty"), expr.C(2))))
	require.NoError(t, err)
	got, err := fn(sampleOrder())
	require.NoError(t, err)

	arr, ok := got.(ir.Array)
	require.True(t, ok)
	require.Len(t, arr, 1)
	assert.True(t, ir.Equal(ir.Int(3), arr[0].(ir.Object)["qty"]))
}

func TestPredicate(t *testing.T) {
	c := New(Evaluator())

	match, err := Predicate(c, expr.Gt(expr.Num("total"), expr.C(5)))
	require.NoError(t, err)
	ok, err := match(sampleOrder())
	require.NoError(t, err)
	assert.True(t, ok)

	all, err := Predicate(c, nil)
	require.NoError(t, err)
	ok, err = all(ir.Object{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNumericPromotion(t *testing.T) {
	tests := []struct {
		name string
		op   expr.Op
		a, b ir.Value
		want ir.Value
	}{
		{"int + int", expr.OpAdd, ir.Int(1), ir.Int(2), ir.Int(3)},
		{"int / int truncates", expr.OpDiv, ir.Int(7), ir.Int(2), ir.Int(3)},
		{"int % int", expr.OpMod, ir.Int(7), ir.Int(4), ir.Int(3)},
		{"int * float", expr.OpMul, ir.Int(2), ir.Float(1.5), ir.Float(3)},
		{"float - int", expr.OpSub, ir.Float(2.5), ir.Int(1), ir.Float(1.5)},
		{"int + decimal", expr.OpAdd, ir.Int(1), ir.MustDecimal("0.10"), ir.MustDecimal("1.10")},
		{"decimal / int", expr.OpDiv, ir.MustDecimal("1"), ir.Int(4), ir.MustDecimal("0.25")},
		{"float + decimal", expr.OpAdd, ir.Float(0.5), ir.MustDecimal("0.25"), ir.MustDecimal("0.75")},
		{"null operand", expr.OpAdd, ir.Null{}, ir.Int(1), ir.Null{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Arith(tt.op, tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, ir.KindOf(tt.want), ir.KindOf(got))
			assert.True(t, ir.Equal(tt.want, got), "want %v, got %v", tt.want, got)
		})
	}
}

func TestArithErrors(t *testing.T) {
	_, err := Arith(expr.OpDiv, ir.Int(1), ir.Int(0))
	assert.ErrorContains(t, err, "division by zero")

	_, err = Arith(expr.OpDiv, ir.MustDecimal("1"), ir.Int(0))
	assert.Error(t, err)

	_, err = Arith(expr.OpAdd, ir.String("1"), ir.Int(1))
	assert.ErrorContains(t, err, "not numeric")
}

func TestNegate(t *testing.T) {
	got, err := Negate(ir.MustDecimal("1.5"))
	require.NoError(t, err)
	assert.True(t, ir.Equal(ir.MustDecimal("-1.5"), got))

	got, err = Negate(ir.Int(2))
	require.NoError(t, err)
	assert.Equal(t, ir.Int(-2), got)

	_, err = Negate(ir.String("x"))
	assert.Error(t, err)
}

func TestExtremeAndAverageSkipNulls(t *testing.T) {
	vals := ir.Array{ir.Null{}, ir.Int(4), ir.Int(2)}
	assert.Equal(t, ir.Value(ir.Int(4)), Extreme(true, vals))
	assert.Equal(t, ir.Value(ir.Int(2)), Extreme(false, vals))

	avg, err := Average(vals)
	require.NoError(t, err)
	assert.Equal(t, ir.Value(ir.Float(3)), avg)

	empty, err := Average(ir.Array{})
	require.NoError(t, err)
	assert.True(t, ir.IsNull(empty))
}
