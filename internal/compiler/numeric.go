package compiler

import (
	"fmt"
	"math"

	"github.com/cockroachdb/apd/v3"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
)

// promotion maps the runtime kinds of two numeric operands to the kind the
// operation runs in. Pairs not listed are not numeric.
var promotion = map[[2]ir.Kind]ir.Kind{
	{ir.KindInt, ir.KindInt}:         ir.KindInt,
	{ir.KindInt, ir.KindFloat}:       ir.KindFloat,
	{ir.KindFloat, ir.KindInt}:       ir.KindFloat,
	{ir.KindFloat, ir.KindFloat}:     ir.KindFloat,
	{ir.KindInt, ir.KindDecimal}:     ir.KindDecimal,
	{ir.KindDecimal, ir.KindInt}:     ir.KindDecimal,
	{ir.KindFloat, ir.KindDecimal}:   ir.KindDecimal,
	{ir.KindDecimal, ir.KindFloat}:   ir.KindDecimal,
	{ir.KindDecimal, ir.KindDecimal}: ir.KindDecimal,
}

// decimalContext carries 34 significant digits (IEEE 754 decimal128).
var decimalContext = apd.BaseContext.WithPrecision(34)

// Promote returns the kind a binary numeric operation on a and b runs in.
func Promote(a, b ir.Value) (ir.Kind, bool) {
	k, ok := promotion[[2]ir.Kind{ir.KindOf(a), ir.KindOf(b)}]
	return k, ok
}

// Arith applies a numeric binary operator after promotion. A null operand
// yields null.
func Arith(op expr.Op, a, b ir.Value) (ir.Value, error) {
	if ir.IsNull(a) || ir.IsNull(b) {
		return ir.Null{}, nil
	}
	kind, ok := Promote(a, b)
	if !ok {
		return nil, fmt.Errorf("%s: operands %s and %s are not numeric", op, ir.KindOf(a), ir.KindOf(b))
	}

	switch kind {
	case ir.KindInt:
		x, y := int64(a.(ir.Int)), int64(b.(ir.Int))
		switch op {
		case expr.OpAdd:
			return ir.Int(x + y), nil
		case expr.OpSub:
			return ir.Int(x - y), nil
		case expr.OpMul:
			return ir.Int(x * y), nil
		case expr.OpDiv, expr.OpMod:
			if y == 0 {
				return nil, fmt.Errorf("%s: integer division by zero", op)
			}
			if op == expr.OpDiv {
				return ir.Int(x / y), nil
			}
			return ir.Int(x % y), nil
		}

	case ir.KindFloat:
		x, y := ir.ToFloat(a), ir.ToFloat(b)
		switch op {
		case expr.OpAdd:
			return ir.Float(x + y), nil
		case expr.OpSub:
			return ir.Float(x - y), nil
		case expr.OpMul:
			return ir.Float(x * y), nil
		case expr.OpDiv:
			return ir.Float(x / y), nil
		case expr.OpMod:
			return ir.Float(math.Mod(x, y)), nil
		}

	case ir.KindDecimal:
		x, okx := ir.ToDecimal(a)
		y, oky := ir.ToDecimal(b)
		if !okx || !oky {
			return nil, fmt.Errorf("%s: operand has no decimal form", op)
		}
		z := new(apd.Decimal)
		var err error
		switch op {
		case expr.OpAdd:
			_, err = decimalContext.Add(z, x, y)
		case expr.OpSub:
			_, err = decimalContext.Sub(z, x, y)
		case expr.OpMul:
			_, err = decimalContext.Mul(z, x, y)
		case expr.OpDiv:
			_, err = decimalContext.Quo(z, x, y)
		case expr.OpMod:
			_, err = decimalContext.Rem(z, x, y)
		default:
			return nil, fmt.Errorf("%s is not arithmetic", op)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return ir.DecimalFromApd(z), nil
	}
	return nil, fmt.Errorf("%s is not arithmetic", op)
}

// Negate flips the sign of a number. Null yields null.
func Negate(v ir.Value) (ir.Value, error) {
	switch val := v.(type) {
	case nil, ir.Null:
		return ir.Null{}, nil
	case ir.Int:
		return -val, nil
	case ir.Float:
		return -val, nil
	case ir.Decimal:
		z := new(apd.Decimal)
		z.Neg(val.Apd())
		return ir.DecimalFromApd(z), nil
	}
	return nil, fmt.Errorf("neg: %s is not numeric", ir.KindOf(v))
}
