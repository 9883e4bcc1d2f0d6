package compiler

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/repoerr"
)

// Func evaluates a compiled expression against its argument.
type Func func(arg ir.Value) (ir.Value, error)

func identity(arg ir.Value) (ir.Value, error) { return arg, nil }

// Evaluator returns the table compiling expressions into closures over
// ir values. It backs the in-memory store and live-query filtering.
func Evaluator() *Table[Func] {
	t := NewTable[Func]()
	t.Root = identity
	t.Element = func(int) Func { return identity }

	t.SetNode(expr.NodeArg, func(c *Context[Func], _ expr.Expr, _ []Func) (Func, error) {
		return c.Arg(), nil
	})
	t.SetNode(expr.NodeConst, func(_ *Context[Func], n expr.Expr, _ []Func) (Func, error) {
		v := n.(expr.Const).Value
		if v == nil {
			v = ir.Null{}
		}
		return func(ir.Value) (ir.Value, error) { return v, nil }, nil
	})
	t.SetNode(expr.NodeProp, func(_ *Context[Func], n expr.Expr, args []Func) (Func, error) {
		name, target := n.(expr.Prop).Name, args[0]
		return func(arg ir.Value) (ir.Value, error) {
			v, err := target(arg)
			if err != nil {
				return nil, err
			}
			if obj, ok := v.(ir.Object); ok {
				if field, ok := obj[name]; ok && field != nil {
					return field, nil
				}
			}
			return ir.Null{}, nil
		}, nil
	})

	t.SetOp(expr.OpNot, unaryFunc(func(v ir.Value) (ir.Value, error) {
		return ir.Bool(!Truthy(v)), nil
	}))
	t.SetOp(expr.OpNegate, unaryFunc(Negate))
	t.SetOp(expr.OpIsNull, unaryFunc(func(v ir.Value) (ir.Value, error) {
		return ir.Bool(ir.IsNull(v)), nil
	}))
	t.SetOp(expr.OpIsNotNull, unaryFunc(func(v ir.Value) (ir.Value, error) {
		return ir.Bool(!ir.IsNull(v)), nil
	}))
	// Casers keep state, so each call gets its own.
	t.SetOp(expr.OpLower, unaryFunc(stringFunc(func(s string) string {
		return cases.Lower(language.Und).String(s)
	})))
	t.SetOp(expr.OpUpper, unaryFunc(stringFunc(func(s string) string {
		return cases.Upper(language.Und).String(s)
	})))
	t.SetOp(expr.OpLength, unaryFunc(length))

	t.SetOp(expr.OpAnd, func(_ *Context[Func], _ expr.Expr, args []Func) (Func, error) {
		l, r := args[0], args[1]
		return func(arg ir.Value) (ir.Value, error) {
			lv, err := l(arg)
			if err != nil || !Truthy(lv) {
				return ir.Bool(false), err
			}
			rv, err := r(arg)
			if err != nil {
				return nil, err
			}
			return ir.Bool(Truthy(rv)), nil
		}, nil
	})
	t.SetOp(expr.OpOr, func(_ *Context[Func], _ expr.Expr, args []Func) (Func, error) {
		l, r := args[0], args[1]
		return func(arg ir.Value) (ir.Value, error) {
			lv, err := l(arg)
			if err != nil {
				return nil, err
			}
			if Truthy(lv) {
				return ir.Bool(true), nil
			}
			rv, err := r(arg)
			if err != nil {
				return nil, err
			}
			return ir.Bool(Truthy(rv)), nil
		}, nil
	})

	t.SetOp(expr.OpEq, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		return ir.Bool(valuesEqual(a, b)), nil
	}))
	t.SetOp(expr.OpNe, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		return ir.Bool(!valuesEqual(a, b)), nil
	}))
	t.SetOp(expr.OpLt, ordering(func(c int) bool { return c < 0 }))
	t.SetOp(expr.OpLe, ordering(func(c int) bool { return c <= 0 }))
	t.SetOp(expr.OpGt, ordering(func(c int) bool { return c > 0 }))
	t.SetOp(expr.OpGe, ordering(func(c int) bool { return c >= 0 }))

	for _, op := range []expr.Op{expr.OpAdd, expr.OpSub, expr.OpMul, expr.OpDiv, expr.OpMod} {
		t.SetOp(op, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
			return Arith(op, a, b)
		}))
	}

	t.SetOp(expr.OpContains, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		if arr, ok := a.(ir.Array); ok {
			return ir.Bool(member(b, arr)), nil
		}
		return stringTest(a, b, strings.Contains)
	}))
	t.SetOp(expr.OpStartsWith, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		return stringTest(a, b, strings.HasPrefix)
	}))
	t.SetOp(expr.OpEndsWith, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		return stringTest(a, b, strings.HasSuffix)
	}))
	t.SetOp(expr.OpSearchText, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		return stringTest(a, b, func(s, sub string) bool {
			return strings.Contains(foldText(s), foldText(sub))
		})
	}))
	t.SetOp(expr.OpIn, binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		arr, ok := b.(ir.Array)
		if !ok {
			return ir.Bool(false), nil
		}
		return ir.Bool(member(a, arr)), nil
	}))
	t.SetOp(expr.OpConcat, binaryFunc(concat))

	for _, op := range []expr.Op{
		expr.OpFilter, expr.OpMap, expr.OpFlatMap, expr.OpAny, expr.OpAll,
		expr.OpCount, expr.OpSum, expr.OpMin, expr.OpMax, expr.OpAvg,
	} {
		t.SetOp(op, collectionFunc)
	}
	return t
}

// foldText normalizes s for case-insensitive matching.
func foldText(s string) string {
	return cases.Fold().String(norm.NFC.String(s))
}

// Truthy reports whether v counts as true in a predicate. Only Bool(true)
// and non-zero integers do.
func Truthy(v ir.Value) bool {
	switch val := v.(type) {
	case ir.Bool:
		return bool(val)
	case ir.Int:
		return val != 0
	default:
		return false
	}
}

// Predicate compiles e with the evaluator and returns a record test.
func Predicate(c *Compiler[Func], e expr.Expr) (func(ir.Value) (bool, error), error) {
	if e == nil {
		return func(ir.Value) (bool, error) { return true, nil }, nil
	}
	fn, err := c.Compile(e)
	if err != nil {
		return nil, err
	}
	return func(v ir.Value) (bool, error) {
		out, err := fn(v)
		if err != nil {
			return false, err
		}
		return Truthy(out), nil
	}, nil
}

func unaryFunc(op func(ir.Value) (ir.Value, error)) Reducer[Func] {
	return func(_ *Context[Func], _ expr.Expr, args []Func) (Func, error) {
		x := args[0]
		return func(arg ir.Value) (ir.Value, error) {
			v, err := x(arg)
			if err != nil {
				return nil, err
			}
			return op(v)
		}, nil
	}
}

func binaryFunc(op func(a, b ir.Value) (ir.Value, error)) Reducer[Func] {
	return func(_ *Context[Func], _ expr.Expr, args []Func) (Func, error) {
		l, r := args[0], args[1]
		return func(arg ir.Value) (ir.Value, error) {
			a, err := l(arg)
			if err != nil {
				return nil, err
			}
			b, err := r(arg)
			if err != nil {
				return nil, err
			}
			return op(a, b)
		}, nil
	}
}

// ordering compares like SQL: any null operand makes the comparison false.
func ordering(accept func(int) bool) Reducer[Func] {
	return binaryFunc(func(a, b ir.Value) (ir.Value, error) {
		if ir.IsNull(a) || ir.IsNull(b) {
			return ir.Bool(false), nil
		}
		return ir.Bool(accept(ir.Compare(a, b))), nil
	})
}

func valuesEqual(a, b ir.Value) bool {
	if ir.IsNull(a) || ir.IsNull(b) {
		return ir.IsNull(a) && ir.IsNull(b)
	}
	return ir.Compare(a, b) == 0
}

func member(v ir.Value, arr ir.Array) bool {
	for _, elem := range arr {
		if valuesEqual(v, elem) {
			return true
		}
	}
	return false
}

func stringFunc(f func(string) string) func(ir.Value) (ir.Value, error) {
	return func(v ir.Value) (ir.Value, error) {
		switch s := v.(type) {
		case ir.String:
			return ir.String(f(string(s))), nil
		case nil, ir.Null:
			return ir.Null{}, nil
		}
		return nil, fmt.Errorf("expected string, got %s", ir.KindOf(v))
	}
}

// stringTest matches substrings literally; wildcard characters carry no
// meaning here.
func stringTest(a, b ir.Value, test func(s, sub string) bool) (ir.Value, error) {
	s, ok1 := a.(ir.String)
	sub, ok2 := b.(ir.String)
	if !ok1 || !ok2 {
		return ir.Bool(false), nil
	}
	return ir.Bool(test(string(s), string(sub))), nil
}

func length(v ir.Value) (ir.Value, error) {
	switch val := v.(type) {
	case ir.String:
		return ir.Int(utf8.RuneCountInString(string(val))), nil
	case ir.Array:
		return ir.Int(len(val)), nil
	case nil, ir.Null:
		return ir.Null{}, nil
	}
	return nil, fmt.Errorf("length: %s has no length", ir.KindOf(v))
}

func concat(a, b ir.Value) (ir.Value, error) {
	if ir.IsNull(a) || ir.IsNull(b) {
		return ir.Null{}, nil
	}
	if x, ok := a.(ir.Array); ok {
		if y, ok := b.(ir.Array); ok {
			out := make(ir.Array, 0, len(x)+len(y))
			return append(append(out, x...), y...), nil
		}
	}
	x, err := ir.Coerce(a, ir.KindString)
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	y, err := ir.Coerce(b, ir.KindString)
	if err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	return x.(ir.String) + y.(ir.String), nil
}

func collectionFunc(_ *Context[Func], n expr.Expr, args []Func) (Func, error) {
	col := n.(expr.Collection)
	src := args[0]
	fn := Func(identity)
	if len(args) > 1 {
		fn = args[1]
	} else if !col.Op.IsAggregate() {
		return nil, repoerr.Unsupported(fmt.Sprintf("operator %s without a function", col.Op))
	}

	return func(arg ir.Value) (ir.Value, error) {
		v, err := src(arg)
		if err != nil {
			return nil, err
		}
		elems, _ := v.(ir.Array)

		// Count without a function counts every element.
		if col.Op == expr.OpCount && len(args) == 1 {
			return ir.Int(len(elems)), nil
		}

		mapped := make(ir.Array, 0, len(elems))
		for _, elem := range elems {
			out, err := fn(elem)
			if err != nil {
				return nil, err
			}
			mapped = append(mapped, out)
		}
		return reduceCollection(col.Op, elems, mapped)
	}, nil
}

func reduceCollection(op expr.Op, elems, mapped ir.Array) (ir.Value, error) {
	switch op {
	case expr.OpFilter:
		out := ir.Array{}
		for i, m := range mapped {
			if Truthy(m) {
				out = append(out, elems[i])
			}
		}
		return out, nil
	case expr.OpMap:
		return mapped, nil
	case expr.OpFlatMap:
		out := ir.Array{}
		for _, m := range mapped {
			if inner, ok := m.(ir.Array); ok {
				out = append(out, inner...)
			} else if !ir.IsNull(m) {
				out = append(out, m)
			}
		}
		return out, nil
	case expr.OpAny:
		for _, m := range mapped {
			if Truthy(m) {
				return ir.Bool(true), nil
			}
		}
		return ir.Bool(false), nil
	case expr.OpAll:
		for _, m := range mapped {
			if !Truthy(m) {
				return ir.Bool(false), nil
			}
		}
		return ir.Bool(true), nil
	case expr.OpCount:
		n := 0
		for _, m := range mapped {
			if Truthy(m) {
				n++
			}
		}
		return ir.Int(n), nil
	case expr.OpSum:
		var sum ir.Value = ir.Int(0)
		for _, m := range mapped {
			if ir.IsNull(m) {
				continue
			}
			var err error
			if sum, err = Arith(expr.OpAdd, sum, m); err != nil {
				return nil, fmt.Errorf("sum: %w", err)
			}
		}
		return sum, nil
	case expr.OpAvg:
		return Average(mapped)
	case expr.OpMin, expr.OpMax:
		return Extreme(op == expr.OpMax, mapped), nil
	}
	return nil, repoerr.Unsupported(fmt.Sprintf("operator %s", op))
}

// Average returns the mean of the non-null values, or null when there are
// none. Integer and float inputs average as float; any decimal input keeps
// the result decimal.
func Average(vals ir.Array) (ir.Value, error) {
	var sum ir.Value = ir.Float(0)
	count := 0
	for _, v := range vals {
		if ir.IsNull(v) {
			continue
		}
		var err error
		if sum, err = Arith(expr.OpAdd, sum, v); err != nil {
			return nil, fmt.Errorf("avg: %w", err)
		}
		count++
	}
	if count == 0 {
		return ir.Null{}, nil
	}
	return Arith(expr.OpDiv, sum, ir.Int(count))
}

// Extreme returns the largest (max) or smallest non-null value, or null.
func Extreme(max bool, vals ir.Array) ir.Value {
	var best ir.Value = ir.Null{}
	for _, v := range vals {
		if ir.IsNull(v) {
			continue
		}
		if ir.IsNull(best) {
			best = v
			continue
		}
		c := ir.Compare(v, best)
		if (max && c > 0) || (!max && c < 0) {
			best = v
		}
	}
	return best
}

// Reduce applies an aggregate operator to already evaluated values. Count
// counts the non-null values.
func Reduce(op expr.Op, vals ir.Array) (ir.Value, error) {
	if op == expr.OpCount {
		n := 0
		for _, v := range vals {
			if !ir.IsNull(v) {
				n++
			}
		}
		return ir.Int(n), nil
	}
	if !op.IsAggregate() {
		return nil, repoerr.Unsupported(fmt.Sprintf("aggregate operator %s", op))
	}
	return reduceCollection(op, vals, vals)
}
