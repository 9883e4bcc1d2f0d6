package expr

import (
	"github.com/roach88/quarry/internal/ir"
)

// P is a comparable property chain rooted at the argument: P("a", "b") is a.b.
func P(path ...string) Expr { return Path(path).Expr(KindComparable) }

// Num is a numeric property chain.
func Num(path ...string) Expr { return Path(path).Expr(KindNumeric) }

// Str is a string property chain.
func Str(path ...string) Expr { return Path(path).Expr(KindString) }

// Bool is a boolean property chain.
func Bool(path ...string) Expr { return Path(path).Expr(KindBool) }

// Coll is a collection property chain.
func Coll(path ...string) Expr { return Path(path).Expr(KindCollection) }

// Obj is an object property chain.
func Obj(path ...string) Expr { return Path(path).Expr(KindObject) }

// Field accesses name on an arbitrary target.
func Field(target Expr, name string, k ValueKind) Expr {
	return Prop{Target: target, Name: name, K: k}
}

// C is a constant from a Go value. It panics on unsupported types; use Lit
// for values that are already converted.
func C(v any) Expr {
	return Lit(ir.MustFromGo(v))
}

// Lit is a constant whose kind follows the value.
func Lit(v ir.Value) Expr {
	if v == nil {
		v = ir.Null{}
	}
	return Const{Value: v, K: KindOfValue(ir.KindOf(v))}
}

// Self is the current argument.
func Self() Expr { return Arg{} }

func unary(op Op, x Expr) Expr {
	return Unary{Op: op, X: x, K: resultKind(op, x.Kind())}
}

func binary(op Op, l, r Expr) Expr {
	return Binary{Op: op, L: l, R: r, K: resultKind(op, l.Kind())}
}

func Not(x Expr) Expr       { return unary(OpNot, x) }
func Negate(x Expr) Expr    { return unary(OpNegate, x) }
func IsNull(x Expr) Expr    { return unary(OpIsNull, x) }
func IsNotNull(x Expr) Expr { return unary(OpIsNotNull, x) }
func Lower(x Expr) Expr     { return unary(OpLower, x) }
func Upper(x Expr) Expr     { return unary(OpUpper, x) }
func Length(x Expr) Expr    { return unary(OpLength, x) }

func Eq(l, r Expr) Expr  { return binary(OpEq, l, r) }
func Ne(l, r Expr) Expr  { return binary(OpNe, l, r) }
func Lt(l, r Expr) Expr  { return binary(OpLt, l, r) }
func Le(l, r Expr) Expr  { return binary(OpLe, l, r) }
func Gt(l, r Expr) Expr  { return binary(OpGt, l, r) }
func Ge(l, r Expr) Expr  { return binary(OpGe, l, r) }
func Add(l, r Expr) Expr { return binary(OpAdd, l, r) }
func Sub(l, r Expr) Expr { return binary(OpSub, l, r) }
func Mul(l, r Expr) Expr { return binary(OpMul, l, r) }
func Div(l, r Expr) Expr { return binary(OpDiv, l, r) }
func Mod(l, r Expr) Expr { return binary(OpMod, l, r) }

func Contains(l, r Expr) Expr   { return binary(OpContains, l, r) }
func StartsWith(l, r Expr) Expr { return binary(OpStartsWith, l, r) }
func EndsWith(l, r Expr) Expr   { return binary(OpEndsWith, l, r) }
func SearchText(l, r Expr) Expr { return binary(OpSearchText, l, r) }
func In(l, r Expr) Expr         { return binary(OpIn, l, r) }
func Concat(l, r Expr) Expr     { return binary(OpConcat, l, r) }

// And folds its operands left to right. No operands is the constant true.
func And(xs ...Expr) Expr { return fold(OpAnd, true, xs) }

// Or folds its operands left to right. No operands is the constant false.
func Or(xs ...Expr) Expr { return fold(OpOr, false, xs) }

func fold(op Op, empty bool, xs []Expr) Expr {
	var out Expr
	for _, x := range xs {
		if x == nil {
			continue
		}
		if out == nil {
			out = x
			continue
		}
		out = binary(op, out, x)
	}
	if out == nil {
		return Lit(ir.Bool(empty))
	}
	return out
}

func collection(op Op, src, fn Expr) Expr {
	operand := KindObject
	if fn != nil {
		operand = fn.Kind()
	}
	return Collection{Op: op, Source: src, Fn: fn, K: resultKind(op, operand)}
}

func Filter(src, pred Expr) Expr { return collection(OpFilter, src, pred) }
func Map(src, fn Expr) Expr      { return collection(OpMap, src, fn) }
func FlatMap(src, fn Expr) Expr  { return collection(OpFlatMap, src, fn) }
func Any(src, pred Expr) Expr    { return collection(OpAny, src, pred) }
func All(src, pred Expr) Expr    { return collection(OpAll, src, pred) }

// Count counts elements of src, or those matching pred when it is non-nil.
func Count(src, pred Expr) Expr { return collection(OpCount, src, pred) }

// Sum, Min, Max and Avg reduce fn over the elements, or the elements
// themselves when fn is nil.
func Sum(src, fn Expr) Expr { return collection(OpSum, src, fn) }
func Min(src, fn Expr) Expr { return collection(OpMin, src, fn) }
func Max(src, fn Expr) Expr { return collection(OpMax, src, fn) }
func Avg(src, fn Expr) Expr { return collection(OpAvg, src, fn) }

// Then composes: inner is evaluated first and bound as the argument of outer.
func Then(inner, outer Expr) Expr {
	return Compose{Outer: outer, Inner: inner}
}

// NewUnary builds a unary node for op, checking arity.
func NewUnary(op Op, x Expr) (Expr, bool) {
	if !op.IsUnary() || x == nil {
		return nil, false
	}
	return unary(op, x), true
}

// NewBinary builds a binary node for op, checking arity.
func NewBinary(op Op, l, r Expr) (Expr, bool) {
	if !op.IsBinary() || l == nil || r == nil {
		return nil, false
	}
	return binary(op, l, r), true
}

// NewCollection builds a collection node for op, checking arity.
func NewCollection(op Op, src, fn Expr) (Expr, bool) {
	if !op.IsCollection() || src == nil {
		return nil, false
	}
	if fn == nil && !op.IsAggregate() {
		return nil, false
	}
	return collection(op, src, fn), true
}
