package expr

import (
	"github.com/roach88/quarry/internal/ir"
)

// Equal reports whether a and b are structurally equal. Constants compare
// by value, so Equal works for trees holding arrays or objects where == on
// the interface would panic.
func Equal(a, b Expr) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Node() != b.Node() || a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case Arg:
		return true
	case Const:
		y := b.(Const)
		return ir.KindOf(x.Value) == ir.KindOf(y.Value) && ir.Equal(x.Value, y.Value)
	case Prop:
		y := b.(Prop)
		return x.Name == y.Name && Equal(root(x.Target), root(y.Target))
	case Unary:
		y := b.(Unary)
		return x.Op == y.Op && Equal(x.X, y.X)
	case Binary:
		y := b.(Binary)
		return x.Op == y.Op && Equal(x.L, y.L) && Equal(x.R, y.R)
	case Compose:
		y := b.(Compose)
		return Equal(x.Outer, y.Outer) && Equal(x.Inner, y.Inner)
	case Collection:
		y := b.(Collection)
		return x.Op == y.Op && Equal(x.Source, y.Source) && Equal(x.Fn, y.Fn)
	}
	return false
}

// root treats a nil property target as the argument.
func root(e Expr) Expr {
	if e == nil {
		return Arg{}
	}
	return e
}
