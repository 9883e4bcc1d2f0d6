package expr

import (
	"github.com/roach88/quarry/internal/ir"
)

// Expr is a node of the expression tree.
// This is a sealed interface - only types in this package implement it.
type Expr interface {
	exprNode() // marker method, unexported to seal the interface
	Node() NodeKind
	Kind() ValueKind
}

// Arg is the current argument: the entity for top-level expressions, the
// element inside a collection lambda, or the inner result of a Compose.
type Arg struct {
	K ValueKind
}

func (Arg) exprNode()         {}
func (Arg) Node() NodeKind    { return NodeArg }
func (a Arg) Kind() ValueKind { return a.K }

// Const is a literal value.
type Const struct {
	Value ir.Value
	K     ValueKind
}

func (Const) exprNode()         {}
func (Const) Node() NodeKind    { return NodeConst }
func (c Const) Kind() ValueKind { return c.K }

// Prop accesses a named property of Target.
//
// Target is an Arg or another Prop for plain property chains. Chains hold
// no slices or maps, so two chains with the same names and kinds are == and
// can be map keys.
type Prop struct {
	Target Expr
	Name   string
	K      ValueKind
}

func (Prop) exprNode()         {}
func (Prop) Node() NodeKind    { return NodeProp }
func (p Prop) Kind() ValueKind { return p.K }

// Path returns the property path of a pure chain and false otherwise.
func (p Prop) Path() (Path, bool) {
	return PathOf(p)
}

// Unary applies a one-operand operator.
type Unary struct {
	Op Op
	X  Expr
	K  ValueKind
}

func (Unary) exprNode()         {}
func (Unary) Node() NodeKind    { return NodeUnary }
func (u Unary) Kind() ValueKind { return u.K }

// Binary applies a two-operand operator.
type Binary struct {
	Op   Op
	L, R Expr
	K    ValueKind
}

func (Binary) exprNode()         {}
func (Binary) Node() NodeKind    { return NodeBinary }
func (b Binary) Kind() ValueKind { return b.K }

// Compose evaluates Inner and binds the result as the Arg of Outer.
type Compose struct {
	Outer Expr
	Inner Expr
}

func (Compose) exprNode()         {}
func (Compose) Node() NodeKind    { return NodeCompose }
func (c Compose) Kind() ValueKind { return c.Outer.Kind() }

// Collection applies Op over the elements of Source. Fn is evaluated with
// each element bound to Arg; it is nil for Count without a predicate and for
// Sum/Min/Max/Avg over the elements themselves.
type Collection struct {
	Op     Op
	Source Expr
	Fn     Expr
	K      ValueKind
}

func (Collection) exprNode()         {}
func (Collection) Node() NodeKind    { return NodeCollection }
func (c Collection) Kind() ValueKind { return c.K }

// Children returns the direct operands of e in evaluation order.
func Children(e Expr) []Expr {
	switch n := e.(type) {
	case Prop:
		if n.Target == nil {
			return nil
		}
		return []Expr{n.Target}
	case Unary:
		return []Expr{n.X}
	case Binary:
		return []Expr{n.L, n.R}
	case Compose:
		return []Expr{n.Inner, n.Outer}
	case Collection:
		if n.Fn == nil {
			return []Expr{n.Source}
		}
		return []Expr{n.Source, n.Fn}
	default:
		return nil
	}
}

// Walk calls fn for e and every node beneath it, depth first. Returning
// false from fn skips the node's children.
func Walk(e Expr, fn func(Expr) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, child := range Children(e) {
		Walk(child, fn)
	}
}

// Paths returns the distinct property paths read from the root argument of
// e, in first-seen order. Paths inside collection lambdas and the outer side
// of a Compose are relative to a different argument and are skipped.
func Paths(e Expr) []Path {
	var out []Path
	seen := map[string]bool{}
	var visit func(Expr)
	visit = func(n Expr) {
		if n == nil {
			return
		}
		if p, ok := PathOf(n); ok {
			if key := p.String(); len(p) > 0 && !seen[key] {
				seen[key] = true
				out = append(out, p)
			}
			return
		}
		switch x := n.(type) {
		case Collection:
			visit(x.Source)
		case Compose:
			visit(x.Inner)
		default:
			for _, child := range Children(n) {
				visit(child)
			}
		}
	}
	visit(e)
	return out
}
