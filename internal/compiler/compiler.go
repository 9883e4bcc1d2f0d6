package compiler

import (
	"fmt"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/repoerr"
)

// Reducer renders one node from its already-compiled operands.
//
// args holds, in order: the target for a Prop, the operand for a Unary,
// left and right for a Binary, source and (when present) function for a
// Collection. Leaves (Arg, Const, root property paths) get no args.
type Reducer[R any] func(c *Context[R], n expr.Expr, args []R) (R, error)

// Interceptor runs after every node is rendered and may replace the output.
type Interceptor[R any] func(c *Context[R], n expr.Expr, out R) (R, error)

// PathFunc renders a property path read from the root argument.
type PathFunc[R any] func(c *Context[R], p expr.Path, k expr.ValueKind) (R, error)

// Signature is the most specific reducer key.
type Signature struct {
	Node expr.NodeKind
	Op   expr.Op
	Kind expr.ValueKind
}

// Table maps node shapes to reducers.
//
// Resolution order: Exact signature, then Ops, then Kinds (node result
// kind), then Nodes, then the identity fallback for unary nodes when
// Identity is set. Backends override one operator by setting a single
// entry without reimplementing the rest.
type Table[R any] struct {
	Exact map[Signature]Reducer[R]
	Ops   map[expr.Op]Reducer[R]
	Kinds map[expr.ValueKind]Reducer[R]
	Nodes map[expr.NodeKind]Reducer[R]

	// Identity lets unary operators without a reducer pass their operand
	// through unchanged.
	Identity bool

	// Root is the binding of Arg at the top level.
	Root R

	// Element returns the binding of Arg inside the depth-th nested
	// collection lambda, counting from 0.
	Element func(depth int) R

	// Path renders root property paths. Nil means property chains go
	// through the Prop reducer like any other node.
	Path PathFunc[R]

	Interceptors []Interceptor[R]
}

// NewTable returns an empty table.
func NewTable[R any]() *Table[R] {
	return &Table[R]{
		Exact: make(map[Signature]Reducer[R]),
		Ops:   make(map[expr.Op]Reducer[R]),
		Kinds: make(map[expr.ValueKind]Reducer[R]),
		Nodes: make(map[expr.NodeKind]Reducer[R]),
	}
}

// Clone returns a copy that can be customized without affecting t.
func (t *Table[R]) Clone() *Table[R] {
	out := NewTable[R]()
	for k, v := range t.Exact {
		out.Exact[k] = v
	}
	for k, v := range t.Ops {
		out.Ops[k] = v
	}
	for k, v := range t.Kinds {
		out.Kinds[k] = v
	}
	for k, v := range t.Nodes {
		out.Nodes[k] = v
	}
	out.Identity = t.Identity
	out.Root = t.Root
	out.Element = t.Element
	out.Path = t.Path
	out.Interceptors = append([]Interceptor[R](nil), t.Interceptors...)
	return out
}

// SetOp registers r for op and returns t.
func (t *Table[R]) SetOp(op expr.Op, r Reducer[R]) *Table[R] {
	t.Ops[op] = r
	return t
}

// SetExact registers r for an exact signature and returns t.
func (t *Table[R]) SetExact(sig Signature, r Reducer[R]) *Table[R] {
	t.Exact[sig] = r
	return t
}

// SetKind registers r for nodes of result kind k and returns t.
func (t *Table[R]) SetKind(k expr.ValueKind, r Reducer[R]) *Table[R] {
	t.Kinds[k] = r
	return t
}

// SetNode registers r for a node kind and returns t.
func (t *Table[R]) SetNode(n expr.NodeKind, r Reducer[R]) *Table[R] {
	t.Nodes[n] = r
	return t
}

// Resolve finds the reducer for n.
func (t *Table[R]) Resolve(n expr.Expr) (Reducer[R], bool) {
	op := OpOf(n)
	if r, ok := t.Exact[Signature{Node: n.Node(), Op: op, Kind: n.Kind()}]; ok {
		return r, true
	}
	if op != expr.OpNone {
		if r, ok := t.Ops[op]; ok {
			return r, true
		}
	}
	if r, ok := t.Kinds[n.Kind()]; ok {
		return r, true
	}
	if r, ok := t.Nodes[n.Node()]; ok {
		return r, true
	}
	return nil, false
}

// OpOf returns the operator of n, or OpNone for leaves and compositions.
func OpOf(n expr.Expr) expr.Op {
	switch x := n.(type) {
	case expr.Unary:
		return x.Op
	case expr.Binary:
		return x.Op
	case expr.Collection:
		return x.Op
	default:
		return expr.OpNone
	}
}

// Context is the per-compilation state handed to reducers.
type Context[R any] struct {
	bindings     []R
	lambdas      int
	path         PathFunc[R]
	interceptors []Interceptor[R]
}

// Arg returns the current binding of the argument.
func (c *Context[R]) Arg() R {
	return c.bindings[len(c.bindings)-1]
}

// AtRoot reports whether the argument is the top-level entity.
func (c *Context[R]) AtRoot() bool {
	return len(c.bindings) == 1
}

// Lambda returns the depth of the innermost collection lambda in scope, or
// -1 outside any lambda.
func (c *Context[R]) Lambda() int {
	return c.lambdas - 1
}

// Option customizes a single compilation.
type Option[R any] func(*Context[R])

// WithPath overrides the table's root path renderer.
func WithPath[R any](fn PathFunc[R]) Option[R] {
	return func(c *Context[R]) { c.path = fn }
}

// WithInterceptor adds an interceptor after the table's own.
func WithInterceptor[R any](ic Interceptor[R]) Option[R] {
	return func(c *Context[R]) { c.interceptors = append(c.interceptors, ic) }
}

// Compiler renders expressions through a table.
// A Compiler is immutable and safe for concurrent use.
type Compiler[R any] struct {
	table *Table[R]
}

// New returns a compiler over t. The table must not be modified afterwards.
func New[R any](t *Table[R]) *Compiler[R] {
	return &Compiler[R]{table: t}
}

// Table returns the compiler's table.
func (c *Compiler[R]) Table() *Table[R] {
	return c.table
}

// Compile renders e. Compilation is pure: the same expression and options
// yield the same output, and interceptors see nodes in the same order.
func (c *Compiler[R]) Compile(e expr.Expr, opts ...Option[R]) (R, error) {
	ctx := &Context[R]{
		bindings:     []R{c.table.Root},
		path:         c.table.Path,
		interceptors: append([]Interceptor[R](nil), c.table.Interceptors...),
	}
	for _, opt := range opts {
		opt(ctx)
	}
	return c.visit(ctx, e)
}

func (c *Compiler[R]) visit(ctx *Context[R], e expr.Expr) (R, error) {
	var zero R
	if e == nil {
		return zero, repoerr.Unsupported("nil expression")
	}

	out, err := c.render(ctx, e)
	if err != nil {
		return zero, err
	}
	for _, ic := range ctx.interceptors {
		if out, err = ic(ctx, e, out); err != nil {
			return zero, err
		}
	}
	return out, nil
}

func (c *Compiler[R]) render(ctx *Context[R], e expr.Expr) (R, error) {
	var zero R

	switch n := e.(type) {
	case expr.Prop:
		if ctx.AtRoot() && ctx.path != nil {
			if p, ok := expr.PathOf(n); ok {
				return ctx.path(ctx, p, n.K)
			}
		}
		var target expr.Expr = expr.Arg{}
		if n.Target != nil {
			target = n.Target
		}
		t, err := c.visit(ctx, target)
		if err != nil {
			return zero, err
		}
		return c.reduce(ctx, e, []R{t})

	case expr.Unary:
		x, err := c.visit(ctx, n.X)
		if err != nil {
			return zero, err
		}
		return c.reduce(ctx, e, []R{x})

	case expr.Binary:
		l, err := c.visit(ctx, n.L)
		if err != nil {
			return zero, err
		}
		r, err := c.visit(ctx, n.R)
		if err != nil {
			return zero, err
		}
		return c.reduce(ctx, e, []R{l, r})

	case expr.Compose:
		inner, err := c.visit(ctx, n.Inner)
		if err != nil {
			return zero, err
		}
		ctx.bindings = append(ctx.bindings, inner)
		defer func() { ctx.bindings = ctx.bindings[:len(ctx.bindings)-1] }()
		outer, err := c.visit(ctx, n.Outer)
		if err != nil {
			return zero, err
		}
		if r, ok := c.table.Resolve(e); ok {
			return r(ctx, e, []R{inner, outer})
		}
		return outer, nil

	case expr.Collection:
		src, err := c.visit(ctx, n.Source)
		if err != nil {
			return zero, err
		}
		if c.table.Element == nil {
			return zero, repoerr.Unsupported(fmt.Sprintf("collection operator %s", n.Op))
		}
		ctx.bindings = append(ctx.bindings, c.table.Element(ctx.lambdas))
		ctx.lambdas++
		defer func() {
			ctx.lambdas--
			ctx.bindings = ctx.bindings[:len(ctx.bindings)-1]
		}()
		args := []R{src}
		if n.Fn != nil {
			fn, err := c.visit(ctx, n.Fn)
			if err != nil {
				return zero, err
			}
			args = append(args, fn)
		}
		return c.reduce(ctx, e, args)

	default:
		return c.reduce(ctx, e, nil)
	}
}

func (c *Compiler[R]) reduce(ctx *Context[R], e expr.Expr, args []R) (R, error) {
	if r, ok := c.table.Resolve(e); ok {
		return r(ctx, e, args)
	}
	if _, unary := e.(expr.Unary); unary && c.table.Identity {
		return args[0], nil
	}
	var zero R
	return zero, repoerr.Unsupported(describe(e))
}

func describe(e expr.Expr) string {
	if op := OpOf(e); op != expr.OpNone {
		return fmt.Sprintf("operator %s on %s", op, e.Kind())
	}
	return fmt.Sprintf("%s node of kind %s", e.Node(), e.Kind())
}

// Format builds a text reducer from a fmt pattern applied to the operands.
func Format(pattern string) Reducer[string] {
	return func(_ *Context[string], _ expr.Expr, args []string) (string, error) {
		vals := make([]any, len(args))
		for i, a := range args {
			vals[i] = a
		}
		return fmt.Sprintf(pattern, vals...), nil
	}
}
