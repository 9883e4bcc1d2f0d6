package expr

import (
	"fmt"

	"github.com/roach88/quarry/internal/ir"
)

// Encode converts e to its map-based wire form:
//
//	{"arg": true}
//	{"const": v}
//	{"prop": "a.b", "kind": "numeric"}
//	{"prop": "name", "of": <expr>}
//	{"op": "gt", "args": [<expr>, <expr>]}
//	{"op": "any", "source": <expr>, "fn": <expr>}
//	{"compose": [<outer>, <inner>]}
//
// Kinds are written only where they cannot be inferred on decode.
func Encode(e Expr) ir.Value {
	switch n := e.(type) {
	case nil:
		return ir.Null{}
	case Arg:
		out := ir.Object{"arg": ir.Bool(true)}
		if n.K != KindObject {
			out["kind"] = ir.String(n.K.String())
		}
		return out
	case Const:
		v := n.Value
		if v == nil {
			v = ir.Null{}
		}
		out := ir.Object{"const": v}
		if n.K != KindOfValue(ir.KindOf(v)) {
			out["kind"] = ir.String(n.K.String())
		}
		return out
	case Prop:
		var out ir.Object
		if p, ok := PathOf(n); ok && chainKindsInferable(n) {
			out = ir.Object{"prop": ir.String(p.String())}
		} else {
			out = ir.Object{"prop": ir.String(n.Name), "of": Encode(n.Target)}
		}
		if n.K != KindComparable {
			out["kind"] = ir.String(n.K.String())
		}
		return out
	case Unary:
		return ir.Object{"op": ir.String(n.Op.String()), "args": ir.Array{Encode(n.X)}}
	case Binary:
		return ir.Object{"op": ir.String(n.Op.String()), "args": ir.Array{Encode(n.L), Encode(n.R)}}
	case Collection:
		out := ir.Object{"op": ir.String(n.Op.String()), "source": Encode(n.Source)}
		if n.Fn != nil {
			out["fn"] = Encode(n.Fn)
		}
		return out
	case Compose:
		return ir.Object{"compose": ir.Array{Encode(n.Outer), Encode(n.Inner)}}
	default:
		panic(fmt.Sprintf("expr: unknown node type %T", e))
	}
}

// chainKindsInferable reports whether a dotted path round-trips the chain:
// every intermediate segment must be an object and the root a plain Arg.
func chainKindsInferable(p Prop) bool {
	e := p.Target
	for {
		switch n := e.(type) {
		case nil:
			return true
		case Arg:
			return n.K == KindObject
		case Prop:
			if n.K != KindObject {
				return false
			}
			e = n.Target
		default:
			return false
		}
	}
}

// Decode parses the wire form produced by Encode. It also accepts plain Go
// maps as produced by YAML and JSON decoders.
func Decode(v ir.Value) (Expr, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("expression must be an object, got %s", ir.KindOf(v))
	}

	kind, hasKind, err := decodeKind(obj)
	if err != nil {
		return nil, err
	}

	switch {
	case has(obj, "arg"):
		a := Arg{}
		if hasKind {
			a.K = kind
		}
		return a, nil

	case has(obj, "const"):
		e := Lit(obj["const"]).(Const)
		if hasKind {
			e.K = kind
		}
		return e, nil

	case has(obj, "prop"):
		name, ok := obj["prop"].(ir.String)
		if !ok || name == "" {
			return nil, fmt.Errorf("prop must be a non-empty string")
		}
		if !hasKind {
			kind = KindComparable
		}
		if of, ok := obj["of"]; ok {
			target, err := Decode(of)
			if err != nil {
				return nil, fmt.Errorf("prop %s: %w", name, err)
			}
			return Prop{Target: target, Name: string(name), K: kind}, nil
		}
		return ParsePath(string(name)).Expr(kind), nil

	case has(obj, "compose"):
		parts, ok := obj["compose"].(ir.Array)
		if !ok || len(parts) != 2 {
			return nil, fmt.Errorf("compose must be [outer, inner]")
		}
		outer, err := Decode(parts[0])
		if err != nil {
			return nil, fmt.Errorf("compose outer: %w", err)
		}
		inner, err := Decode(parts[1])
		if err != nil {
			return nil, fmt.Errorf("compose inner: %w", err)
		}
		return Then(inner, outer), nil

	case has(obj, "op"):
		return decodeOp(obj)
	}
	return nil, fmt.Errorf("unrecognized expression %v", obj.SortedKeys())
}

func decodeOp(obj ir.Object) (Expr, error) {
	name, ok := obj["op"].(ir.String)
	if !ok {
		return nil, fmt.Errorf("op must be a string")
	}
	op, err := ParseOp(string(name))
	if err != nil {
		return nil, err
	}

	if op.IsCollection() {
		src, err := Decode(obj["source"])
		if err != nil {
			return nil, fmt.Errorf("%s source: %w", op, err)
		}
		var fn Expr
		if raw, ok := obj["fn"]; ok && !ir.IsNull(raw) {
			if fn, err = Decode(raw); err != nil {
				return nil, fmt.Errorf("%s fn: %w", op, err)
			}
		}
		e, ok := NewCollection(op, src, fn)
		if !ok {
			return nil, fmt.Errorf("%s requires a function", op)
		}
		return e, nil
	}

	rawArgs, ok := obj["args"].(ir.Array)
	if !ok {
		return nil, fmt.Errorf("%s: args must be an array", op)
	}
	args := make([]Expr, len(rawArgs))
	for i, raw := range rawArgs {
		if args[i], err = Decode(raw); err != nil {
			return nil, fmt.Errorf("%s args[%d]: %w", op, i, err)
		}
	}

	switch {
	case op == OpAnd && len(args) != 2:
		return And(args...), nil
	case op == OpOr && len(args) != 2:
		return Or(args...), nil
	case op.IsUnary():
		if len(args) != 1 {
			return nil, fmt.Errorf("%s takes 1 argument, got %d", op, len(args))
		}
		e, _ := NewUnary(op, args[0])
		return e, nil
	default:
		if len(args) != 2 {
			return nil, fmt.Errorf("%s takes 2 arguments, got %d", op, len(args))
		}
		e, _ := NewBinary(op, args[0], args[1])
		return e, nil
	}
}

func decodeKind(obj ir.Object) (ValueKind, bool, error) {
	raw, ok := obj["kind"]
	if !ok {
		return KindObject, false, nil
	}
	s, ok := raw.(ir.String)
	if !ok {
		return KindObject, false, fmt.Errorf("kind must be a string")
	}
	k, err := ParseValueKind(string(s))
	if err != nil {
		return KindObject, false, err
	}
	return k, true, nil
}

func has(obj ir.Object, key string) bool {
	_, ok := obj[key]
	return ok
}
