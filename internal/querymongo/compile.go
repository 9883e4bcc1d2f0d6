// Package querymongo renders queries to MongoDB aggregation pipelines.
//
// Each entity type is one collection named after the type. Documents carry
// their key as _id. Predicates compile to aggregation expressions under
// $match/$expr, so every operator has one rendering regardless of where it
// appears. Single-valued references are joined with $lookup.
package querymongo

import (
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/roach88/quarry/internal/compiler"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
)

// refPrefix names the temporary fields holding joined references.
const refPrefix = "__ref_"

// sortPrefix names the temporary fields holding computed sort keys.
const sortPrefix = "__sort_"

var exprs = compiler.New(table())

func table() *compiler.Table[any] {
	t := compiler.NewTable[any]()
	t.Root = "$$ROOT"
	t.Element = func(depth int) any { return "$$" + compiler.Alias(depth) }

	t.SetNode(expr.NodeArg, func(c *compiler.Context[any], _ expr.Expr, _ []any) (any, error) {
		return c.Arg(), nil
	})
	t.SetNode(expr.NodeConst, func(_ *compiler.Context[any], n expr.Expr, _ []any) (any, error) {
		v, err := ToBSON(n.(expr.Const).Value)
		if err != nil {
			return nil, repoerr.Unsupported(fmt.Sprintf("constant: %v", err))
		}
		return bson.D{{Key: "$literal", Value: v}}, nil
	})
	t.SetNode(expr.NodeProp, func(_ *compiler.Context[any], n expr.Expr, args []any) (any, error) {
		return field(args[0], n.(expr.Prop).Name), nil
	})

	t.SetOp(expr.OpNot, op1("$not", true))
	t.SetOp(expr.OpNegate, func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		return bson.D{{Key: "$multiply", Value: bson.A{args[0], -1}}}, nil
	})
	t.SetOp(expr.OpIsNull, func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		return isNull(args[0]), nil
	})
	t.SetOp(expr.OpIsNotNull, func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		return bson.D{{Key: "$not", Value: bson.A{isNull(args[0])}}}, nil
	})
	t.SetOp(expr.OpLower, op1("$toLower", false))
	t.SetOp(expr.OpUpper, op1("$toUpper", false))
	t.SetOp(expr.OpLength, func(_ *compiler.Context[any], n expr.Expr, args []any) (any, error) {
		if n.(expr.Unary).X.Kind() == expr.KindCollection {
			return bson.D{{Key: "$size", Value: args[0]}}, nil
		}
		return bson.D{{Key: "$strLenCP", Value: args[0]}}, nil
	})

	for op, name := range map[expr.Op]string{
		expr.OpAnd: "$and", expr.OpOr: "$or",
		expr.OpEq: "$eq", expr.OpNe: "$ne",
		expr.OpLt: "$lt", expr.OpLe: "$lte", expr.OpGt: "$gt", expr.OpGe: "$gte",
		expr.OpAdd: "$add", expr.OpSub: "$subtract", expr.OpMul: "$multiply",
		expr.OpDiv: "$divide", expr.OpMod: "$mod",
		expr.OpConcat: "$concat", expr.OpIn: "$in",
	} {
		t.SetOp(op, op2(name))
	}
	t.SetOp(expr.OpContains, func(_ *compiler.Context[any], n expr.Expr, args []any) (any, error) {
		if n.(expr.Binary).L.Kind() == expr.KindCollection {
			return bson.D{{Key: "$in", Value: bson.A{args[1], args[0]}}}, nil
		}
		return bson.D{{Key: "$gte", Value: bson.A{indexOf(args[0], args[1]), 0}}}, nil
	})
	t.SetOp(expr.OpStartsWith, func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		return bson.D{{Key: "$eq", Value: bson.A{indexOf(args[0], args[1]), 0}}}, nil
	})
	t.SetOp(expr.OpEndsWith, func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		l, r := args[0], args[1]
		ll := bson.D{{Key: "$strLenCP", Value: l}}
		rl := bson.D{{Key: "$strLenCP", Value: r}}
		tail := bson.D{{Key: "$substrCP", Value: bson.A{l, bson.D{{Key: "$subtract", Value: bson.A{ll, rl}}}, rl}}}
		return bson.D{{Key: "$cond", Value: bson.D{
			{Key: "if", Value: bson.D{{Key: "$gte", Value: bson.A{ll, rl}}}},
			{Key: "then", Value: bson.D{{Key: "$eq", Value: bson.A{tail, r}}}},
			{Key: "else", Value: false},
		}}}, nil
	})
	t.SetOp(expr.OpSearchText, func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		l := bson.D{{Key: "$toLower", Value: args[0]}}
		r := bson.D{{Key: "$toLower", Value: args[1]}}
		return bson.D{{Key: "$gte", Value: bson.A{indexOf(l, r), 0}}}, nil
	})

	for _, op := range []expr.Op{
		expr.OpFilter, expr.OpMap, expr.OpFlatMap, expr.OpAny, expr.OpAll,
		expr.OpCount, expr.OpSum, expr.OpMin, expr.OpMax, expr.OpAvg,
	} {
		t.SetOp(op, collection)
	}
	return t
}

func op1(name string, wrap bool) compiler.Reducer[any] {
	return func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		if wrap {
			return bson.D{{Key: name, Value: bson.A{args[0]}}}, nil
		}
		return bson.D{{Key: name, Value: args[0]}}, nil
	}
}

func op2(name string) compiler.Reducer[any] {
	return func(_ *compiler.Context[any], _ expr.Expr, args []any) (any, error) {
		return bson.D{{Key: name, Value: bson.A{args[0], args[1]}}}, nil
	}
}

func isNull(x any) bson.D {
	return bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$ifNull", Value: bson.A{x, nil}}}, nil}}}
}

func indexOf(s, sub any) bson.D {
	return bson.D{{Key: "$indexOfCP", Value: bson.A{s, sub}}}
}

// field accesses name on target: a dotted path when target is a field path
// or variable, $getField otherwise.
func field(target any, name string) any {
	if s, ok := target.(string); ok && strings.HasPrefix(s, "$") && plainName(name) {
		if s == "$$ROOT" {
			return "$" + name
		}
		return s + "." + name
	}
	return bson.D{{Key: "$getField", Value: bson.D{{Key: "field", Value: name}, {Key: "input", Value: target}}}}
}

func plainName(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".$")
}

func collection(c *compiler.Context[any], n expr.Expr, args []any) (any, error) {
	col := n.(expr.Collection)
	as := compiler.Alias(c.Lambda())
	src := args[0]
	var fn any
	if len(args) > 1 {
		fn = args[1]
	}
	mapped := func() any {
		if fn == nil {
			return src
		}
		return bson.D{{Key: "$map", Value: bson.D{{Key: "input", Value: src}, {Key: "as", Value: as}, {Key: "in", Value: fn}}}}
	}
	filtered := func() any {
		return bson.D{{Key: "$filter", Value: bson.D{{Key: "input", Value: src}, {Key: "as", Value: as}, {Key: "cond", Value: fn}}}}
	}

	switch col.Op {
	case expr.OpFilter:
		return filtered(), nil
	case expr.OpMap:
		return mapped(), nil
	case expr.OpFlatMap:
		return bson.D{{Key: "$reduce", Value: bson.D{
			{Key: "input", Value: mapped()},
			{Key: "initialValue", Value: bson.A{}},
			{Key: "in", Value: bson.D{{Key: "$concatArrays", Value: bson.A{"$$value", "$$this"}}}},
		}}}, nil
	case expr.OpAny:
		return bson.D{{Key: "$anyElementTrue", Value: bson.A{mapped()}}}, nil
	case expr.OpAll:
		return bson.D{{Key: "$allElementsTrue", Value: bson.A{mapped()}}}, nil
	case expr.OpCount:
		if fn == nil {
			return bson.D{{Key: "$size", Value: src}}, nil
		}
		return bson.D{{Key: "$size", Value: filtered()}}, nil
	case expr.OpSum:
		return bson.D{{Key: "$sum", Value: mapped()}}, nil
	case expr.OpMin:
		return bson.D{{Key: "$min", Value: mapped()}}, nil
	case expr.OpMax:
		return bson.D{{Key: "$max", Value: mapped()}}, nil
	case expr.OpAvg:
		return bson.D{{Key: "$avg", Value: mapped()}}, nil
	}
	return nil, repoerr.Unsupported(fmt.Sprintf("collection operator %s", col.Op))
}

// Compiler renders pipelines over entity collections.
type Compiler struct {
	Registry *entity.Registry
}

// New returns a compiler resolving references through reg.
func New(reg *entity.Registry) *Compiler {
	return &Compiler{Registry: reg}
}

// plan collects the stages a compilation needs beyond the expression.
type plan struct {
	c      *Compiler
	desc   *entity.Descriptor
	stages mongo.Pipeline
	joined map[string]string // reference path -> temp field
	temps  []string
}

func (c *Compiler) plan(desc *entity.Descriptor) *plan {
	return &plan{c: c, desc: desc, joined: map[string]string{}}
}

// path resolves a root property path, adding a $lookup for a traversed
// reference. References inside referenced entities are not followed.
func (p *plan) path(_ *compiler.Context[any], path expr.Path, _ expr.ValueKind) (any, error) {
	steps, err := p.c.Registry.ResolvePath(p.desc, path)
	if err != nil {
		return nil, err
	}
	for i, step := range steps[:len(steps)-1] {
		if !step.Prop.IsReference() || step.Prop.Collection {
			continue
		}
		for _, later := range steps[i+1 : len(steps)-1] {
			if later.Prop.IsReference() {
				return nil, repoerr.Unsupported(fmt.Sprintf("path %s crosses more than one reference", path))
			}
		}
		local := path[:i+1].String()
		tmp, ok := p.joined[local]
		if !ok {
			tmp = refPrefix + strings.ReplaceAll(local, ".", "_")
			p.joined[local] = tmp
			p.temps = append(p.temps, tmp)
			p.stages = append(p.stages,
				bson.D{{Key: "$lookup", Value: bson.D{
					{Key: "from", Value: step.Target.Name},
					{Key: "localField", Value: local},
					{Key: "foreignField", Value: "_id"},
					{Key: "as", Value: tmp},
				}}},
				bson.D{{Key: "$set", Value: bson.D{{Key: tmp, Value: bson.D{{Key: "$first", Value: "$" + tmp}}}}}},
			)
		}
		return "$" + tmp + "." + path[i+1:].String(), nil
	}
	return "$" + path.String(), nil
}

func (p *plan) compile(e expr.Expr) (any, error) {
	return exprs.Compile(e, compiler.WithPath(p.path))
}

// Select renders the pipeline selecting q's matching documents, sorted and
// paged. Mapping, projection and distinct are applied by the caller.
func (c *Compiler) Select(q *query.Info) (mongo.Pipeline, error) {
	p := c.plan(q.Entity)
	body, err := p.matchSortPage(q.Predicate, q.Sorting, q.Skip, q.Limit)
	if err != nil {
		return nil, err
	}
	out := append(p.stages, body...)
	if len(p.temps) > 0 {
		out = append(out, bson.D{{Key: "$unset", Value: p.temps}})
	}
	return out, nil
}

func (p *plan) matchSortPage(pred expr.Expr, sorting []query.Sort, skip, limit int) (mongo.Pipeline, error) {
	var out mongo.Pipeline
	if pred != nil {
		m, err := p.compile(pred)
		if err != nil {
			return nil, fmt.Errorf("compile predicate: %w", err)
		}
		out = append(out, bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: m}}}})
	}

	var computed bson.D
	sortDoc := bson.D{}
	for i, s := range sorting {
		dir := 1
		if !s.Ascending {
			dir = -1
		}
		key, err := p.compile(s.By)
		if err != nil {
			return nil, fmt.Errorf("compile sort: %w", err)
		}
		if f, ok := key.(string); ok && strings.HasPrefix(f, "$") && !strings.HasPrefix(f, "$$") {
			sortDoc = append(sortDoc, bson.E{Key: f[1:], Value: dir})
			continue
		}
		tmp := sortPrefix + strconv.Itoa(i)
		computed = append(computed, bson.E{Key: tmp, Value: key})
		p.temps = append(p.temps, tmp)
		sortDoc = append(sortDoc, bson.E{Key: tmp, Value: dir})
	}
	if len(computed) > 0 {
		out = append(out, bson.D{{Key: "$set", Value: computed}})
	}
	sortDoc = append(sortDoc, bson.E{Key: "_id", Value: 1})
	out = append(out, bson.D{{Key: "$sort", Value: sortDoc}})
	if skip > 0 {
		out = append(out, bson.D{{Key: "$skip", Value: int64(skip)}})
	}
	if limit > 0 {
		out = append(out, bson.D{{Key: "$limit", Value: int64(limit)}})
	}
	return out, nil
}

// Aggregate renders agg over q's matching documents. The result is one
// document {_id: null, value: v}, or none when nothing matched.
func (c *Compiler) Aggregate(q *query.Info, agg query.Aggregator) (mongo.Pipeline, error) {
	if err := agg.Validate(); err != nil {
		return nil, err
	}
	value := agg.Of
	switch {
	case q.Mapping != nil && value != nil:
		value = expr.Then(q.Mapping, value)
	case q.Mapping != nil:
		value = q.Mapping
	}

	p := c.plan(q.Entity)
	body, err := p.matchSortPage(q.Predicate, q.Sorting, q.Skip, q.Limit)
	if err != nil {
		return nil, err
	}
	var x any = 1
	if value != nil {
		if x, err = p.compile(value); err != nil {
			return nil, fmt.Errorf("compile aggregate: %w", err)
		}
	}

	var acc bson.D
	switch agg.Op {
	case expr.OpCount:
		if value == nil {
			acc = bson.D{{Key: "$sum", Value: 1}}
		} else {
			acc = bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{isNull(x), 0, 1}}}}}
		}
	case expr.OpSum:
		acc = bson.D{{Key: "$sum", Value: x}}
	case expr.OpMin:
		acc = bson.D{{Key: "$min", Value: x}}
	case expr.OpMax:
		acc = bson.D{{Key: "$max", Value: x}}
	case expr.OpAvg:
		acc = bson.D{{Key: "$avg", Value: x}}
	}
	out := append(p.stages, body...)
	return append(out, bson.D{{Key: "$group", Value: bson.D{{Key: "_id", Value: nil}, {Key: "value", Value: acc}}}}), nil
}

// Keys renders a pipeline yielding the _id of the first limit matching
// documents in key order, for bulk commands.
func (c *Compiler) Keys(desc *entity.Descriptor, pred expr.Expr, limit int) (mongo.Pipeline, error) {
	p := c.plan(desc)
	body, err := p.matchSortPage(pred, nil, 0, limit)
	if err != nil {
		return nil, err
	}
	out := append(p.stages, body...)
	return append(out, bson.D{{Key: "$project", Value: bson.D{{Key: "_id", Value: 1}}}}), nil
}

// Update renders the update pipeline of a bulk assignment. Every updated
// document has its version incremented.
func (c *Compiler) Update(u *query.UpdateInfo) (mongo.Pipeline, error) {
	if len(u.Set) == 0 {
		return nil, repoerr.Schema(u.Entity.Name, "update without assignments")
	}
	p := c.plan(u.Entity)
	set := bson.D{}
	for _, a := range u.Set {
		steps, err := c.Registry.ResolvePath(u.Entity, a.Path)
		if err != nil {
			return nil, err
		}
		if head := steps[0].Prop.Name; head == u.Entity.Key || head == entity.VersionProperty {
			return nil, repoerr.Schema(u.Entity.Name, "cannot assign %s", head)
		}
		v, err := p.compile(a.Value)
		if err != nil {
			return nil, fmt.Errorf("compile assignment %s: %w", a.Path, err)
		}
		set = append(set, bson.E{Key: a.Path.String(), Value: v})
	}
	if len(p.stages) > 0 {
		return nil, repoerr.Unsupported("assignment reading through a reference")
	}
	set = append(set, bson.E{Key: entity.VersionProperty, Value: bson.D{{Key: "$add", Value: bson.A{"$" + entity.VersionProperty, 1}}}})
	return mongo.Pipeline{{{Key: "$set", Value: set}}}, nil
}
