package query

import (
	"slices"

	"github.com/roach88/quarry/internal/compiler"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
)

var evaluator = compiler.New(compiler.Evaluator())

// Plan is a query compiled for in-process evaluation over raw records.
// Records passed to a plan must already have the references its paths
// traverse expanded (see Expand); Output collapses them back to keys.
type Plan struct {
	Info *Info

	reg     *entity.Registry
	match   func(ir.Value) (bool, error)
	sorts   []compiler.Func
	mapping compiler.Func

	// shape of the output: the descriptor the mapping lands on, and whether
	// it lands on a reference property
	out    *entity.Descriptor
	outRef bool
}

// Compile compiles q's predicate, sort keys and mapping with the evaluator.
// reg resolves references and may be nil when q traverses none.
func Compile(q *Info, reg *entity.Registry) (*Plan, error) {
	match, err := compiler.Predicate(evaluator, q.Predicate)
	if err != nil {
		return nil, err
	}
	p := &Plan{Info: q, reg: reg, match: match, out: q.Entity}
	for _, s := range q.Sorting {
		fn, err := evaluator.Compile(s.By)
		if err != nil {
			return nil, err
		}
		p.sorts = append(p.sorts, fn)
	}
	if q.Mapping != nil {
		if p.mapping, err = evaluator.Compile(q.Mapping); err != nil {
			return nil, err
		}
		p.out = nil
		if path, ok := expr.PathOf(q.Mapping); ok && len(path) > 0 && q.Entity != nil {
			if steps, err := reg.ResolvePath(q.Entity, path); err == nil {
				last := steps[len(steps)-1]
				p.out = last.Target
				p.outRef = last.Prop.IsReference() && !last.Prop.Collection
			}
		}
	}
	return p, nil
}

// Match reports whether rec satisfies the predicate.
func (p *Plan) Match(rec ir.Object) (bool, error) {
	return p.match(rec)
}

// Sorted reports whether the plan orders its results.
func (p *Plan) Sorted() bool { return len(p.sorts) > 0 }

// Compare orders two source records by the sort keys, then by entity key.
// Sort keys that fail to evaluate compare as null.
func (p *Plan) Compare(a, b ir.Object) int {
	for i, fn := range p.sorts {
		c := ir.Compare(sortKey(fn, a), sortKey(fn, b))
		if !p.Info.Sorting[i].Ascending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return p.compareKeys(a, b)
}

func (p *Plan) compareKeys(a, b ir.Object) int {
	d := p.Info.Entity
	if d == nil || d.Key == "" {
		return 0
	}
	ka, _ := d.KeyOf(a)
	kb, _ := d.KeyOf(b)
	return ir.Compare(ka, kb)
}

func sortKey(fn compiler.Func, rec ir.Object) ir.Value {
	v, err := fn(rec)
	if err != nil {
		return ir.Null{}
	}
	return v
}

// Output applies the mapping and projection to one matched record.
// Expanded references in the result are replaced by their keys.
func (p *Plan) Output(rec ir.Object) (ir.Value, error) {
	var out ir.Value = rec
	if p.mapping != nil {
		v, err := p.mapping(rec)
		if err != nil {
			return nil, err
		}
		out = v
	}
	switch {
	case p.outRef:
		out = keyOf(p.out, out)
	case p.out != nil:
		out = Collapse(p.reg, p.out, out)
	}
	return Project(out, p.Info.Properties), nil
}

// Run filters, sorts, maps, de-duplicates and pages recs.
func (p *Plan) Run(recs []ir.Object) ([]ir.Value, error) {
	matched, err := p.Filter(recs)
	if err != nil {
		return nil, err
	}
	p.Sort(matched)

	out := make([]ir.Value, 0, len(matched))
	for _, rec := range matched {
		v, err := p.Output(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if p.Info.Distinct {
		out = Distinct(out)
	}
	return Page(out, p.Info.Skip, p.Info.Limit), nil
}

// Filter returns the records that match, in input order.
func (p *Plan) Filter(recs []ir.Object) ([]ir.Object, error) {
	var out []ir.Object
	for _, rec := range recs {
		ok, err := p.match(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Sort orders recs in place by Compare.
func (p *Plan) Sort(recs []ir.Object) {
	slices.SortStableFunc(recs, p.Compare)
}

// Aggregate reduces the matched, mapped records with agg. Paging applies
// before the reduction.
func (p *Plan) Aggregate(recs []ir.Object, agg Aggregator) (ir.Value, error) {
	if err := agg.Validate(); err != nil {
		return nil, err
	}
	matched, err := p.Filter(recs)
	if err != nil {
		return nil, err
	}
	p.Sort(matched)
	matched = Page(matched, p.Info.Skip, p.Info.Limit)

	var of compiler.Func
	if agg.Of != nil {
		if of, err = evaluator.Compile(agg.Of); err != nil {
			return nil, err
		}
	}
	vals := make(ir.Array, 0, len(matched))
	for _, rec := range matched {
		var v ir.Value = rec
		if p.mapping != nil {
			if v, err = p.mapping(rec); err != nil {
				return nil, err
			}
		}
		if of != nil {
			if v, err = of(v); err != nil {
				return nil, err
			}
		}
		vals = append(vals, v)
	}
	return compiler.Reduce(agg.Op, vals)
}

// Page applies skip and limit to a sorted slice.
func Page[E any](items []E, skip, limit int) []E {
	if skip >= len(items) {
		return items[:0]
	}
	items = items[skip:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// Distinct drops values equal to an earlier one, in place.
func Distinct(vals []ir.Value) []ir.Value {
	out := vals[:0]
	for _, v := range vals {
		if !slices.ContainsFunc(out, func(seen ir.Value) bool { return ir.Equal(seen, v) }) {
			out = append(out, v)
		}
	}
	return out
}

// Project keeps only paths of an object value. Other values, and an empty
// path list, pass through.
func Project(v ir.Value, paths []expr.Path) ir.Value {
	obj, ok := v.(ir.Object)
	if !ok || len(paths) == 0 {
		return v
	}
	out := ir.Object{}
	for _, p := range paths {
		copyPath(out, obj, p)
	}
	return out
}

func copyPath(dst, src ir.Object, p expr.Path) {
	v, ok := src[p.Head()]
	if !ok {
		return
	}
	if len(p) == 1 {
		dst[p.Head()] = ir.Clone(v)
		return
	}
	inner, ok := v.(ir.Object)
	if !ok {
		return
	}
	next, ok := dst[p.Head()].(ir.Object)
	if !ok {
		next = ir.Object{}
		dst[p.Head()] = next
	}
	copyPath(next, inner, p.Tail())
}

// Paths returns every root property path q reads: predicate, sort keys and
// mapping.
func Paths(q *Info) []expr.Path {
	var out []expr.Path
	add := func(e expr.Expr) {
		for _, p := range expr.Paths(e) {
			if !slices.ContainsFunc(out, p.Equal) {
				out = append(out, p)
			}
		}
	}
	add(q.Predicate)
	for _, s := range q.Sorting {
		add(s.By)
	}
	add(q.Mapping)
	return out
}

// LookupFunc loads the record of entity d with the given key.
type LookupFunc func(d *entity.Descriptor, key ir.Value) (ir.Object, bool, error)

// Expand replaces reference keys on rec with the referenced records for
// every path that traverses a single-valued reference. rec is not modified.
// Dangling references stay keys, so paths through them read as null.
func Expand(reg *entity.Registry, d *entity.Descriptor, rec ir.Object, paths []expr.Path, lookup LookupFunc) (ir.Object, error) {
	out := rec
	for _, p := range paths {
		steps, err := reg.ResolvePath(d, p)
		if err != nil {
			return nil, err
		}
		if !traversesRef(steps) {
			continue
		}
		if out, err = expandSteps(out, steps, lookup); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Collapse replaces expanded reference values on v with their keys.
func Collapse(reg *entity.Registry, d *entity.Descriptor, v ir.Value) ir.Value {
	out, _ := collapse(reg, d, v)
	return out
}

func collapse(reg *entity.Registry, d *entity.Descriptor, v ir.Value) (ir.Value, bool) {
	obj, ok := v.(ir.Object)
	if !ok || d == nil {
		return v, false
	}
	var out ir.Object
	set := func(name string, val ir.Value) {
		if out == nil {
			out = make(ir.Object, len(obj))
			for k, x := range obj {
				out[k] = x
			}
		}
		out[name] = val
	}
	for _, prop := range d.Properties {
		val, ok := obj[prop.Name].(ir.Object)
		if !ok {
			continue
		}
		switch {
		case prop.IsReference() && !prop.Collection:
			if target, ok := reg.Lookup(prop.Ref); ok {
				set(prop.Name, keyOf(target, val))
			}
		case prop.Embedded != nil && !prop.Collection:
			if c, changed := collapse(reg, prop.Embedded, val); changed {
				set(prop.Name, c)
			}
		}
	}
	if out == nil {
		return obj, false
	}
	return out, true
}

func keyOf(d *entity.Descriptor, v ir.Value) ir.Value {
	obj, ok := v.(ir.Object)
	if !ok || d == nil {
		return v
	}
	if k, ok := d.KeyOf(obj); ok {
		return k
	}
	return ir.Null{}
}

func traversesRef(steps []entity.Step) bool {
	for _, s := range steps[:len(steps)-1] {
		if s.Prop.IsReference() && !s.Prop.Collection {
			return true
		}
	}
	return false
}

func expandSteps(rec ir.Object, steps []entity.Step, lookup LookupFunc) (ir.Object, error) {
	if len(steps) < 2 {
		return rec, nil
	}
	s := steps[0]
	v, ok := rec[s.Prop.Name]
	if !ok || ir.IsNull(v) {
		return rec, nil
	}
	var next ir.Object
	switch {
	case s.Prop.IsReference() && !s.Prop.Collection:
		if obj, ok := v.(ir.Object); ok {
			next = obj
			break
		}
		target, found, err := lookup(s.Target, v)
		if err != nil {
			return nil, err
		}
		if !found {
			return rec, nil
		}
		next = target
	default:
		obj, ok := v.(ir.Object)
		if !ok {
			return rec, nil
		}
		next = obj
	}
	expanded, err := expandSteps(next, steps[1:], lookup)
	if err != nil {
		return nil, err
	}
	out := make(ir.Object, len(rec))
	for k, val := range rec {
		out[k] = val
	}
	out[s.Prop.Name] = expanded
	return out, nil
}
