package entity

import (
	"slices"

	"github.com/roach88/quarry/internal/ir"
)

// PropertyResolver is a read-only view over one raw backend record.
// Nested values are materialized only when asked for.
type PropertyResolver interface {
	// PropertyNames returns the names present in the record.
	PropertyNames() []string

	// Property returns the raw value of name.
	Property(name string) (ir.Value, bool)

	// Nested returns a resolver over an object-valued property.
	Nested(name string) (PropertyResolver, bool)

	// Key returns the record's key value.
	Key() (ir.Value, bool)
}

// RecordResolver resolves properties of an ir.Object.
type RecordResolver struct {
	desc *Descriptor
	rec  ir.Object
}

// NewResolver returns a resolver over rec. desc may be nil for untyped
// values; it orders property names and supplies the key.
func NewResolver(desc *Descriptor, rec ir.Object) *RecordResolver {
	return &RecordResolver{desc: desc, rec: rec}
}

// PropertyNames returns declared names present in the record first, in
// declaration order, then any other names sorted.
func (r *RecordResolver) PropertyNames() []string {
	out := make([]string, 0, len(r.rec))
	declared := map[string]bool{}
	if r.desc != nil {
		for _, p := range r.desc.Properties {
			declared[p.Name] = true
			if _, ok := r.rec[p.Name]; ok {
				out = append(out, p.Name)
			}
		}
	}
	var rest []string
	for k := range r.rec {
		if !declared[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

func (r *RecordResolver) Property(name string) (ir.Value, bool) {
	v, ok := r.rec[name]
	return v, ok
}

func (r *RecordResolver) Nested(name string) (PropertyResolver, bool) {
	obj, ok := r.rec[name].(ir.Object)
	if !ok {
		return nil, false
	}
	var desc *Descriptor
	if r.desc != nil {
		if p, ok := r.desc.Property(name); ok {
			desc = p.Embedded
		}
	}
	return NewResolver(desc, obj), true
}

func (r *RecordResolver) Key() (ir.Value, bool) {
	if r.desc == nil {
		return nil, false
	}
	return r.desc.KeyOf(r.rec)
}

// Record returns the underlying object.
func (r *RecordResolver) Record() ir.Object { return r.rec }

// Merge returns a resolver that reads patch first and falls back to base.
// Object-valued properties present in both are merged recursively.
func Merge(base, patch PropertyResolver) PropertyResolver {
	return &mergedResolver{base: base, patch: patch}
}

type mergedResolver struct {
	base, patch PropertyResolver
}

func (m *mergedResolver) PropertyNames() []string {
	out := m.base.PropertyNames()
	seen := make(map[string]bool, len(out))
	for _, n := range out {
		seen[n] = true
	}
	for _, n := range m.patch.PropertyNames() {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out
}

func (m *mergedResolver) Property(name string) (ir.Value, bool) {
	if _, ok := m.patch.Property(name); ok {
		if nested, ok := m.Nested(name); ok {
			return Materialize(nested), true
		}
		return m.patch.Property(name)
	}
	return m.base.Property(name)
}

func (m *mergedResolver) Nested(name string) (PropertyResolver, bool) {
	p, pok := m.patch.Nested(name)
	b, bok := m.base.Nested(name)
	switch {
	case pok && bok:
		return Merge(b, p), true
	case pok:
		return p, true
	case bok:
		if _, shadowed := m.patch.Property(name); shadowed {
			return nil, false
		}
		return b, true
	}
	return nil, false
}

func (m *mergedResolver) Key() (ir.Value, bool) {
	if k, ok := m.patch.Key(); ok {
		return k, true
	}
	return m.base.Key()
}

// Materialize copies every property of r into an object, recursing into
// nested resolvers.
func Materialize(r PropertyResolver) ir.Object {
	if rr, ok := r.(*RecordResolver); ok {
		return rr.rec.Clone()
	}
	out := ir.Object{}
	for _, name := range r.PropertyNames() {
		if nested, ok := r.Nested(name); ok {
			out[name] = Materialize(nested)
			continue
		}
		if v, ok := r.Property(name); ok {
			out[name] = ir.Clone(v)
		}
	}
	return out
}
