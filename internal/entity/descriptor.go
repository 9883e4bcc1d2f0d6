// Package entity describes stored entity types and the boundary between
// raw backend records and typed values.
//
// A Descriptor lists an entity's properties in declaration order together
// with the key property. Descriptors are registered once per type name in a
// Registry and are immutable afterwards.
package entity

import (
	"fmt"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/repoerr"
)

// VersionProperty is the reserved integer property stamped on every stored
// record. It is incremented on every successful write.
const VersionProperty = "version"

// Property describes one named property.
type Property struct {
	Name string

	// Kind is the declared value kind. KindNull means any value.
	Kind ir.Kind

	// Ref names the entity type this property references by key.
	Ref string

	// Embedded describes the shape of an embedded object value.
	Embedded *Descriptor

	// Collection marks a list of Kind, Ref or Embedded values.
	Collection bool
}

// IsReference reports whether the property holds the key of another entity.
func (p Property) IsReference() bool { return p.Ref != "" }

// IsScalar reports whether the property maps to a plain column.
func (p Property) IsScalar() bool {
	return !p.Collection && p.Embedded == nil && p.Kind != ir.KindObject && p.Kind != ir.KindArray
}

// Descriptor describes an entity type or an embedded value shape.
type Descriptor struct {
	// Name is the type's simple name, used as the table or collection name.
	Name string

	// Key is the key property. Embedded shapes have no key.
	Key string

	Properties []Property
}

// Property returns the named property. The reserved version property is
// reported for keyed descriptors.
func (d *Descriptor) Property(name string) (Property, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p, true
		}
	}
	if name == VersionProperty && d.Key != "" {
		return Property{Name: VersionProperty, Kind: ir.KindInt}, true
	}
	return Property{}, false
}

// KeyProperty returns the key property.
func (d *Descriptor) KeyProperty() (Property, bool) {
	if d.Key == "" {
		return Property{}, false
	}
	return d.Property(d.Key)
}

// Names returns the declared property names in order.
func (d *Descriptor) Names() []string {
	out := make([]string, len(d.Properties))
	for i, p := range d.Properties {
		out[i] = p.Name
	}
	return out
}

// Validate checks the descriptor on its own: unique names, a scalar key and
// no use of the reserved version name. References are checked by the
// Registry.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return repoerr.Schema("", "descriptor has no name")
	}
	seen := make(map[string]bool, len(d.Properties))
	for _, p := range d.Properties {
		if p.Name == "" {
			return repoerr.Schema(d.Name, "property with empty name")
		}
		if p.Name == VersionProperty {
			return repoerr.Schema(d.Name, "property name %q is reserved", VersionProperty)
		}
		if seen[p.Name] {
			return repoerr.Schema(d.Name, "duplicate property %q", p.Name)
		}
		seen[p.Name] = true
		if p.Embedded != nil {
			if err := p.Embedded.Validate(); err != nil {
				return fmt.Errorf("property %s: %w", p.Name, err)
			}
		}
	}
	if d.Key != "" {
		key, ok := d.KeyProperty()
		if !ok {
			return repoerr.Schema(d.Name, "key property %q is not declared", d.Key)
		}
		if !key.IsScalar() || key.IsReference() {
			return repoerr.Schema(d.Name, "key property %q must be a scalar", d.Key)
		}
	}
	return nil
}

// KeyOf returns the key value of rec.
func (d *Descriptor) KeyOf(rec ir.Object) (ir.Value, bool) {
	if d.Key == "" {
		return nil, false
	}
	v, ok := rec[d.Key]
	if !ok || ir.IsNull(v) {
		return nil, false
	}
	return v, true
}

// VersionOf returns the version stamped on rec, or 0 when absent.
func VersionOf(rec ir.Object) int64 {
	if v, ok := rec[VersionProperty].(ir.Int); ok {
		return int64(v)
	}
	return 0
}

// Coerce converts every declared property of rec to its declared kind.
// Backends that lose type information (JSON numbers, SQLite affinities)
// call this on every record they return. Undeclared properties pass through.
func (d *Descriptor) Coerce(rec ir.Object) (ir.Object, error) {
	out := make(ir.Object, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, p := range d.Properties {
		v, ok := out[p.Name]
		if !ok || ir.IsNull(v) {
			continue
		}
		conv, err := p.coerce(v)
		if err != nil {
			return nil, repoerr.Schema(d.Name, "property %s: %v", p.Name, err)
		}
		out[p.Name] = conv
	}
	if v, ok := out[VersionProperty]; ok && !ir.IsNull(v) && d.Key != "" {
		conv, err := ir.Coerce(v, ir.KindInt)
		if err != nil {
			return nil, repoerr.Schema(d.Name, "version: %v", err)
		}
		out[VersionProperty] = conv
	}
	return out, nil
}

func (p Property) coerce(v ir.Value) (ir.Value, error) {
	if p.Collection {
		arr, err := ir.Coerce(v, ir.KindArray)
		if err != nil {
			return nil, err
		}
		elem := p
		elem.Collection = false
		out := make(ir.Array, len(arr.(ir.Array)))
		for i, item := range arr.(ir.Array) {
			if ir.IsNull(item) {
				out[i] = item
				continue
			}
			if out[i], err = elem.coerce(item); err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return out, nil
	}
	if p.Embedded != nil {
		obj, err := ir.Coerce(v, ir.KindObject)
		if err != nil {
			return nil, err
		}
		return p.Embedded.Coerce(obj.(ir.Object))
	}
	if p.Kind == ir.KindNull {
		return v, nil
	}
	return ir.Coerce(v, p.Kind)
}
