package entity

import (
	"fmt"
	"sync"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/repoerr"
)

// Registry caches descriptors by type name. Reads and insert-if-absent are
// safe for concurrent use.
type Registry struct {
	mu    sync.Mutex // serializes Register
	types sync.Map   // name -> *Descriptor
}

// NewRegistry returns a registry holding descs, registered in order.
func NewRegistry(descs ...*Descriptor) (*Registry, error) {
	r := &Registry{}
	if err := r.RegisterAll(descs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Register validates d and stores it under its name. Registering the same
// name twice keeps the first descriptor and returns it.
//
// Every reference must name a registered type with a key (or d itself).
func (r *Registry) Register(d *Descriptor) (*Descriptor, error) {
	if existing, ok := r.Lookup(d.Name); ok {
		return existing, nil
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if d.Key == "" {
		return nil, repoerr.Schema(d.Name, "entity type has no key property")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.Lookup(d.Name); ok {
		return existing, nil
	}
	if err := r.checkRefs(d, d); err != nil {
		return nil, err
	}
	actual, _ := r.types.LoadOrStore(d.Name, d)
	return actual.(*Descriptor), nil
}

// RegisterAll registers several descriptors. Order matters only for
// references: a referenced type must come first unless it is in the same
// call, in which case all are checked together.
func (r *Registry) RegisterAll(descs ...*Descriptor) error {
	pending := make(map[string]*Descriptor, len(descs))
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return err
		}
		pending[d.Name] = d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	lookup := func(name string) (*Descriptor, bool) {
		if d, ok := pending[name]; ok {
			return d, true
		}
		return r.Lookup(name)
	}
	for _, d := range descs {
		if d.Key == "" {
			return repoerr.Schema(d.Name, "entity type has no key property")
		}
		if err := checkRefs(lookup, d, d); err != nil {
			return err
		}
	}
	for _, d := range descs {
		r.types.LoadOrStore(d.Name, d)
	}
	return nil
}

// MustRegister is like Register but panics on error.
// Use only in tests or with static descriptors.
func (r *Registry) MustRegister(d *Descriptor) *Descriptor {
	out, err := r.Register(d)
	if err != nil {
		panic(err)
	}
	return out
}

// Lookup returns the descriptor registered under name. A nil registry
// holds nothing.
func (r *Registry) Lookup(name string) (*Descriptor, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.types.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*Descriptor), true
}

// Names returns every registered type name in no particular order.
func (r *Registry) Names() []string {
	var out []string
	r.types.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

func (r *Registry) checkRefs(root, d *Descriptor) error {
	return checkRefs(func(name string) (*Descriptor, bool) {
		if name == root.Name {
			return root, true
		}
		return r.Lookup(name)
	}, root, d)
}

func checkRefs(lookup func(string) (*Descriptor, bool), root, d *Descriptor) error {
	for _, p := range d.Properties {
		if p.Embedded != nil {
			if err := checkRefs(lookup, root, p.Embedded); err != nil {
				return err
			}
		}
		if !p.IsReference() {
			continue
		}
		target, ok := lookup(p.Ref)
		if !ok {
			return repoerr.Schema(root.Name, "property %s references unknown type %s", p.Name, p.Ref)
		}
		if target.Key == "" {
			return repoerr.Schema(root.Name, "property %s references %s, which has no key", p.Name, p.Ref)
		}
	}
	return nil
}

// Step is one hop of a resolved property path.
type Step struct {
	// Owner is the descriptor declaring Prop, nil for hops inside untyped
	// object values.
	Owner *Descriptor
	Prop  Property

	// Target is the descriptor the next hop is resolved against: the
	// embedded shape or the referenced entity. Nil for scalars.
	Target *Descriptor
}

// ResolvePath walks p from d through embedded values and references.
// Segments after an untyped object property are accepted as-is.
func (r *Registry) ResolvePath(d *Descriptor, p expr.Path) ([]Step, error) {
	if len(p) == 0 {
		return nil, repoerr.Schema(d.Name, "empty property path")
	}
	steps := make([]Step, 0, len(p))
	cur := d
	for i, name := range p {
		if cur == nil {
			steps = append(steps, Step{Prop: Property{Name: name}})
			continue
		}
		prop, ok := cur.Property(name)
		if !ok {
			return nil, repoerr.Schema(d.Name, "unknown property %q in path %s", name, p)
		}
		step := Step{Owner: cur, Prop: prop}
		last := i == len(p)-1
		switch {
		case prop.Embedded != nil:
			step.Target = prop.Embedded
		case prop.IsReference():
			target, ok := r.Lookup(prop.Ref)
			if !ok {
				return nil, repoerr.Schema(d.Name, "property %s references unknown type %s", name, prop.Ref)
			}
			step.Target = target
		case !last && (prop.Kind == ir.KindObject || prop.Kind == ir.KindNull):
			// untyped object: remaining segments are free-form
		case !last:
			return nil, repoerr.Schema(d.Name, "property %q of kind %s has no properties (path %s)", name, prop.Kind, p)
		}
		steps = append(steps, step)
		cur = step.Target
	}
	return steps, nil
}

// Reachable reports whether path p resolves from d.
func (r *Registry) Reachable(d *Descriptor, p expr.Path) error {
	if _, err := r.ResolvePath(d, p); err != nil {
		return fmt.Errorf("resolve %s: %w", p, err)
	}
	return nil
}
