package config

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
)

type propertySpec struct {
	Name       string         `json:"name"`
	Kind       string         `json:"kind,omitempty"`
	Ref        string         `json:"ref,omitempty"`
	Collection bool           `json:"collection"`
	Embedded   []propertySpec `json:"embedded,omitempty"`
}

// entities builds a descriptor per field of v, in declaration order.
func entities(v cue.Value) ([]*entity.Descriptor, error) {
	if !v.Exists() {
		return nil, nil
	}
	iter, err := v.Fields()
	if err != nil {
		return nil, cueError(ErrCodeEntity, err)
	}
	var out []*entity.Descriptor
	for iter.Next() {
		name := iter.Selector().Unquoted()
		ev := iter.Value()

		key, err := ev.LookupPath(cue.ParsePath("key")).String()
		if err != nil {
			return nil, cueError(ErrCodeEntity, err)
		}
		var specs []propertySpec
		if err := ev.LookupPath(cue.ParsePath("properties")).Decode(&specs); err != nil {
			return nil, cueError(ErrCodeEntity, err)
		}
		props, err := properties(specs)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeEntity, Message: fmt.Sprintf("entity %s: %v", name, err), Pos: ev.Pos()}
		}
		desc := &entity.Descriptor{Name: name, Key: key, Properties: props}
		if err := desc.Validate(); err != nil {
			return nil, &LoadError{Code: ErrCodeEntity, Message: err.Error(), Pos: ev.Pos()}
		}
		out = append(out, desc)
	}
	return out, nil
}

func properties(specs []propertySpec) ([]entity.Property, error) {
	props := make([]entity.Property, len(specs))
	for i, s := range specs {
		p := entity.Property{Name: s.Name, Ref: s.Ref, Collection: s.Collection}
		if s.Kind != "" {
			kind, err := ir.ParseKind(s.Kind)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", s.Name, err)
			}
			p.Kind = kind
		}
		if len(s.Embedded) > 0 {
			inner, err := properties(s.Embedded)
			if err != nil {
				return nil, fmt.Errorf("property %s: %w", s.Name, err)
			}
			p.Embedded = &entity.Descriptor{Name: s.Name, Properties: inner}
		}
		props[i] = p
	}
	return props, nil
}
