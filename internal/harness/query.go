package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
)

// QuerySpec is the YAML form of a query. Expressions use the wire form of
// expr.Decode:
//
//	entity: Order
//	where: {op: gt, args: [{prop: total, kind: numeric}, {const: 10}]}
//	order_by: [{path: total, desc: true}]
//	limit: 5
type QuerySpec struct {
	Entity   string      `yaml:"entity"`
	Where    any         `yaml:"where,omitempty"`
	OrderBy  []OrderSpec `yaml:"order_by,omitempty"`
	Limit    int         `yaml:"limit,omitempty"`
	Skip     int         `yaml:"skip,omitempty"`
	Select   []string    `yaml:"select,omitempty"`
	Map      any         `yaml:"map,omitempty"`
	Distinct bool        `yaml:"distinct,omitempty"`
}

// OrderSpec sorts by a property path or by an expression.
type OrderSpec struct {
	Path string `yaml:"path,omitempty"`
	Expr any    `yaml:"expr,omitempty"`
	Desc bool   `yaml:"desc,omitempty"`
}

// LoadQuery reads a query file, rejecting unknown fields.
func LoadQuery(path string) (*QuerySpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query file: %w", err)
	}
	var q QuerySpec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&q); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if q.Entity == "" {
		return nil, fmt.Errorf("invalid query: entity is required")
	}
	return &q, nil
}

// DecodeExpr converts the YAML wire form of an expression. Nil is nil.
func DecodeExpr(raw any) (expr.Expr, error) {
	if raw == nil {
		return nil, nil
	}
	v, err := ir.FromGo(normalizeYAML(raw))
	if err != nil {
		return nil, err
	}
	return expr.Decode(v)
}

// Build resolves the spec against reg and validates it.
func (q *QuerySpec) Build(reg *entity.Registry) (*query.Info, error) {
	desc, err := lookup(reg, q.Entity)
	if err != nil {
		return nil, err
	}
	b := query.From(desc)
	pred, err := DecodeExpr(q.Where)
	if err != nil {
		return nil, fmt.Errorf("where: %w", err)
	}
	b.Where(pred)
	for i, o := range q.OrderBy {
		switch {
		case o.Path != "" && o.Expr == nil:
			b.OrderBy(o.Path, !o.Desc)
		case o.Path == "" && o.Expr != nil:
			e, err := DecodeExpr(o.Expr)
			if err != nil {
				return nil, fmt.Errorf("order_by[%d]: %w", i, err)
			}
			b.OrderByExpr(e, !o.Desc)
		default:
			return nil, fmt.Errorf("order_by[%d]: exactly one of path and expr is required", i)
		}
	}
	if q.Limit > 0 {
		b.Limit(q.Limit)
	}
	if q.Skip > 0 {
		b.Skip(q.Skip)
	}
	if len(q.Select) > 0 {
		b.Select(q.Select...)
	}
	if q.Map != nil {
		m, err := DecodeExpr(q.Map)
		if err != nil {
			return nil, fmt.Errorf("map: %w", err)
		}
		b.Map(m)
	}
	if q.Distinct {
		b.Distinct()
	}
	info := b.Build()
	if err := query.Validate(info, reg); err != nil {
		return nil, err
	}
	return info, nil
}

func lookup(reg *entity.Registry, name string) (*entity.Descriptor, error) {
	desc, ok := reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q", name)
	}
	return desc, nil
}

// normalizeYAML turns the map[any]any nodes yaml can produce for non-string
// keys into map[string]any.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeYAML(elem)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[fmt.Sprint(k)] = normalizeYAML(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeYAML(elem)
		}
		return out
	}
	return v
}

// toValue converts a YAML value to an ir.Value.
func toValue(v any) (ir.Value, error) {
	return ir.FromGo(normalizeYAML(v))
}
