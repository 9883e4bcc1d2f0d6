// Package query holds the backend-independent query and command model.
//
// Info, UpdateInfo and DeleteInfo are plain descriptors. Backends compile
// them; the provider executes them; the decorators key shared live queries
// on their canonical form. None of them is mutated after Build.
package query

import (
	"fmt"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/repoerr"
)

// Sort orders results by one expression.
type Sort struct {
	By        expr.Expr
	Ascending bool
}

// Info describes a select over one entity type.
type Info struct {
	Entity *entity.Descriptor

	// Predicate filters source records. Nil matches everything.
	Predicate expr.Expr

	// Mapping transforms each matched record. Nil returns the record.
	Mapping expr.Expr

	// Properties projects the result to a subset of paths. Empty means
	// every property.
	Properties []expr.Path

	Sorting []Sort

	// Limit caps the number of results. Zero or less means no cap.
	Limit int
	Skip  int

	Distinct bool
}

// Clone returns a shallow copy with its own slices.
func (q *Info) Clone() *Info {
	out := *q
	out.Properties = append([]expr.Path(nil), q.Properties...)
	out.Sorting = append([]Sort(nil), q.Sorting...)
	return &out
}

// Unpaged returns a copy without limit and skip.
func (q *Info) Unpaged() *Info {
	out := q.Clone()
	out.Limit, out.Skip = 0, 0
	return out
}

// HasLimit reports whether results are capped.
func (q *Info) HasLimit() bool { return q.Limit > 0 }

// Assignment sets one property to the value of an expression evaluated
// against the current record.
type Assignment struct {
	Path  expr.Path
	Value expr.Expr
}

// UpdateInfo describes a bulk, unversioned field assignment.
type UpdateInfo struct {
	Entity    *entity.Descriptor
	Predicate expr.Expr
	Limit     int
	Set       []Assignment
}

// DeleteInfo describes a bulk delete.
type DeleteInfo struct {
	Entity    *entity.Descriptor
	Predicate expr.Expr
	Limit     int
}

// Aggregator reduces the matched, mapped records to one value.
type Aggregator struct {
	// Op is one of OpCount, OpSum, OpMin, OpMax, OpAvg.
	Op expr.Op

	// Of is evaluated per record. Nil counts records, or aggregates the
	// mapping result.
	Of expr.Expr
}

// Count counts matched records.
func Count() Aggregator { return Aggregator{Op: expr.OpCount} }

// Sum sums e over matched records.
func Sum(e expr.Expr) Aggregator { return Aggregator{Op: expr.OpSum, Of: e} }

// Min takes the smallest e over matched records.
func Min(e expr.Expr) Aggregator { return Aggregator{Op: expr.OpMin, Of: e} }

// Max takes the largest e over matched records.
func Max(e expr.Expr) Aggregator { return Aggregator{Op: expr.OpMax, Of: e} }

// Avg averages e over matched records.
func Avg(e expr.Expr) Aggregator { return Aggregator{Op: expr.OpAvg, Of: e} }

// Validate checks the aggregator's operator.
func (a Aggregator) Validate() error {
	if !a.Op.IsAggregate() {
		return repoerr.Unsupported(fmt.Sprintf("aggregate operator %s", a.Op))
	}
	if a.Op != expr.OpCount && a.Of == nil {
		return repoerr.Unsupported(fmt.Sprintf("aggregate %s without a value", a.Op))
	}
	return nil
}

// Validate checks q against the entity metadata.
//
// Non-empty Properties must be reachable from the mapping's target: the
// entity itself, or the descriptor a property-chain mapping lands on. A
// mapping that is not a property chain to an object admits no projection.
// reg resolves references and may be nil.
func Validate(q *Info, reg *entity.Registry) error {
	if q.Entity == nil {
		return repoerr.Schema("", "query has no entity")
	}
	if q.Limit < 0 || q.Skip < 0 {
		return repoerr.Schema(q.Entity.Name, "negative limit or skip")
	}
	if len(q.Properties) == 0 {
		return nil
	}

	target := q.Entity
	if q.Mapping != nil {
		p, ok := expr.PathOf(q.Mapping)
		if !ok || len(p) == 0 {
			return repoerr.Schema(q.Entity.Name, "projection requires a property mapping, got %s", q.Mapping.Node())
		}
		steps, err := reg.ResolvePath(q.Entity, p)
		if err != nil {
			return err
		}
		target = steps[len(steps)-1].Target
		if target == nil {
			return repoerr.Schema(q.Entity.Name, "mapping %s has no properties to project", p)
		}
	}
	for _, p := range q.Properties {
		if _, err := reg.ResolvePath(target, p); err != nil {
			return err
		}
	}
	return nil
}

// Key returns the canonical hash of q, stable across processes. Two queries
// with the same key describe the same result stream.
func Key(q *Info) (string, error) {
	v := ir.Object{
		"entity":   ir.String(q.Entity.Name),
		"limit":    ir.Int(q.Limit),
		"skip":     ir.Int(q.Skip),
		"distinct": ir.Bool(q.Distinct),
	}
	if q.Predicate != nil {
		v["predicate"] = expr.Encode(q.Predicate)
	}
	if q.Mapping != nil {
		v["mapping"] = expr.Encode(q.Mapping)
	}
	if len(q.Properties) > 0 {
		props := make(ir.Array, len(q.Properties))
		for i, p := range q.Properties {
			props[i] = ir.String(p.String())
		}
		v["properties"] = props
	}
	if len(q.Sorting) > 0 {
		sorts := make(ir.Array, len(q.Sorting))
		for i, s := range q.Sorting {
			sorts[i] = ir.Object{"by": expr.Encode(s.By), "asc": ir.Bool(s.Ascending)}
		}
		v["sorting"] = sorts
	}
	h, err := ir.Hash(ir.DomainQuery, v)
	if err != nil {
		return "", fmt.Errorf("query key: %w", err)
	}
	return h, nil
}
