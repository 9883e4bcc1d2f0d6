package query

import (
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
)

// Builder assembles an Info. Each method returns the builder; Build returns
// an independent copy, so a builder can be reused as a template.
type Builder struct {
	q Info
}

// From starts a query over d.
func From(d *entity.Descriptor) *Builder {
	return &Builder{q: Info{Entity: d}}
}

// Where adds a predicate, and-ed with any earlier one.
func (b *Builder) Where(e expr.Expr) *Builder {
	b.q.Predicate = and(b.q.Predicate, e)
	return b
}

// OrderBy appends a sort on the property at path, a dotted name.
func (b *Builder) OrderBy(path string, ascending bool) *Builder {
	return b.OrderByExpr(expr.ParsePath(path).Expr(expr.KindComparable), ascending)
}

// OrderByExpr appends a sort on an arbitrary expression.
func (b *Builder) OrderByExpr(e expr.Expr, ascending bool) *Builder {
	b.q.Sorting = append(b.q.Sorting, Sort{By: e, Ascending: ascending})
	return b
}

// Limit caps the result count.
func (b *Builder) Limit(n int) *Builder {
	b.q.Limit = n
	return b
}

// Skip drops the first n results.
func (b *Builder) Skip(n int) *Builder {
	b.q.Skip = n
	return b
}

// Select projects results to the given dotted paths.
func (b *Builder) Select(paths ...string) *Builder {
	for _, p := range paths {
		b.q.Properties = append(b.q.Properties, expr.ParsePath(p))
	}
	return b
}

// Map replaces each result with the value of e.
func (b *Builder) Map(e expr.Expr) *Builder {
	b.q.Mapping = e
	return b
}

// Distinct removes duplicate results.
func (b *Builder) Distinct() *Builder {
	b.q.Distinct = true
	return b
}

// Build returns the assembled query.
func (b *Builder) Build() *Info {
	return b.q.Clone()
}

// UpdateBuilder assembles an UpdateInfo.
type UpdateBuilder struct {
	u UpdateInfo
}

// Update starts a bulk update of d.
func Update(d *entity.Descriptor) *UpdateBuilder {
	return &UpdateBuilder{u: UpdateInfo{Entity: d}}
}

// Set assigns the value of e to the property at path.
func (b *UpdateBuilder) Set(path string, e expr.Expr) *UpdateBuilder {
	b.u.Set = append(b.u.Set, Assignment{Path: expr.ParsePath(path), Value: e})
	return b
}

func (b *UpdateBuilder) Where(e expr.Expr) *UpdateBuilder {
	b.u.Predicate = and(b.u.Predicate, e)
	return b
}

func (b *UpdateBuilder) Limit(n int) *UpdateBuilder {
	b.u.Limit = n
	return b
}

func (b *UpdateBuilder) Build() *UpdateInfo {
	out := b.u
	out.Set = append([]Assignment(nil), b.u.Set...)
	return &out
}

// DeleteBuilder assembles a DeleteInfo.
type DeleteBuilder struct {
	d DeleteInfo
}

// Delete starts a bulk delete of d.
func Delete(d *entity.Descriptor) *DeleteBuilder {
	return &DeleteBuilder{d: DeleteInfo{Entity: d}}
}

func (b *DeleteBuilder) Where(e expr.Expr) *DeleteBuilder {
	b.d.Predicate = and(b.d.Predicate, e)
	return b
}

func (b *DeleteBuilder) Limit(n int) *DeleteBuilder {
	b.d.Limit = n
	return b
}

func (b *DeleteBuilder) Build() *DeleteInfo {
	out := b.d
	return &out
}

func and(prev, e expr.Expr) expr.Expr {
	switch {
	case e == nil:
		return prev
	case prev == nil:
		return e
	}
	return expr.And(prev, e)
}
