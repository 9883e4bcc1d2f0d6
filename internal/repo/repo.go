// Package repo is the typed surface application code uses: a Repository
// per entity type, fluent queries and commands over it, and live views
// decoded to the entity's Go type.
//
//	orders := repo.New[int, Order](p, OrderDesc, entity.JSONCodec[Order]{Desc: OrderDesc})
//	paid, err := orders.Find(ctx, expr.Eq(expr.Str("status"), expr.C("PAID")))
//	_, err = orders.Entities().Update(ctx, 1, func(cur *Order) (*Order, error) { ... })
package repo

import (
	"context"
	"fmt"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

// Repository reads and writes entities of one type through a provider.
// K is the Go type of the key, T the entity type.
type Repository[K, T any] struct {
	p     provider.Provider
	desc  *entity.Descriptor
	codec entity.Codec[T]
}

// New returns the repository of desc's entities, converted with codec.
func New[K, T any](p provider.Provider, desc *entity.Descriptor, codec entity.Codec[T]) *Repository[K, T] {
	return &Repository[K, T]{p: p, desc: desc, codec: codec}
}

// Descriptor returns the entity type the repository serves.
func (r *Repository[K, T]) Descriptor() *entity.Descriptor { return r.desc }

func (r *Repository[K, T]) decode(v ir.Value) (T, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		var zero T
		return zero, fmt.Errorf("decode %s: result is %s, not a record", r.desc.Name, ir.KindOf(v))
	}
	return r.codec.Decode(entity.NewResolver(r.desc, obj))
}

func (r *Repository[K, T]) decodeAll(vals []ir.Value) ([]T, error) {
	out := make([]T, len(vals))
	for i, v := range vals {
		var err error
		if out[i], err = r.decode(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository[K, T]) key(k K) (ir.Value, error) {
	v, err := ir.FromGo(k)
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", r.desc.Name, err)
	}
	return v, nil
}

func (r *Repository[K, T]) byKey(k K) (expr.Expr, error) {
	v, err := r.key(k)
	if err != nil {
		return nil, err
	}
	return expr.Eq(expr.P(r.desc.Key), expr.Lit(v)), nil
}

// Get returns the entity under key. The boolean is false when there is
// none.
func (r *Repository[K, T]) Get(ctx context.Context, key K) (T, bool, error) {
	var zero T
	pred, err := r.byKey(key)
	if err != nil {
		return zero, false, err
	}
	found, err := r.Query().Where(pred).Limit(1).Select(ctx)
	if err != nil || len(found) == 0 {
		return zero, false, err
	}
	return found[0], true, nil
}

// Find returns every entity matching pred. A nil pred matches all.
func (r *Repository[K, T]) Find(ctx context.Context, pred expr.Expr) ([]T, error) {
	return r.Query().Where(pred).Select(ctx)
}

// Count returns the number of entities matching pred.
func (r *Repository[K, T]) Count(ctx context.Context, pred expr.Expr) (int64, error) {
	return r.Query().Where(pred).Count(ctx)
}

// Observe streams the entities matching pred as creates, followed by every
// later change to them.
func (r *Repository[K, T]) Observe(ctx context.Context, pred expr.Expr) (*notify.Stream[notify.Notification[T]], error) {
	return r.Query().Where(pred).LiveSelect().Observe(ctx)
}

// Query starts a query over the repository's entities.
func (r *Repository[K, T]) Query() *Query[K, T] {
	return &Query[K, T]{r: r, b: query.From(r.desc)}
}

// Query is a fluent query. Methods before Select, Values, Count, Aggregate
// or LiveSelect refine it; those run it.
type Query[K, T any] struct {
	r *Repository[K, T]
	b *query.Builder
}

// Where adds a predicate, and-ed with earlier ones.
func (q *Query[K, T]) Where(pred expr.Expr) *Query[K, T] {
	q.b.Where(pred)
	return q
}

// OrderBy sorts by the property at path.
func (q *Query[K, T]) OrderBy(path string, ascending bool) *Query[K, T] {
	q.b.OrderBy(path, ascending)
	return q
}

// OrderByExpr sorts by e.
func (q *Query[K, T]) OrderByExpr(e expr.Expr, ascending bool) *Query[K, T] {
	q.b.OrderByExpr(e, ascending)
	return q
}

func (q *Query[K, T]) Limit(n int) *Query[K, T] {
	q.b.Limit(n)
	return q
}

func (q *Query[K, T]) Skip(n int) *Query[K, T] {
	q.b.Skip(n)
	return q
}

// Project keeps only the given paths of each result. Projected results are
// read with Values.
func (q *Query[K, T]) Project(paths ...string) *Query[K, T] {
	q.b.Select(paths...)
	return q
}

// Map replaces each result with e. Mapped results are read with Values.
func (q *Query[K, T]) Map(e expr.Expr) *Query[K, T] {
	q.b.Map(e)
	return q
}

func (q *Query[K, T]) Distinct() *Query[K, T] {
	q.b.Distinct()
	return q
}

// Info returns the query built so far.
func (q *Query[K, T]) Info() *query.Info { return q.b.Build() }

// Select runs the query and decodes the results.
func (q *Query[K, T]) Select(ctx context.Context) ([]T, error) {
	vals, err := q.Values(ctx)
	if err != nil {
		return nil, err
	}
	return q.r.decodeAll(vals)
}

// Values runs the query and returns the raw results.
func (q *Query[K, T]) Values(ctx context.Context) ([]ir.Value, error) {
	return q.r.p.Query(ctx, q.Info())
}

// Count returns the number of results.
func (q *Query[K, T]) Count(ctx context.Context) (int64, error) {
	v, err := q.Aggregate(ctx, query.Count())
	if err != nil {
		return 0, err
	}
	n, ok := v.(ir.Int)
	if !ok {
		return 0, fmt.Errorf("count %s: result is %s", q.r.desc.Name, ir.KindOf(v))
	}
	return int64(n), nil
}

// Aggregate reduces the results with agg.
func (q *Query[K, T]) Aggregate(ctx context.Context, agg query.Aggregator) (ir.Value, error) {
	return q.r.p.Aggregate(ctx, q.Info(), agg)
}

// LiveSelect turns the query into a live view.
func (q *Query[K, T]) LiveSelect() *Live[K, T] {
	return &Live[K, T]{r: q.r, q: q.Info()}
}
