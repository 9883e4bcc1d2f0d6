package repo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

// Update starts a bulk update. Bulk updates do not check versions; use
// Entities().Update for a read-modify-write of one entity.
func (r *Repository[K, T]) Update() *Update[K, T] {
	return &Update[K, T]{r: r, b: query.Update(r.desc)}
}

// Update is a fluent bulk update.
type Update[K, T any] struct {
	r *Repository[K, T]
	b *query.UpdateBuilder
}

// Set assigns the value of e, evaluated against each record, to path.
func (u *Update[K, T]) Set(path string, e expr.Expr) *Update[K, T] {
	u.b.Set(path, e)
	return u
}

// SetValue assigns the constant v to path.
func (u *Update[K, T]) SetValue(path string, v any) *Update[K, T] {
	return u.Set(path, expr.C(v))
}

func (u *Update[K, T]) Where(pred expr.Expr) *Update[K, T] {
	u.b.Where(pred)
	return u
}

func (u *Update[K, T]) Limit(n int) *Update[K, T] {
	u.b.Limit(n)
	return u
}

// Execute runs the update and returns the number of records changed.
func (u *Update[K, T]) Execute(ctx context.Context) (int64, error) {
	return u.r.p.Update(ctx, u.b.Build())
}

// Delete starts a bulk delete.
func (r *Repository[K, T]) Delete() *Delete[K, T] {
	return &Delete[K, T]{r: r, b: query.Delete(r.desc)}
}

// Delete is a fluent bulk delete.
type Delete[K, T any] struct {
	r *Repository[K, T]
	b *query.DeleteBuilder
}

func (d *Delete[K, T]) Where(pred expr.Expr) *Delete[K, T] {
	d.b.Where(pred)
	return d
}

func (d *Delete[K, T]) Limit(n int) *Delete[K, T] {
	d.b.Limit(n)
	return d
}

// Execute runs the delete and returns the number of records removed.
func (d *Delete[K, T]) Execute(ctx context.Context) (int64, error) {
	return d.r.p.Delete(ctx, d.b.Build())
}

// Entities returns the per-entity write surface.
func (r *Repository[K, T]) Entities() *Entities[K, T] {
	return &Entities[K, T]{r: r}
}

// Entities writes single entities with optimistic concurrency.
type Entities[K, T any] struct {
	r *Repository[K, T]
}

// UpdateFunc computes the new state of an entity from its current one. cur
// is nil when there is none; returning nil deletes it, or leaves it absent.
type UpdateFunc[T any] func(cur *T) (*T, error)

func (e *Entities[K, T]) updater(fn UpdateFunc[T]) provider.Updater {
	r := e.r
	return func(rec ir.Object) (ir.Object, error) {
		var cur *T
		if rec != nil {
			v, err := r.decode(rec)
			if err != nil {
				return nil, err
			}
			cur = &v
		}
		next, err := fn(cur)
		if err != nil || next == nil {
			return nil, err
		}
		return r.codec.Encode(*next)
	}
}

func (e *Entities[K, T]) result(rec ir.Object) (*T, error) {
	if rec == nil {
		return nil, nil
	}
	v, err := e.r.decode(rec)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Update runs one read-modify-write of the entity under key and returns
// the entity as stored, nil when it was deleted. It fails with a conflict
// when the entity changed between the read and the write.
func (e *Entities[K, T]) Update(ctx context.Context, key K, fn UpdateFunc[T]) (*T, error) {
	k, err := e.r.key(key)
	if err != nil {
		return nil, err
	}
	rec, err := e.r.p.InsertOrUpdate(ctx, e.r.desc, k, e.updater(fn))
	if err != nil {
		return nil, err
	}
	return e.result(rec)
}

// UpdateAll runs fn for every key as one atomic unit. fn must not write
// through the repository.
func (e *Entities[K, T]) UpdateAll(ctx context.Context, keys []K, fn UpdateFunc[T]) ([]*T, error) {
	ups := make([]provider.Upsert, len(keys))
	for i, key := range keys {
		k, err := e.r.key(key)
		if err != nil {
			return nil, err
		}
		ups[i] = provider.Upsert{Key: k, Fn: e.updater(fn)}
	}
	recs, err := e.r.p.InsertOrUpdateAll(ctx, e.r.desc, ups)
	if err != nil {
		return nil, err
	}
	out := make([]*T, len(recs))
	for i, rec := range recs {
		if out[i], err = e.result(rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Put stores v, replacing any entity under the same key.
func (e *Entities[K, T]) Put(ctx context.Context, v T) (*T, error) {
	rec, err := e.r.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	k, ok := e.r.desc.KeyOf(rec)
	if !ok {
		return nil, fmt.Errorf("put %s: value has no key", e.r.desc.Name)
	}
	stored, err := e.r.p.InsertOrUpdate(ctx, e.r.desc, k, func(ir.Object) (ir.Object, error) {
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return e.result(stored)
}

// Remove deletes the entity under key. It reports whether there was one.
func (e *Entities[K, T]) Remove(ctx context.Context, key K) (bool, error) {
	var found bool
	_, err := e.Update(ctx, key, func(cur *T) (*T, error) {
		found = cur != nil
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	slog.Debug("remove", "entity", e.r.desc.Name, "found", found)
	return found, nil
}
