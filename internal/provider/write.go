package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store"
)

// write is the outcome of one read-modify-write, not yet applied.
// Old is nil for an insert and New is nil for a delete.
type write struct {
	desc    *entity.Descriptor
	key     ir.Value
	version int64 // observed version, 0 when absent
	old     ir.Object
	new     ir.Object
}

// apply performs w with a version check.
func (w *write) apply(ctx context.Context, b store.Backend) error {
	name := w.desc.Name
	switch {
	case w.old == nil:
		err := b.Insert(ctx, w.desc, w.new)
		if errors.Is(err, store.ErrDuplicateKey) {
			return repoerr.DuplicateKey("upsert", name, w.key, err)
		}
		return repoerr.Backend("upsert", name, err)
	case w.new == nil:
		n, err := b.DeleteVersioned(ctx, w.desc, w.key, w.version)
		if err != nil {
			return repoerr.Backend("upsert", name, err)
		}
		if n == 0 {
			return repoerr.Conflict("upsert", name, w.key, w.version)
		}
		return nil
	default:
		n, err := b.UpdateVersioned(ctx, w.desc, w.key, w.version, w.new)
		if err != nil {
			return repoerr.Backend("upsert", name, err)
		}
		if n == 0 {
			return repoerr.Conflict("upsert", name, w.key, w.version)
		}
		return nil
	}
}

func (w *write) change() store.Change {
	return store.Change{Entity: w.desc.Name, Key: w.key, Old: w.old, New: w.new}
}

// prepare looks up the record under key and runs fn on it with its
// single-valued references resolved. It returns the write to make, nil when
// fn left the record unchanged, and the record as it will be stored.
func (e *Engine) prepare(ctx context.Context, desc *entity.Descriptor, key ir.Value, fn Updater) (*write, ir.Object, error) {
	key, err := keyValue(desc, key)
	if err != nil {
		return nil, nil, err
	}
	cur, found, err := e.backend.Lookup(ctx, desc, key)
	if err != nil {
		return nil, nil, repoerr.Backend("upsert", desc.Name, err)
	}
	var arg ir.Object
	if found {
		if arg, err = e.resolve(ctx, desc, cur); err != nil {
			return nil, nil, err
		}
	}
	next, err := fn(arg)
	if err != nil {
		return nil, nil, err
	}

	w := &write{desc: desc, key: key}
	if found {
		w.old = cur
		w.version = entity.VersionOf(cur)
	}
	if next == nil {
		if !found {
			return nil, nil, nil
		}
		return w, nil, nil
	}

	next = query.Collapse(e.reg, desc, next).(ir.Object)
	next, err = candidate(desc, key, next)
	if err != nil {
		return nil, nil, err
	}
	if found && unchanged(cur, next) {
		return nil, cur, nil
	}
	// An insert is stored at version 0; every later write adds one.
	if found {
		next[entity.VersionProperty] = ir.Int(w.version + 1)
	} else {
		next[entity.VersionProperty] = ir.Int(0)
	}
	w.new = next
	return w, next, nil
}

// InsertOrUpdate runs one read-modify-write cycle. The record is read
// outside the write's atomic unit; a concurrent write in between makes the
// versioned write fail with a conflict.
func (e *Engine) InsertOrUpdate(ctx context.Context, desc *entity.Descriptor, key ir.Value, fn Updater) (ir.Object, error) {
	if err := e.ensure(ctx, desc); err != nil {
		return nil, err
	}
	w, result, err := e.prepare(ctx, desc, key, fn)
	if err != nil {
		return nil, err
	}
	if w == nil {
		slog.Debug("upsert unchanged", "entity", desc.Name, "key", ir.ToGo(key))
		return result, nil
	}
	err = e.transact(ctx, "upsert", desc.Name, func(ctx context.Context) ([]store.Change, error) {
		if err := w.apply(ctx, e.backend); err != nil {
			return nil, err
		}
		return []store.Change{w.change()}, nil
	})
	if err != nil {
		if repoerr.IsConflict(err) {
			slog.Debug("upsert conflict", "entity", desc.Name, "key", ir.ToGo(key), "version", w.version)
		}
		return nil, err
	}
	slog.Debug("upsert", "entity", desc.Name, "key", ir.ToGo(key), "version", entity.VersionOf(result))
	return result, nil
}

// InsertOrUpdateAll runs every upsert inside one atomic unit, reads
// included. Updaters must not write through the provider themselves.
func (e *Engine) InsertOrUpdateAll(ctx context.Context, desc *entity.Descriptor, ups []Upsert) ([]ir.Object, error) {
	if err := e.ensure(ctx, desc); err != nil {
		return nil, err
	}
	results := make([]ir.Object, len(ups))
	err := e.transact(ctx, "upsert", desc.Name, func(ctx context.Context) ([]store.Change, error) {
		var changes []store.Change
		for i, u := range ups {
			w, result, err := e.prepare(ctx, desc, u.Key, u.Fn)
			if err != nil {
				return nil, fmt.Errorf("upsert %d: %w", i, err)
			}
			results[i] = result
			if w == nil {
				continue
			}
			if err := w.apply(ctx, e.backend); err != nil {
				return nil, fmt.Errorf("upsert %d: %w", i, err)
			}
			changes = append(changes, w.change())
		}
		return changes, nil
	})
	if err != nil {
		return nil, err
	}
	slog.Debug("upsert all", "entity", desc.Name, "count", len(ups))
	return results, nil
}

// Update runs a bulk assignment and publishes a modify for every record it
// changed.
func (e *Engine) Update(ctx context.Context, u *query.UpdateInfo) (int64, error) {
	if err := e.ensure(ctx, u.Entity); err != nil {
		return 0, err
	}
	desc := u.Entity
	var n int64
	err := e.transact(ctx, "update", desc.Name, func(ctx context.Context) ([]store.Change, error) {
		before, err := e.backend.Select(ctx, &query.Info{Entity: desc, Predicate: u.Predicate, Limit: u.Limit})
		if err != nil {
			return nil, err
		}
		if n, err = e.backend.Update(ctx, u); err != nil {
			return nil, err
		}
		var changes []store.Change
		for _, old := range before {
			key, _ := desc.KeyOf(old)
			after, found, err := e.backend.Lookup(ctx, desc, key)
			if err != nil {
				return nil, err
			}
			if !found || ir.Equal(old, after) {
				continue
			}
			changes = append(changes, store.Change{Entity: desc.Name, Key: key, Old: old, New: after})
		}
		return changes, nil
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("update", "entity", desc.Name, "rows", n)
	return n, nil
}

// Delete removes the matched records and publishes a delete for each.
func (e *Engine) Delete(ctx context.Context, d *query.DeleteInfo) (int64, error) {
	if err := e.ensure(ctx, d.Entity); err != nil {
		return 0, err
	}
	desc := d.Entity
	var n int64
	err := e.transact(ctx, "delete", desc.Name, func(ctx context.Context) ([]store.Change, error) {
		matched, err := e.backend.Select(ctx, &query.Info{Entity: desc, Predicate: d.Predicate, Limit: d.Limit})
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			n = 0
			return nil, nil
		}
		if n, err = e.backend.Delete(ctx, d); err != nil {
			return nil, err
		}
		changes := make([]store.Change, len(matched))
		for i, old := range matched {
			key, _ := desc.KeyOf(old)
			changes[i] = store.Change{Entity: desc.Name, Key: key, Old: old}
		}
		return changes, nil
	})
	if err != nil {
		return 0, err
	}
	slog.Debug("delete", "entity", desc.Name, "rows", n)
	return n, nil
}

// transact runs fn as one atomic unit of the backend. The changes fn
// returns are stamped with contiguous sequences and, when the log is the
// backend, appended within the unit. They are handed to the outbox once
// the unit has committed; a failed unit hands over its sequences empty.
func (e *Engine) transact(ctx context.Context, op, name string, fn func(ctx context.Context) ([]store.Change, error)) error {
	if e.closed.Load() {
		return ErrClosed
	}
	var (
		changes     []store.Change
		first, last int64
	)
	release := func(keep []store.Change) {
		if first != 0 {
			if keep == nil {
				e.disown(first, last)
			}
			e.out.put(first, last, keep)
			first, last = 0, 0
		}
	}
	err := e.backend.Atomic(ctx, func(ctx context.Context) error {
		// A backend may run the unit again after a transient failure.
		release(nil)
		changes = nil

		cs, err := fn(ctx)
		if err != nil || len(cs) == 0 {
			return err
		}
		first, last = e.reserve(len(cs))
		for i := range cs {
			cs[i].Seq = first + int64(i)
			if e.inline {
				if err := e.log.Append(ctx, cs[i]); err != nil {
					return err
				}
			}
		}
		changes = cs
		return nil
	})
	if err != nil {
		release(nil)
		return repoerr.Backend(op, name, err)
	}
	release(changes)
	return nil
}

// reserve takes n contiguous sequences from the clock.
func (e *Engine) reserve(n int) (first, last int64) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	first = e.clock.Next()
	last = first
	for range n - 1 {
		last = e.clock.Next()
	}
	if e.following.Load() {
		for seq := first; seq <= last; seq++ {
			e.own.Store(seq, struct{}{})
		}
	}
	return first, last
}

// keyValue converts key to the declared kind of desc's key property.
func keyValue(desc *entity.Descriptor, key ir.Value) (ir.Value, error) {
	prop, ok := desc.KeyProperty()
	if !ok {
		return nil, repoerr.Schema(desc.Name, "entity has no key")
	}
	if key == nil || ir.IsNull(key) {
		return nil, repoerr.Schema(desc.Name, "null key")
	}
	if prop.Kind == ir.KindNull {
		return key, nil
	}
	v, err := ir.Coerce(key, prop.Kind)
	if err != nil {
		return nil, repoerr.Schema(desc.Name, "key %v: %v", ir.ToGo(key), err)
	}
	return v, nil
}

// resolve returns a copy of rec with every single-valued reference
// replaced by the referenced record. Dangling references stay keys.
func (e *Engine) resolve(ctx context.Context, desc *entity.Descriptor, rec ir.Object) (ir.Object, error) {
	var paths []expr.Path
	for _, prop := range desc.Properties {
		if !prop.IsReference() || prop.Collection {
			continue
		}
		if target, ok := e.reg.Lookup(prop.Ref); ok {
			paths = append(paths, expr.Path{prop.Name, target.Key})
		}
	}
	out, err := query.Expand(e.reg, desc, rec, paths, e.lookup(ctx))
	if err != nil {
		return nil, repoerr.Backend("upsert", desc.Name, err)
	}
	return out.Clone(), nil
}

// candidate checks and coerces the record an updater returned. A missing
// key is filled in; a different key is an error.
func candidate(desc *entity.Descriptor, key ir.Value, rec ir.Object) (ir.Object, error) {
	rec = rec.Clone()
	if k, ok := desc.KeyOf(rec); ok {
		kv, err := keyValue(desc, k)
		if err != nil {
			return nil, err
		}
		if !ir.Equal(kv, key) {
			return nil, repoerr.Schema(desc.Name, "updater changed key %v to %v", ir.ToGo(key), ir.ToGo(k))
		}
	}
	rec[desc.Key] = key
	return desc.Coerce(rec)
}

// unchanged reports whether next equals cur apart from the version. Null
// properties count as absent.
func unchanged(cur, next ir.Object) bool {
	return ir.Equal(present(cur), present(next))
}

func present(rec ir.Object) ir.Object {
	out := make(ir.Object, len(rec))
	for k, v := range rec {
		if k == entity.VersionProperty || ir.IsNull(v) {
			continue
		}
		out[k] = v
	}
	return out
}
