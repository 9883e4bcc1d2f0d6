// Package memstore is an in-memory store.Backend.
//
// Queries run through the in-process evaluator, so results match the SQL
// backends except where a database's own semantics differ (collation,
// decimal precision). Records are cloned on the way in and out.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/quarry/internal/compiler"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store"
)

var evaluator = compiler.New(compiler.Evaluator())

// state is one consistent view of every table. Stored records are never
// modified in place, so cloning a state only copies the maps.
type state struct {
	tables map[string]map[string]ir.Object // entity -> canonical key -> record
	log    []store.Change
}

func (st *state) clone() *state {
	out := &state{
		tables: make(map[string]map[string]ir.Object, len(st.tables)),
		log:    slices.Clip(st.log),
	}
	for name, rows := range st.tables {
		cp := make(map[string]ir.Object, len(rows))
		for k, rec := range rows {
			cp[k] = rec
		}
		out.tables[name] = cp
	}
	return out
}

func (st *state) table(name string) map[string]ir.Object {
	rows, ok := st.tables[name]
	if !ok {
		rows = make(map[string]ir.Object)
		st.tables[name] = rows
	}
	return rows
}

// Store is the in-memory backend. It implements store.Backend and
// store.ChangeLog and is safe for concurrent use.
type Store struct {
	reg *entity.Registry

	wmu sync.Mutex   // serializes writers and atomic units
	mu  sync.RWMutex // guards st
	st  *state
}

var (
	_ store.Backend   = (*Store)(nil)
	_ store.ChangeLog = (*Store)(nil)
)

// New returns an empty store resolving references through reg.
func New(reg *entity.Registry) *Store {
	return &Store{reg: reg, st: &state{tables: map[string]map[string]ir.Object{}}}
}

type txKey struct{ s *Store }

// read runs fn on the state visible to ctx.
func (s *Store) read(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(txKey{s}).(*state); ok {
		return fn(st)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.st)
}

// write runs fn on the state visible to ctx, exclusively.
func (s *Store) write(ctx context.Context, fn func(st *state) error) error {
	if st, ok := ctx.Value(txKey{s}).(*state); ok {
		return fn(st)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// Atomic runs fn against a private copy of the state and publishes the copy
// when fn succeeds.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{s}).(*state); ok {
		return fn(ctx)
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	st := s.st.clone()
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{s}, st)); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Ensure creates desc's table.
func (s *Store) Ensure(ctx context.Context, desc *entity.Descriptor) error {
	return s.write(ctx, func(st *state) error {
		st.table(desc.Name)
		return nil
	})
}

func rowKey(v ir.Value) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("key: %w", err)
	}
	return string(data), nil
}

func (s *Store) lookupIn(st *state) query.LookupFunc {
	return func(d *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
		k, err := rowKey(key)
		if err != nil {
			return nil, false, err
		}
		rec, ok := st.tables[d.Name][k]
		return rec, ok, nil
	}
}

// matching returns the records of q.Entity that match q in query order,
// with the references q's paths traverse expanded.
func (s *Store) matching(st *state, q *query.Info, plan *query.Plan, extra ...expr.Path) ([]ir.Object, error) {
	paths := append(query.Paths(q), extra...)
	rows := st.tables[q.Entity.Name]
	recs := make([]ir.Object, 0, len(rows))
	for _, rec := range rows {
		exp, err := query.Expand(s.reg, q.Entity, rec, paths, s.lookupIn(st))
		if err != nil {
			return nil, err
		}
		recs = append(recs, exp)
	}
	matched, err := plan.Filter(recs)
	if err != nil {
		return nil, err
	}
	plan.Sort(matched)
	return matched, nil
}

// Select returns the records matched by q in query order.
func (s *Store) Select(ctx context.Context, q *query.Info) ([]ir.Object, error) {
	plan, err := query.Compile(q, s.reg)
	if err != nil {
		return nil, err
	}
	var out []ir.Object
	err = s.read(ctx, func(st *state) error {
		matched, err := s.matching(st, q, plan)
		if err != nil {
			return err
		}
		matched = query.Page(matched, q.Skip, q.Limit)
		out = make([]ir.Object, len(matched))
		for i, rec := range matched {
			out[i] = query.Collapse(s.reg, q.Entity, rec).(ir.Object).Clone()
		}
		return nil
	})
	return out, err
}

// Aggregate reduces the records matched by q to one value.
func (s *Store) Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error) {
	plan, err := query.Compile(q, s.reg)
	if err != nil {
		return nil, err
	}
	var extra []expr.Path
	if q.Mapping == nil && agg.Of != nil {
		extra = expr.Paths(agg.Of)
	}
	var out ir.Value
	err = s.read(ctx, func(st *state) error {
		matched, err := s.matching(st, q, plan, extra...)
		if err != nil {
			return err
		}
		out, err = plan.Aggregate(matched, agg)
		return err
	})
	return out, err
}

// Lookup returns the record of desc with the given key.
func (s *Store) Lookup(ctx context.Context, desc *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
	var (
		out   ir.Object
		found bool
	)
	err := s.read(ctx, func(st *state) error {
		rec, ok, err := s.lookupIn(st)(desc, key)
		if ok {
			out, found = rec.Clone(), true
		}
		return err
	})
	return out, found, err
}

// Insert stores a new record.
func (s *Store) Insert(ctx context.Context, desc *entity.Descriptor, rec ir.Object) error {
	key, ok := desc.KeyOf(rec)
	if !ok {
		return repoerr.Schema(desc.Name, "record has no key")
	}
	k, err := rowKey(key)
	if err != nil {
		return err
	}
	stored, err := desc.Coerce(rec.Clone())
	if err != nil {
		return err
	}
	return s.write(ctx, func(st *state) error {
		rows := st.table(desc.Name)
		if _, exists := rows[k]; exists {
			return fmt.Errorf("insert %s %v: %w", desc.Name, key, store.ErrDuplicateKey)
		}
		rows[k] = stored
		return nil
	})
}

// UpdateVersioned overwrites the record with the given key if its stored
// version is still version.
func (s *Store) UpdateVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64, rec ir.Object) (int64, error) {
	k, err := rowKey(key)
	if err != nil {
		return 0, err
	}
	stored, err := desc.Coerce(rec.Clone())
	if err != nil {
		return 0, err
	}
	stored[desc.Key] = key
	var n int64
	err = s.write(ctx, func(st *state) error {
		rows := st.table(desc.Name)
		cur, ok := rows[k]
		if !ok || entity.VersionOf(cur) != version {
			return nil
		}
		rows[k] = stored
		n = 1
		return nil
	})
	return n, err
}

// DeleteVersioned deletes the record with the given key if its stored
// version is still version.
func (s *Store) DeleteVersioned(ctx context.Context, desc *entity.Descriptor, key ir.Value, version int64) (int64, error) {
	k, err := rowKey(key)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.write(ctx, func(st *state) error {
		rows := st.table(desc.Name)
		cur, ok := rows[k]
		if !ok || entity.VersionOf(cur) != version {
			return nil
		}
		delete(rows, k)
		n = 1
		return nil
	})
	return n, err
}

// targets returns the keys of the records a bulk command affects: the
// first limit matches in key order.
func (s *Store) targets(st *state, desc *entity.Descriptor, pred expr.Expr, limit int, extra ...expr.Path) ([]ir.Object, error) {
	q := &query.Info{Entity: desc, Predicate: pred, Limit: limit}
	plan, err := query.Compile(q, s.reg)
	if err != nil {
		return nil, err
	}
	matched, err := s.matching(st, q, plan, extra...)
	if err != nil {
		return nil, err
	}
	return query.Page(matched, 0, limit), nil
}

type assignment struct {
	path  expr.Path
	value compiler.Func
}

// Update applies a bulk assignment. Values are evaluated against the
// record before any assignment.
func (s *Store) Update(ctx context.Context, u *query.UpdateInfo) (int64, error) {
	desc := u.Entity
	if len(u.Set) == 0 {
		return 0, repoerr.Schema(desc.Name, "update without assignments")
	}
	sets := make([]assignment, len(u.Set))
	var reads []expr.Path
	for i, a := range u.Set {
		steps, err := s.reg.ResolvePath(desc, a.Path)
		if err != nil {
			return 0, err
		}
		if head := steps[0].Prop.Name; head == desc.Key || head == entity.VersionProperty {
			return 0, repoerr.Schema(desc.Name, "cannot assign %s", head)
		}
		fn, err := evaluator.Compile(a.Value)
		if err != nil {
			return 0, fmt.Errorf("compile assignment %s: %w", a.Path, err)
		}
		sets[i] = assignment{path: a.Path, value: fn}
		reads = append(reads, expr.Paths(a.Value)...)
	}

	var n int64
	err := s.write(ctx, func(st *state) error {
		matched, err := s.targets(st, desc, u.Predicate, u.Limit, reads...)
		if err != nil {
			return err
		}
		rows := st.table(desc.Name)
		for _, rec := range matched {
			next := query.Collapse(s.reg, desc, rec).(ir.Object).Clone()
			for _, a := range sets {
				v, err := a.value(rec)
				if err != nil {
					return err
				}
				next = setPath(next, a.path, v)
			}
			next[entity.VersionProperty] = ir.Int(entity.VersionOf(next) + 1)
			if next, err = desc.Coerce(next); err != nil {
				return err
			}
			key, _ := desc.KeyOf(next)
			k, err := rowKey(key)
			if err != nil {
				return err
			}
			rows[k] = next
			n++
		}
		return nil
	})
	return n, err
}

// Delete removes the matched records.
func (s *Store) Delete(ctx context.Context, d *query.DeleteInfo) (int64, error) {
	var n int64
	err := s.write(ctx, func(st *state) error {
		matched, err := s.targets(st, d.Entity, d.Predicate, d.Limit)
		if err != nil {
			return err
		}
		rows := st.table(d.Entity.Name)
		for _, rec := range matched {
			key, _ := d.Entity.KeyOf(rec)
			k, err := rowKey(key)
			if err != nil {
				return err
			}
			delete(rows, k)
			n++
		}
		return nil
	})
	return n, err
}

// setPath returns obj with the value at p replaced, creating intermediate
// objects. obj is modified; nested objects on the path are copied.
func setPath(obj ir.Object, p expr.Path, v ir.Value) ir.Object {
	if len(p) == 1 {
		obj[p.Head()] = ir.Clone(v)
		return obj
	}
	inner, ok := obj[p.Head()].(ir.Object)
	if ok {
		inner = inner.Clone()
	} else {
		inner = ir.Object{}
	}
	obj[p.Head()] = setPath(inner, p.Tail(), v)
	return obj
}

// Append stores c in the change log.
func (s *Store) Append(ctx context.Context, c store.Change) error {
	return s.write(ctx, func(st *state) error {
		if n := len(st.log); n > 0 && st.log[n-1].Seq >= c.Seq {
			return fmt.Errorf("append change: sequence %d after %d", c.Seq, st.log[n-1].Seq)
		}
		st.log = append(st.log, c)
		return nil
	})
}

// Since returns changes after the given sequence, oldest first.
func (s *Store) Since(ctx context.Context, after int64, limit int) ([]store.Change, error) {
	out := []store.Change{}
	err := s.read(ctx, func(st *state) error {
		i, _ := slices.BinarySearchFunc(st.log, after+1, func(c store.Change, seq int64) int {
			switch {
			case c.Seq < seq:
				return -1
			case c.Seq > seq:
				return 1
			}
			return 0
		})
		tail := st.log[i:]
		if limit > 0 && limit < len(tail) {
			tail = tail[:limit]
		}
		out = append(out, tail...)
		return nil
	})
	return out, err
}

// LastSeq returns the greatest sequence in the change log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.read(ctx, func(st *state) error {
		if n := len(st.log); n > 0 {
			seq = st.log[n-1].Seq
		}
		return nil
	})
	return seq, err
}
