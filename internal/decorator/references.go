package decorator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

type references struct {
	provider.Provider
	reg *entity.Registry
}

// RefreshReferences keeps live queries that read through references up to
// date when a referenced record changes. Queries that traverse no
// reference pass through.
func RefreshReferences(reg *entity.Registry) Decorator {
	return func(inner provider.Provider) provider.Provider {
		return &references{Provider: inner, reg: reg}
	}
}

// referenced returns the entity types q reads through a reference.
func (r *references) referenced(q *query.Info) ([]*entity.Descriptor, error) {
	paths := append(query.Paths(q), q.Properties...)
	var out []*entity.Descriptor
	seen := map[string]bool{}
	for _, p := range paths {
		steps, err := r.reg.ResolvePath(q.Entity, p)
		if err != nil {
			return nil, err
		}
		for _, s := range steps[:len(steps)-1] {
			if !s.Prop.IsReference() || s.Prop.Collection || seen[s.Target.Name] {
				continue
			}
			seen[s.Target.Name] = true
			out = append(out, s.Target)
		}
	}
	return out, nil
}

// trigger follows every change to a set of entity types and reports the
// end of each batch.
type trigger struct {
	ctx    context.Context
	cancel context.CancelFunc
	subs   []*notify.Stream[provider.Notification]
}

func (r *references) trigger(ctx context.Context, descs []*entity.Descriptor) (*trigger, error) {
	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &trigger{ctx: tctx, cancel: cancel}
	for _, d := range descs {
		s, err := r.Provider.LiveQuery(ctx, query.From(d).Build())
		if err != nil {
			t.close()
			return nil, fmt.Errorf("follow %s: %w", d.Name, err)
		}
		t.subs = append(t.subs, s)
	}
	return t, nil
}

func (t *trigger) close() {
	t.cancel()
	for _, s := range t.subs {
		s.Close()
	}
}

// batches delivers the sequence of every completed batch. It is closed once
// every followed stream has ended.
func (t *trigger) batches() <-chan int64 {
	ch := make(chan int64)
	var wg sync.WaitGroup
	for _, s := range t.subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range s.C() {
				if !n.IsBatchEnd() {
					continue
				}
				select {
				case ch <- n.Seq:
				case <-t.ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(ch)
	}()
	return ch
}

func (t *trigger) err() error {
	var errs []error
	for _, s := range t.subs {
		errs = append(errs, s.Err())
	}
	return errors.Join(errs...)
}

// LiveList re-runs q after every batch that touches its entity or an
// entity it references, and streams the result whenever it differs from
// the last one.
func (r *references) LiveList(ctx context.Context, q *query.Info) (*notify.Stream[[]ir.Value], error) {
	refs, err := r.referenced(q)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return r.Provider.LiveList(ctx, q)
	}
	t, err := r.trigger(ctx, append([]*entity.Descriptor{q.Entity}, refs...))
	if err != nil {
		return nil, err
	}
	initial, err := r.Provider.Query(ctx, q)
	if err != nil {
		t.close()
		return nil, err
	}
	slog.Debug("live list follows references", "entity", q.Entity.Name, "references", len(refs))

	out := notify.NewStream[[]ir.Value](t.close)
	out.Send(initial)
	go func() {
		last := ir.Array(initial)
		for range t.batches() {
			vals, err := r.Provider.Query(t.ctx, q)
			if err != nil {
				out.Finish(err)
				return
			}
			if ir.Equal(last, ir.Array(vals)) {
				continue
			}
			last = vals
			if !out.Send(vals) {
				return
			}
		}
		out.Finish(t.err())
	}()
	return out, nil
}

// LiveQuery forwards the changes of q, and after every batch that touches a
// referenced entity diffs q's current result against the results seen so
// far.
func (r *references) LiveQuery(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	refs, err := r.referenced(q)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return r.Provider.LiveQuery(ctx, q)
	}
	t, err := r.trigger(ctx, refs)
	if err != nil {
		return nil, err
	}
	base, err := r.Provider.LiveQuery(ctx, q)
	if err != nil {
		t.close()
		return nil, err
	}
	all := q.Unpaged()
	initial, err := r.Provider.Query(ctx, all)
	if err != nil {
		base.Close()
		t.close()
		return nil, err
	}

	st := newResultSet(q.Entity, initial)
	out := notify.NewStream[provider.Notification](func() {
		base.Close()
		t.close()
	})
	// Batches go out whole, so a refresh never lands inside a batch.
	var sendMu sync.Mutex
	send := func(batch []provider.Notification) bool {
		sendMu.Lock()
		defer sendMu.Unlock()
		for _, m := range batch {
			if !out.Send(m) {
				return false
			}
		}
		return true
	}
	go func() {
		var batch []provider.Notification
		for n := range base.C() {
			batch = append(batch, st.apply(n)...)
			if !n.IsBatchEnd() {
				continue
			}
			if len(batch) > 1 && !send(batch) {
				return
			}
			batch = batch[:0]
		}
		out.Finish(base.Err())
	}()
	go func() {
		for seq := range t.batches() {
			vals, err := r.Provider.Query(t.ctx, all)
			if err != nil {
				out.Finish(err)
				return
			}
			if !send(st.diff(vals, seq)) {
				return
			}
		}
	}()
	return out, nil
}

// QueryAndObserve is LiveQuery with q's current result delivered first.
func (r *references) QueryAndObserve(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	refs, err := r.referenced(q)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return r.Provider.QueryAndObserve(ctx, q)
	}
	live, err := r.LiveQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	return notify.QueryAndObserve(ctx, live, func(ctx context.Context) ([]ir.Value, error) {
		return r.Provider.Query(ctx, q)
	})
}

// resultSet tracks the values of a live query by identity. Values that
// carry the entity key are identified by it, others by their content.
type resultSet struct {
	mu   sync.Mutex
	desc *entity.Descriptor
	vals map[string]ir.Value
}

func newResultSet(desc *entity.Descriptor, initial []ir.Value) *resultSet {
	st := &resultSet{desc: desc, vals: make(map[string]ir.Value, len(initial))}
	for _, v := range initial {
		st.vals[st.id(v)] = v
	}
	return st
}

func (st *resultSet) id(v ir.Value) string {
	if obj, ok := v.(ir.Object); ok && st.desc.Key != "" {
		if k, ok := obj.Get(st.desc.Key); ok {
			v = ir.Object{st.desc.Key: k}
		}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprint(ir.ToGo(v))
	}
	return string(data)
}

// apply records n and returns it normalized against what was already seen:
// a refresh may have delivered the same change first.
func (st *resultSet) apply(n provider.Notification) []provider.Notification {
	st.mu.Lock()
	defer st.mu.Unlock()
	if n.IsBatchEnd() {
		return []provider.Notification{n}
	}
	var prev *ir.Value
	if n.Old != nil {
		id := st.id(*n.Old)
		if v, ok := st.vals[id]; ok {
			prev = &v
			delete(st.vals, id)
		}
	}
	if n.New != nil {
		id := st.id(*n.New)
		if v, ok := st.vals[id]; ok && prev == nil {
			prev = &v
		}
		st.vals[id] = *n.New
	}
	switch {
	case prev == nil && n.New == nil:
		return nil
	case prev != nil && n.New != nil && ir.Equal(*prev, *n.New):
		return nil
	}
	return []provider.Notification{{Old: prev, New: n.New, Seq: n.Seq}}
}

// diff replaces the tracked values with current and returns the changes
// between them as one batch. It returns nothing when nothing changed.
func (st *resultSet) diff(current []ir.Value, seq int64) []provider.Notification {
	st.mu.Lock()
	defer st.mu.Unlock()
	next := make(map[string]ir.Value, len(current))
	var out []provider.Notification
	for _, v := range current {
		id := st.id(v)
		next[id] = v
		prev, ok := st.vals[id]
		switch {
		case !ok:
			out = append(out, notify.Create(v, seq))
		case !ir.Equal(prev, v):
			out = append(out, notify.Modify(prev, v, seq))
		}
	}
	for id, prev := range st.vals {
		if _, ok := next[id]; !ok {
			out = append(out, notify.Delete(prev, seq))
		}
	}
	st.vals = next
	if len(out) == 0 {
		return nil
	}
	return notify.Batch(out...)
}
