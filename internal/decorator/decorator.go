// Package decorator wraps a provider.Provider with one cross-cutting
// concern at a time: metrics, listeners, mandatory properties, reference
// refresh, live query sharing, retry, batching, scheduling, admission,
// timeouts, locking and closing of live streams.
//
// Decorators compose once, at construction. Pipeline builds the standard
// order from a Config; Chain composes any list.
package decorator

import (
	"context"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

// Decorator wraps a provider.
type Decorator func(provider.Provider) provider.Provider

// Chain wraps base with ds. The first decorator is the outermost, closest
// to the caller.
func Chain(base provider.Provider, ds ...Decorator) provider.Provider {
	p := base
	for i := len(ds) - 1; i >= 0; i-- {
		if ds[i] != nil {
			p = ds[i](p)
		}
	}
	return p
}

// Operation names, used in Call and as metric labels.
const (
	OpQuery           = "query"
	OpAggregate       = "aggregate"
	OpUpsert          = "upsert"
	OpUpsertAll       = "upsert_all"
	OpUpdate          = "update"
	OpDelete          = "delete"
	OpLiveQuery       = "live_query"
	OpLiveList        = "live_list"
	OpQueryAndObserve = "query_and_observe"
)

// Call describes one provider call.
type Call struct {
	Op     string
	Entity string
	Write  bool
}

// Live reports whether the call opens a live stream.
func (c Call) Live() bool {
	return c.Op == OpLiveQuery || c.Op == OpLiveList || c.Op == OpQueryAndObserve
}

func nameOf(d *entity.Descriptor) string {
	if d == nil {
		return ""
	}
	return d.Name
}

// around runs every call to inner through call, and passes the streams
// of live calls through changes and snapshots when set.
type around struct {
	inner     provider.Provider
	call      func(ctx context.Context, c Call, fn func(ctx context.Context) error) error
	changes   func(c Call, s *notify.Stream[provider.Notification]) *notify.Stream[provider.Notification]
	snapshots func(c Call, s *notify.Stream[[]ir.Value]) *notify.Stream[[]ir.Value]
	close     func() error
}

func (a *around) run(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
	if a.call == nil {
		return fn(ctx)
	}
	return a.call(ctx, c, fn)
}

func (a *around) Query(ctx context.Context, q *query.Info) ([]ir.Value, error) {
	var out []ir.Value
	err := a.run(ctx, Call{Op: OpQuery, Entity: nameOf(q.Entity)}, func(ctx context.Context) error {
		var err error
		out, err = a.inner.Query(ctx, q)
		return err
	})
	return out, err
}

func (a *around) Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error) {
	var out ir.Value
	err := a.run(ctx, Call{Op: OpAggregate, Entity: nameOf(q.Entity)}, func(ctx context.Context) error {
		var err error
		out, err = a.inner.Aggregate(ctx, q, agg)
		return err
	})
	return out, err
}

func (a *around) InsertOrUpdate(ctx context.Context, desc *entity.Descriptor, key ir.Value, fn provider.Updater) (ir.Object, error) {
	var out ir.Object
	err := a.run(ctx, Call{Op: OpUpsert, Entity: nameOf(desc), Write: true}, func(ctx context.Context) error {
		var err error
		out, err = a.inner.InsertOrUpdate(ctx, desc, key, fn)
		return err
	})
	return out, err
}

func (a *around) InsertOrUpdateAll(ctx context.Context, desc *entity.Descriptor, ups []provider.Upsert) ([]ir.Object, error) {
	var out []ir.Object
	err := a.run(ctx, Call{Op: OpUpsertAll, Entity: nameOf(desc), Write: true}, func(ctx context.Context) error {
		var err error
		out, err = a.inner.InsertOrUpdateAll(ctx, desc, ups)
		return err
	})
	return out, err
}

func (a *around) Update(ctx context.Context, u *query.UpdateInfo) (int64, error) {
	var n int64
	err := a.run(ctx, Call{Op: OpUpdate, Entity: nameOf(u.Entity), Write: true}, func(ctx context.Context) error {
		var err error
		n, err = a.inner.Update(ctx, u)
		return err
	})
	return n, err
}

func (a *around) Delete(ctx context.Context, d *query.DeleteInfo) (int64, error) {
	var n int64
	err := a.run(ctx, Call{Op: OpDelete, Entity: nameOf(d.Entity), Write: true}, func(ctx context.Context) error {
		var err error
		n, err = a.inner.Delete(ctx, d)
		return err
	})
	return n, err
}

func (a *around) LiveQuery(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	return a.liveChanges(ctx, Call{Op: OpLiveQuery, Entity: nameOf(q.Entity)}, func(ctx context.Context) (*notify.Stream[provider.Notification], error) {
		return a.inner.LiveQuery(ctx, q)
	})
}

func (a *around) QueryAndObserve(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	return a.liveChanges(ctx, Call{Op: OpQueryAndObserve, Entity: nameOf(q.Entity)}, func(ctx context.Context) (*notify.Stream[provider.Notification], error) {
		return a.inner.QueryAndObserve(ctx, q)
	})
}

func (a *around) liveChanges(ctx context.Context, c Call, open func(ctx context.Context) (*notify.Stream[provider.Notification], error)) (*notify.Stream[provider.Notification], error) {
	var s *notify.Stream[provider.Notification]
	err := a.run(ctx, c, func(ctx context.Context) error {
		var err error
		s, err = open(ctx)
		return err
	})
	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, err
	}
	if a.changes != nil {
		s = a.changes(c, s)
	}
	return s, nil
}

func (a *around) LiveList(ctx context.Context, q *query.Info) (*notify.Stream[[]ir.Value], error) {
	c := Call{Op: OpLiveList, Entity: nameOf(q.Entity)}
	var s *notify.Stream[[]ir.Value]
	err := a.run(ctx, c, func(ctx context.Context) error {
		var err error
		s, err = a.inner.LiveList(ctx, q)
		return err
	})
	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, err
	}
	if a.snapshots != nil {
		s = a.snapshots(c, s)
	}
	return s, nil
}

func (a *around) Close() error {
	if a.close != nil {
		return a.close()
	}
	return a.inner.Close()
}

// tap calls fn for every value of s on its way through.
func tap[E any](s *notify.Stream[E], fn func(E)) *notify.Stream[E] {
	return notify.Forward(s, func(e E) (E, bool, error) {
		fn(e)
		return e, true, nil
	})
}
