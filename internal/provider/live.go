package provider

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
)

// live is one live query: its plan compiled once and reused for every
// change, and a context that lives as long as the stream.
type live struct {
	e      *Engine
	plan   *query.Plan
	paths  []expr.Path
	ctx    context.Context
	cancel context.CancelFunc
}

func (e *Engine) live(ctx context.Context, q *query.Info) (*live, error) {
	plan, err := e.compile(q)
	if err != nil {
		return nil, err
	}
	if err := e.ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &live{e: e, plan: plan, paths: query.Paths(q), ctx: lctx, cancel: cancel}, nil
}

// bind cancels the live context once s is done.
func bind[E any](l *live, s *notify.Stream[E]) *notify.Stream[E] {
	go func() {
		<-s.Done()
		l.cancel()
	}()
	return s
}

// expand resolves the references the query's paths traverse.
func (l *live) expand(rec ir.Object) (ir.Object, error) {
	if len(l.paths) == 0 {
		return rec, nil
	}
	q := l.plan.Info
	out, err := query.Expand(l.e.reg, q.Entity, rec, l.paths, l.e.lookup(l.ctx))
	if err != nil {
		return nil, repoerr.Backend("live", q.Entity.Name, err)
	}
	return out, nil
}

// source turns a change of a stored record into a change of the result
// set, over expanded source records.
func (l *live) source(n notify.Notification[ir.Object]) (notify.Notification[ir.Object], bool, error) {
	if n.IsBatchEnd() {
		return n, true, nil
	}
	exp, err := notify.Map(n, l.expand)
	if err != nil {
		return n, false, err
	}
	return notify.Filter(exp, l.plan.Match)
}

// load selects the source records of q with their references expanded.
func (l *live) load(ctx context.Context, q *query.Info) ([]ir.Object, error) {
	recs, err := l.e.backend.Select(ctx, q)
	if err != nil {
		return nil, repoerr.Backend("live", q.Entity.Name, err)
	}
	for i, rec := range recs {
		if recs[i], err = l.expand(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (l *live) refill(ctx context.Context, skip, n int) ([]ir.Object, error) {
	q := l.plan.Info.Clone()
	q.Skip, q.Limit = skip, n
	return l.load(ctx, q)
}

// values maps one snapshot of source records to results.
func (l *live) values(recs []ir.Object) ([]ir.Value, bool, error) {
	out := make([]ir.Value, 0, len(recs))
	for _, rec := range recs {
		v, err := l.plan.Output(rec)
		if err != nil {
			return nil, false, err
		}
		out = append(out, v)
	}
	if l.plan.Info.Distinct {
		out = query.Distinct(out)
	}
	return out, true, nil
}

// LiveQuery streams the changes to the result set of q.
func (e *Engine) LiveQuery(ctx context.Context, q *query.Info) (*notify.Stream[Notification], error) {
	l, err := e.live(ctx, q)
	if err != nil {
		return nil, err
	}
	_, sub := e.hub.Subscribe(q.Entity.Name)
	slog.Debug("live query", "entity", q.Entity.Name)
	return l.notifications(sub), nil
}

func (l *live) notifications(sub *notify.Stream[notify.Notification[ir.Object]]) *notify.Stream[Notification] {
	out := notify.Forward(sub, func(n notify.Notification[ir.Object]) (Notification, bool, error) {
		src, ok, err := l.source(n)
		if err != nil || !ok {
			return Notification{}, false, err
		}
		v, err := notify.Map(src, l.plan.Output)
		return v, true, err
	})
	return bind(l, out)
}

// QueryAndObserve subscribes, runs q, and streams its result as creates
// ahead of every later change.
func (e *Engine) QueryAndObserve(ctx context.Context, q *query.Info) (*notify.Stream[Notification], error) {
	l, err := e.live(ctx, q)
	if err != nil {
		return nil, err
	}
	_, sub := e.hub.Subscribe(q.Entity.Name)
	return notify.QueryAndObserve(ctx, l.notifications(sub), func(ctx context.Context) ([]ir.Value, error) {
		return e.Query(ctx, q)
	})
}

// LiveList materializes q. With a limit the result is a sliding window
// over the sort order, refilled from the backend when deletes shrink it;
// without one every matching record is kept and skip applies to each
// snapshot.
func (e *Engine) LiveList(ctx context.Context, q *query.Info) (*notify.Stream[[]ir.Value], error) {
	l, err := e.live(ctx, q)
	if err != nil {
		return nil, err
	}
	key := recordKey(q)
	_, sub := e.hub.Subscribe(q.Entity.Name)
	src := notify.Forward(sub, l.source)
	fail := func(err error) (*notify.Stream[[]ir.Value], error) {
		src.Close()
		l.cancel()
		return nil, err
	}

	var snaps *notify.Stream[[]ir.Object]
	if q.HasLimit() {
		var cmp notify.CompareFunc[ir.Object]
		if l.plan.Sorted() {
			cmp = l.plan.Compare
		}
		w, err := notify.NewWindow(key, cmp, q.Limit, l.refill)
		if err != nil {
			return fail(&repoerr.Error{
				Code:    repoerr.CodeUnsupported,
				Op:      "live",
				Entity:  q.Entity.Name,
				Message: "limit without sort order",
				Err:     err,
			})
		}
		initial, err := l.load(ctx, q)
		if err != nil {
			return fail(err)
		}
		w.Seed(initial, q.Skip)
		snaps = notify.Prepend(w.Snapshot(), notify.ToWindow(l.ctx, src, w))
	} else {
		list := notify.NewList(key, l.plan.Compare, 0)
		initial, err := l.load(ctx, q.Unpaged())
		if err != nil {
			return fail(err)
		}
		list.Seed(initial)
		skip := q.Skip
		snaps = notify.Forward(notify.Prepend(list.Snapshot(), notify.ToList(src, list)),
			func(recs []ir.Object) ([]ir.Object, bool, error) {
				return query.Page(recs, skip, 0), true, nil
			})
	}
	slog.Debug("live list", "entity", q.Entity.Name, "limit", q.Limit, "sorted", l.plan.Sorted())
	return bind(l, notify.Forward(snaps, l.values)), nil
}

// recordKey identifies source records by their canonical key.
func recordKey(q *query.Info) notify.KeyFunc[ir.Object] {
	desc := q.Entity
	return func(rec ir.Object) string {
		k, _ := desc.KeyOf(rec)
		data, err := ir.MarshalCanonical(k)
		if err != nil {
			return fmt.Sprint(ir.ToGo(k))
		}
		return string(data)
	}
}
