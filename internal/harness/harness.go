package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/quarry/internal/config"
	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/testutil"
)

// changesIdle is how long a changes stream must stay quiet before a step
// counts as settled for it.
const changesIdle = 50 * time.Millisecond

// Option configures Run.
type Option func(*runner)

// WithConfig runs against cfg instead of the scenario's configuration.
func WithConfig(cfg *config.Config) Option {
	return func(r *runner) { r.cfg = cfg }
}

// WithRunIDs replaces the generator of run ids.
func WithRunIDs(ids testutil.IDGenerator) Option {
	return func(r *runner) { r.ids = ids }
}

type runner struct {
	cfg    *config.Config
	ids    testutil.IDGenerator
	clock  *testutil.StepClock
	settle time.Duration

	p   provider.Provider
	reg *entity.Registry

	lives []*live
}

// Run executes a scenario against a freshly opened provider and returns
// the result.
//
// Writes are stamped by a clock starting at 0, so the sequences in the
// trace repeat across runs. After every step the runner waits for each
// live list to match a fresh run of its query, and for each changes stream
// to go quiet, then records what they delivered. Steps of a concurrent
// step race each other; their trace omits versions and sequences.
//
// Errors of the operations themselves are recorded in the trace and
// checked against the steps' expectations. Run returns an error only when
// the scenario cannot be executed at all.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	r := &runner{
		ids:    testutil.UUIDv7{},
		clock:  testutil.NewStepClock(),
		settle: scenario.settle(),
	}
	for _, opt := range opts {
		opt(r)
	}

	cfg := r.cfg
	if cfg == nil {
		if scenario.Config == "" {
			return nil, fmt.Errorf("scenario %s has no config", scenario.Name)
		}
		loaded, err := config.Load(scenario.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	inst, err := cfg.Open(ctx, provider.WithClock(r.clock))
	if err != nil {
		return nil, fmt.Errorf("failed to open provider: %w", err)
	}
	r.p, r.reg = inst, inst.Registry
	defer func() {
		r.closeLives()
		if err := inst.Close(); err != nil {
			slog.Warn("closing provider", "scenario", scenario.Name, "error", err)
		}
	}()

	result := NewResult(scenario.Name, r.ids.Generate())
	slog.Debug("scenario started", "scenario", scenario.Name, "run_id", result.RunID)

	for i, step := range scenario.Setup {
		ev, err := r.exec(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
		if ev.Error != "" {
			return nil, fmt.Errorf("setup step %d: failed with %s", i, ev.Error)
		}
	}
	r.clock.Mark()
	r.settleAll(ctx, -1, NewResult(scenario.Name, result.RunID))

	for i, step := range scenario.Steps {
		ev, err := r.exec(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		ev.Step = i
		if step.Concurrent == nil {
			ev.Seqs = r.clock.Mark()
		} else {
			r.clock.Mark()
		}
		for _, msg := range checkStep(fmt.Sprintf("step %d", i), step, ev) {
			result.AddError(msg)
		}
		result.add(ev)
		r.settleAll(ctx, i, result)
		slog.Debug("scenario step", "scenario", scenario.Name, "step", i, "type", ev.Type, "error", ev.Error)
	}

	for i, a := range scenario.Assertions {
		if err := r.evaluate(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertion %d: %v", i, err))
		}
	}

	slog.Debug("scenario finished", "scenario", scenario.Name, "pass", result.Pass, "errors", len(result.Errors))
	return result, nil
}

// exec runs one step. Operation failures are recorded in the event; the
// error is for steps that cannot run.
func (r *runner) exec(ctx context.Context, step Step) (TraceEvent, error) {
	switch {
	case step.Upsert != nil:
		return r.upsert(ctx, step.Upsert)
	case step.Concurrent != nil:
		return r.concurrent(ctx, step.Concurrent)
	case step.Update != nil:
		return r.update(ctx, step.Update)
	case step.Delete != nil:
		return r.delete(ctx, step.Delete)
	case step.Query != nil:
		return r.query(ctx, step.Query)
	case step.Live != nil:
		return r.open(ctx, step.Live)
	}
	return TraceEvent{}, errors.New("empty step")
}

func errorCode(err error) string {
	if code := repoerr.CodeOf(err); code != "" {
		return string(code)
	}
	return "ERROR"
}

func toObject(m map[string]any) (ir.Object, error) {
	if m == nil {
		return nil, nil
	}
	v, err := toValue(map[string]any(m))
	if err != nil {
		return nil, err
	}
	return v.(ir.Object), nil
}

func (r *runner) upsert(ctx context.Context, s *UpsertStep) (TraceEvent, error) {
	desc, err := lookup(r.reg, s.Entity)
	if err != nil {
		return TraceEvent{}, err
	}
	record, err := toObject(s.Record)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("record: %w", err)
	}
	add, err := toObject(s.Add)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("add: %w", err)
	}
	var key ir.Value
	if s.Key != nil {
		if key, err = toValue(s.Key); err != nil {
			return TraceEvent{}, fmt.Errorf("key: %w", err)
		}
	} else if k, ok := desc.KeyOf(record); ok {
		key = k
	} else {
		return TraceEvent{}, fmt.Errorf("upsert %s: no key", desc.Name)
	}

	ev := TraceEvent{Type: EventUpsert, Entity: desc.Name, Key: key}
	stored, err := r.p.InsertOrUpdate(ctx, desc, key, func(cur ir.Object) (ir.Object, error) {
		next := ir.Object{}
		if cur != nil {
			next = cur.Clone()
		}
		for k, v := range record {
			next[k] = v
		}
		next[desc.Key] = key
		for k, delta := range add {
			sum, err := addNumber(next[k], delta)
			if err != nil {
				return nil, fmt.Errorf("add %s: %w", k, err)
			}
			next[k] = sum
		}
		return next, nil
	})
	if err != nil {
		ev.Error = errorCode(err)
		return ev, nil
	}
	if stored != nil {
		v := entity.VersionOf(stored)
		ev.Version = &v
	}
	return ev, nil
}

func addNumber(cur, delta ir.Value) (ir.Value, error) {
	if ir.IsNull(cur) {
		return delta, nil
	}
	if !ir.KindOf(cur).IsNumeric() || !ir.KindOf(delta).IsNumeric() {
		return nil, fmt.Errorf("cannot add %s to %s", ir.KindOf(delta), ir.KindOf(cur))
	}
	a, aok := cur.(ir.Int)
	b, bok := delta.(ir.Int)
	if aok && bok {
		return a + b, nil
	}
	return ir.Float(ir.ToFloat(cur) + ir.ToFloat(delta)), nil
}

func (r *runner) concurrent(ctx context.Context, steps []Step) (TraceEvent, error) {
	events := make([]TraceEvent, len(steps))
	var g errgroup.Group
	for i, step := range steps {
		g.Go(func() error {
			ev, err := r.exec(ctx, step)
			if err != nil {
				return fmt.Errorf("concurrent step %d: %w", i, err)
			}
			ev.Step = i
			ev.Version = nil
			events[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TraceEvent{}, err
	}
	return TraceEvent{Type: EventConcurrent, Steps: events}, nil
}

func (r *runner) update(ctx context.Context, s *UpdateStep) (TraceEvent, error) {
	desc, err := lookup(r.reg, s.Entity)
	if err != nil {
		return TraceEvent{}, err
	}
	pred, err := DecodeExpr(s.Where)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("where: %w", err)
	}
	b := query.Update(desc).Where(pred).Limit(s.Limit)
	for path, raw := range s.Set {
		v, err := toValue(raw)
		if err != nil {
			return TraceEvent{}, fmt.Errorf("set %s: %w", path, err)
		}
		b.Set(path, expr.Lit(v))
	}

	ev := TraceEvent{Type: EventUpdate, Entity: desc.Name}
	n, err := r.p.Update(ctx, b.Build())
	if err != nil {
		ev.Error = errorCode(err)
		return ev, nil
	}
	ev.Count = &n
	return ev, nil
}

func (r *runner) delete(ctx context.Context, s *DeleteStep) (TraceEvent, error) {
	desc, err := lookup(r.reg, s.Entity)
	if err != nil {
		return TraceEvent{}, err
	}
	ev := TraceEvent{Type: EventDelete, Entity: desc.Name}
	b := query.Delete(desc).Limit(s.Limit)
	if s.Key != nil {
		key, err := toValue(s.Key)
		if err != nil {
			return TraceEvent{}, fmt.Errorf("key: %w", err)
		}
		ev.Key = key
		b.Where(expr.Eq(expr.P(desc.Key), expr.Lit(key)))
	} else {
		pred, err := DecodeExpr(s.Where)
		if err != nil {
			return TraceEvent{}, fmt.Errorf("where: %w", err)
		}
		b.Where(pred)
	}

	n, err := r.p.Delete(ctx, b.Build())
	if err != nil {
		ev.Error = errorCode(err)
		return ev, nil
	}
	ev.Count = &n
	return ev, nil
}

// Aggregator returns the aggregate a names.
func Aggregator(a *AggregateSpec) (query.Aggregator, error) {
	if a.Op == "count" {
		return query.Count(), nil
	}
	if a.Of == nil {
		return query.Aggregator{}, fmt.Errorf("%s needs an expression", a.Op)
	}
	of, err := DecodeExpr(a.Of)
	if err != nil {
		return query.Aggregator{}, err
	}
	switch a.Op {
	case "sum":
		return query.Sum(of), nil
	case "min":
		return query.Min(of), nil
	case "max":
		return query.Max(of), nil
	case "avg":
		return query.Avg(of), nil
	}
	return query.Aggregator{}, fmt.Errorf("unknown aggregate %q", a.Op)
}

func (r *runner) query(ctx context.Context, s *QueryStep) (TraceEvent, error) {
	q, err := s.Build(r.reg)
	if err != nil {
		return TraceEvent{}, err
	}
	ev := TraceEvent{Type: EventQuery, Entity: q.Entity.Name}
	if s.Aggregate != nil {
		agg, err := Aggregator(s.Aggregate)
		if err != nil {
			return TraceEvent{}, err
		}
		v, err := r.p.Aggregate(ctx, q, agg)
		if err != nil {
			ev.Error = errorCode(err)
			return ev, nil
		}
		ev.Value = v
		return ev, nil
	}
	vals, err := r.p.Query(ctx, q)
	if err != nil {
		ev.Error = errorCode(err)
		return ev, nil
	}
	n := int64(len(vals))
	ev.Count = &n
	ev.Value = ir.Array(vals)
	return ev, nil
}

// live follows one named live query.
type live struct {
	name string
	mode string
	q    *query.Info
	stop func()
	wake chan struct{}

	mu      sync.Mutex
	last    []ir.Value
	hasLast bool
	changes []provider.Notification
	done    bool
	err     error

	// recorded is the last snapshot traced; seen counts traced changes.
	recorded ir.Value
	seen     int
}

func (l *live) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *live) finish(err error) {
	l.mu.Lock()
	l.done, l.err = true, err
	l.mu.Unlock()
	l.signal()
}

func (r *runner) open(ctx context.Context, s *LiveStep) (TraceEvent, error) {
	q, err := s.Build(r.reg)
	if err != nil {
		return TraceEvent{}, err
	}
	l := &live{name: s.Name, mode: s.Mode, q: q, wake: make(chan struct{}, 1)}
	if l.mode == "" {
		l.mode = ModeList
	}
	ev := TraceEvent{Type: EventLive, Entity: q.Entity.Name, Name: s.Name}

	switch l.mode {
	case ModeChanges:
		stream, err := r.p.LiveQuery(ctx, q)
		if err != nil {
			ev.Error = errorCode(err)
			return ev, nil
		}
		l.stop = func() { stream.Close() }
		go func() {
			for n := range stream.C() {
				if n.IsBatchEnd() {
					continue
				}
				l.mu.Lock()
				l.changes = append(l.changes, n)
				l.mu.Unlock()
				l.signal()
			}
			l.finish(stream.Err())
		}()
	default:
		stream, err := r.p.LiveList(ctx, q)
		if err != nil {
			ev.Error = errorCode(err)
			return ev, nil
		}
		l.stop = func() { stream.Close() }
		go func() {
			for snapshot := range stream.C() {
				l.mu.Lock()
				l.last, l.hasLast = snapshot, true
				l.mu.Unlock()
				l.signal()
			}
			l.finish(stream.Err())
		}()
	}
	r.lives = append(r.lives, l)
	return ev, nil
}

func (r *runner) closeLives() {
	for _, l := range r.lives {
		l.stop()
	}
}

func (r *runner) settleAll(ctx context.Context, step int, result *Result) {
	for _, l := range r.lives {
		if l.mode == ModeChanges {
			r.settleChanges(l, step, result)
		} else {
			r.settleList(ctx, l, step, result)
		}
	}
}

func (r *runner) settleList(ctx context.Context, l *live, step int, result *Result) {
	want, err := r.p.Query(ctx, l.q)
	if err != nil {
		result.AddError(fmt.Sprintf("step %d: live %s: query: %v", step, l.name, err))
		return
	}
	deadline := time.NewTimer(r.settle)
	defer deadline.Stop()

	var last []ir.Value
	for {
		l.mu.Lock()
		last = l.last
		has, done, lerr := l.hasLast, l.done, l.err
		l.mu.Unlock()
		if has && sameResult(l.q, ir.Array(want), ir.Array(last)) {
			break
		}
		if done {
			result.AddError(fmt.Sprintf("step %d: live %s ended: %v", step, l.name, lerr))
			return
		}
		select {
		case <-l.wake:
		case <-deadline.C:
			result.AddError(fmt.Sprintf("step %d: live %s did not settle within %s", step, l.name, r.settle))
			return
		}
	}

	snapshot := ir.Array(last)
	if l.recorded != nil && ir.Equal(l.recorded, snapshot) {
		return
	}
	l.recorded = snapshot
	result.add(TraceEvent{Step: step, Type: EventSnapshot, Name: l.name, Value: snapshot})
}

func (r *runner) settleChanges(l *live, step int, result *Result) {
	idle := time.NewTimer(min(r.settle, changesIdle))
	defer idle.Stop()
wait:
	for {
		select {
		case <-l.wake:
			idle.Reset(min(r.settle, changesIdle))
		case <-idle.C:
			break wait
		}
	}

	l.mu.Lock()
	fresh := append([]provider.Notification(nil), l.changes[l.seen:]...)
	l.seen = len(l.changes)
	l.mu.Unlock()
	if len(fresh) == 0 {
		return
	}
	sortBySeq(fresh)
	out := make(ir.Array, len(fresh))
	for i, n := range fresh {
		out[i] = changeValue(n)
	}
	result.add(TraceEvent{Step: step, Type: EventChanges, Name: l.name, Value: out})
}
