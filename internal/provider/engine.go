package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store"
)

// Engine is the Provider over a store.Backend.
//
// Every write runs in one atomic unit of the backend. Its changes are
// stamped with sequences from the clock, appended to the change log, and
// published to the hub in sequence order after the unit commits.
//
// Engine is safe for concurrent use.
type Engine struct {
	backend store.Backend
	reg     *entity.Registry
	hub     *notify.Hub[ir.Object]
	relay   *notify.Relay
	clock   notify.Sequencer

	// log is nil when no change log is kept. inline is set when the log is
	// the backend itself, so appends join the write's atomic unit.
	log    store.ChangeLog
	inline bool
	nolog  bool

	seqMu sync.Mutex // keeps the sequences of one write contiguous
	out   *outbox

	// own holds the sequences stamped since Follow began that the watched
	// log has not reported back yet.
	following atomic.Bool
	own       sync.Map // seq -> struct{}

	ensured   sync.Map // entity name -> struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Provider = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithChangeLog keeps the change log in log instead of the backend.
func WithChangeLog(log store.ChangeLog) Option {
	return func(e *Engine) { e.log = log }
}

// WithoutChangeLog keeps no change log, even when the backend could.
func WithoutChangeLog() Option {
	return func(e *Engine) { e.log, e.nolog = nil, true }
}

// WithClock stamps writes with sequences from c. The clock must not be
// shared with another writer.
func WithClock(c notify.Sequencer) Option {
	return func(e *Engine) { e.clock = c }
}

// WithHub publishes to h. Use it to share one hub with a Relay.
func WithHub(h *notify.Hub[ir.Object]) Option {
	return func(e *Engine) { e.hub = h }
}

// WithRelay also publishes every committed batch through r.
func WithRelay(r *notify.Relay) Option {
	return func(e *Engine) { e.relay = r }
}

// New returns an engine over backend. When the backend implements
// store.ChangeLog and no other log is given, it keeps the change log too.
// Without a clock option the clock resumes after the log's last sequence.
func New(ctx context.Context, backend store.Backend, reg *entity.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{backend: backend, reg: reg}
	for _, opt := range opts {
		opt(e)
	}
	if e.hub == nil {
		e.hub = notify.NewHub[ir.Object]()
	}
	if e.log == nil && !e.nolog {
		if log, ok := backend.(store.ChangeLog); ok {
			e.log = log
		}
	}
	if e.log != nil {
		if own, ok := backend.(store.ChangeLog); ok && own == e.log {
			e.inline = true
		}
	}
	if e.clock == nil {
		var start int64
		if e.log != nil {
			seq, err := e.log.LastSeq(ctx)
			if err != nil {
				return nil, fmt.Errorf("resume clock: %w", err)
			}
			start = seq
		}
		e.clock = notify.NewClockAt(start)
	}
	e.out = newOutbox(e.clock.Current()+1, e.deliver)

	slog.Debug("provider ready",
		"seq", e.clock.Current(),
		"change_log", e.log != nil,
		"relay", e.relay != nil,
	)
	return e, nil
}

// Hub returns the hub live queries subscribe to.
func (e *Engine) Hub() *notify.Hub[ir.Object] { return e.hub }

// ChangeLog returns the change log the engine appends to, nil when it
// keeps none.
func (e *Engine) ChangeLog() store.ChangeLog { return e.log }

// Registry returns the registry references resolve through.
func (e *Engine) Registry() *entity.Registry { return e.reg }

// Close ends every live stream with ErrClosed and closes the backend.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.hub.Close(ErrClosed)
		e.closeErr = e.backend.Close()
	})
	return e.closeErr
}

// ensure creates the tables of desc and of every entity it references,
// once per entity type.
func (e *Engine) ensure(ctx context.Context, desc *entity.Descriptor) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if desc == nil {
		return repoerr.Schema("", "no entity")
	}
	if _, ok := e.ensured.Load(desc.Name); ok {
		return nil
	}
	for _, d := range store.Referenced(e.reg, desc) {
		if err := e.backend.Ensure(ctx, d); err != nil {
			return repoerr.Backend("ensure", d.Name, err)
		}
	}
	e.ensured.Store(desc.Name, struct{}{})
	return nil
}

func (e *Engine) lookup(ctx context.Context) query.LookupFunc {
	return func(d *entity.Descriptor, key ir.Value) (ir.Object, bool, error) {
		return e.backend.Lookup(ctx, d, key)
	}
}

// compile validates q and compiles it for in-process evaluation.
func (e *Engine) compile(q *query.Info) (*query.Plan, error) {
	if err := query.Validate(q, e.reg); err != nil {
		return nil, err
	}
	return query.Compile(q, e.reg)
}

// Query runs q on the backend, then applies the mapping and projection.
// Distinct applies before paging, so a distinct query selects unpaged.
func (e *Engine) Query(ctx context.Context, q *query.Info) ([]ir.Value, error) {
	plan, err := e.compile(q)
	if err != nil {
		return nil, err
	}
	if err := e.ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	sel := q
	if q.Distinct {
		sel = q.Unpaged()
	}
	recs, err := e.backend.Select(ctx, sel)
	if err != nil {
		return nil, repoerr.Backend("query", q.Entity.Name, err)
	}
	out, err := e.output(ctx, plan, recs)
	if err != nil {
		return nil, err
	}
	if q.Distinct {
		out = query.Page(query.Distinct(out), q.Skip, q.Limit)
	}
	slog.Debug("query", "entity", q.Entity.Name, "results", len(out))
	return out, nil
}

// output maps source records through plan, resolving the references the
// mapping traverses.
func (e *Engine) output(ctx context.Context, plan *query.Plan, recs []ir.Object) ([]ir.Value, error) {
	q := plan.Info
	paths := expr.Paths(q.Mapping)
	out := make([]ir.Value, 0, len(recs))
	for _, rec := range recs {
		if len(paths) > 0 {
			exp, err := query.Expand(e.reg, q.Entity, rec, paths, e.lookup(ctx))
			if err != nil {
				return nil, repoerr.Backend("query", q.Entity.Name, err)
			}
			rec = exp
		}
		v, err := plan.Output(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Aggregate reduces the records matched by q to one value.
func (e *Engine) Aggregate(ctx context.Context, q *query.Info, agg query.Aggregator) (ir.Value, error) {
	if err := agg.Validate(); err != nil {
		return nil, err
	}
	if err := query.Validate(q, e.reg); err != nil {
		return nil, err
	}
	if err := e.ensure(ctx, q.Entity); err != nil {
		return nil, err
	}
	v, err := e.backend.Aggregate(ctx, q, agg)
	if err != nil {
		return nil, repoerr.Backend("aggregate", q.Entity.Name, err)
	}
	slog.Debug("aggregate", "entity", q.Entity.Name, "op", agg.Op.String())
	return v, nil
}
