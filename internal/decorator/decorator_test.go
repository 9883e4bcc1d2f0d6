package decorator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/quarry/internal/entity"
	"github.com/roach88/quarry/internal/expr"
	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
	"github.com/roach88/quarry/internal/repoerr"
	"github.com/roach88/quarry/internal/store/memstore"
	"github.com/roach88/quarry/internal/testutil"
)

func newEngine(t *testing.T) *provider.Engine {
	t.Helper()
	reg := testutil.Registry(t)
	e, err := provider.New(context.Background(), memstore.New(reg), reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func order(id int, status string, total int) provider.Updater {
	return func(ir.Object) (ir.Object, error) {
		return ir.Object{"id": ir.Int(id), "status": ir.String(status), "total": ir.Int(total)}, nil
	}
}

func recv[E any](t *testing.T, s *notify.Stream[E]) E {
	t.Helper()
	select {
	case v, ok := <-s.C():
		require.True(t, ok, "stream ended: %v", s.Err())
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream")
	}
	var zero E
	return zero
}

func ended[E any](t *testing.T, s *notify.Stream[E]) error {
	t.Helper()
	for {
		select {
		case _, ok := <-s.C():
			if !ok {
				return s.Err()
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the stream to end")
			return nil
		}
	}
}

// calls counts the operations that reach the provider it wraps.
type calls struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *calls) listener() Decorator {
	return Listen(Listener{Before: func(_ context.Context, call Call) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.n == nil {
			c.n = map[string]int{}
		}
		c.n[call.Op]++
	}})
}

func (c *calls) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[op]
}

// stub serves the operations a test sets and panics on the rest.
type stub struct {
	provider.Provider
	upsert func(ctx context.Context) (ir.Object, error)
	all    func(ctx context.Context, ups []provider.Upsert) ([]ir.Object, error)
	query  func(ctx context.Context) ([]ir.Value, error)
	live   func(ctx context.Context) (*notify.Stream[provider.Notification], error)
}

func (s *stub) InsertOrUpdate(ctx context.Context, _ *entity.Descriptor, _ ir.Value, _ provider.Updater) (ir.Object, error) {
	return s.upsert(ctx)
}

func (s *stub) InsertOrUpdateAll(ctx context.Context, _ *entity.Descriptor, ups []provider.Upsert) ([]ir.Object, error) {
	return s.all(ctx, ups)
}

func (s *stub) Query(ctx context.Context, _ *query.Info) ([]ir.Value, error) {
	return s.query(ctx)
}

func (s *stub) LiveQuery(ctx context.Context, _ *query.Info) (*notify.Stream[provider.Notification], error) {
	return s.live(ctx)
}

func (s *stub) Close() error { return nil }

func TestChain_FirstIsOutermost(t *testing.T) {
	var (
		mu      sync.Mutex
		visited []string
	)
	named := func(name string) Decorator {
		return Listen(Listener{Before: func(context.Context, Call) {
			mu.Lock()
			defer mu.Unlock()
			visited = append(visited, name)
		}})
	}
	p := Chain(newEngine(t), named("outer"), nil, named("inner"))
	_, err := p.Query(context.Background(), query.From(testutil.Order).Build())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, visited)
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	MustRegisterMetrics(registry)
	p := Chain(newEngine(t), Metrics())

	ok := prometheus.Labels{"op": OpUpsert, "entity": "Order", "status": "ok"}
	conflict := prometheus.Labels{"op": OpUpsert, "entity": "Order", "status": string(repoerr.CodeConflict)}
	okBefore := promtest.ToFloat64(opCounter.With(ok))
	conflictBefore := promtest.ToFloat64(opCounter.With(conflict))

	_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 10))
	require.NoError(t, err)
	_, err = p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), func(cur ir.Object) (ir.Object, error) {
		if _, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "PAID", 10)); err != nil {
			return nil, err
		}
		cur["total"] = ir.Int(11)
		return cur, nil
	})
	require.True(t, repoerr.IsConflict(err))

	assert.Equal(t, okBefore+2, promtest.ToFloat64(opCounter.With(ok)))
	assert.Equal(t, conflictBefore+1, promtest.ToFloat64(opCounter.With(conflict)))

	gauge := liveSubscriptions.With(prometheus.Labels{"op": OpLiveList, "entity": "Order"})
	gaugeBefore := promtest.ToFloat64(gauge)
	live, err := p.LiveList(ctx, query.From(testutil.Order).Build())
	require.NoError(t, err)
	recv(t, live)
	assert.Equal(t, gaugeBefore+1, promtest.ToFloat64(gauge))
	live.Close()
	assert.Eventually(t, func() bool { return promtest.ToFloat64(gauge) == gaugeBefore }, 2*time.Second, 10*time.Millisecond)

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestListen(t *testing.T) {
	ctx := context.Background()
	var (
		mu            sync.Mutex
		before, after []string
		changes       []provider.Notification
		errs          []error
	)
	p := Chain(newEngine(t), Listen(Listener{
		Before: func(_ context.Context, c Call) {
			mu.Lock()
			defer mu.Unlock()
			before = append(before, c.Op+" "+c.Entity)
		},
		After: func(_ context.Context, c Call, err error) {
			mu.Lock()
			defer mu.Unlock()
			after = append(after, c.Op)
			errs = append(errs, err)
		},
		Notification: func(_ Call, n provider.Notification) {
			mu.Lock()
			defer mu.Unlock()
			changes = append(changes, n)
		},
	}))

	live, err := p.LiveQuery(ctx, query.From(testutil.Order).Build())
	require.NoError(t, err)
	defer live.Close()
	_, err = p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 10))
	require.NoError(t, err)
	recv(t, live)
	recv(t, live)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"live_query Order", "upsert Order"}, before)
	assert.Equal(t, []string{OpLiveQuery, OpUpsert}, after)
	assert.Equal(t, []error{nil, nil}, errs)
	require.Len(t, changes, 2)
	assert.True(t, changes[0].IsCreate())
	assert.True(t, changes[1].IsBatchEnd())
}

func TestMandatoryProperties(t *testing.T) {
	ctx := context.Background()
	p := Chain(newEngine(t), MandatoryProperties())
	_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 10))
	require.NoError(t, err)

	tests := []struct {
		name string
		q    *query.Info
		want ir.Value
	}{
		{
			name: "projection gains key and version",
			q:    query.From(testutil.Order).Select("total").Build(),
			want: ir.Object{"id": ir.Int(1), "total": ir.Int(10), "version": ir.Int(0)},
		},
		{
			name: "mapping is left alone",
			q:    query.From(testutil.Order).Map(expr.Str("status")).Build(),
			want: ir.String("NEW"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Query(ctx, tt.q)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

func TestRefreshReferences(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	p := Chain(e, RefreshReferences(e.Registry()))
	rename := func(name string) {
		t.Helper()
		_, err := p.InsertOrUpdate(ctx, testutil.Customer, ir.Int(7), func(ir.Object) (ir.Object, error) {
			return ir.Object{"id": ir.Int(7), "name": ir.String(name)}, nil
		})
		require.NoError(t, err)
	}
	rename("Bob")
	_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), func(ir.Object) (ir.Object, error) {
		return ir.Object{"id": ir.Int(1), "status": ir.String("NEW"), "total": ir.Int(10), "customer": ir.Int(7)}, nil
	})
	require.NoError(t, err)
	byAda := query.From(testutil.Order).Where(expr.Eq(expr.Str("customer", "name"), expr.C("Ada"))).Build()

	t.Run("live list", func(t *testing.T) {
		live, err := p.LiveList(ctx, byAda)
		require.NoError(t, err)
		defer live.Close()
		assert.Empty(t, recv(t, live))

		rename("Ada")
		got := recv(t, live)
		require.Len(t, got, 1)
		assert.Equal(t, ir.Int(1), got[0].(ir.Object)["id"])

		rename("Bob")
		assert.Empty(t, recv(t, live))
	})

	t.Run("live query", func(t *testing.T) {
		live, err := p.LiveQuery(ctx, byAda)
		require.NoError(t, err)
		defer live.Close()

		rename("Ada")
		n := recv(t, live)
		require.True(t, n.IsCreate())
		assert.Equal(t, ir.Int(1), (*n.New).(ir.Object)["id"])
		assert.True(t, recv(t, live).IsBatchEnd())

		rename("Bob")
		assert.True(t, recv(t, live).IsDelete())
		assert.True(t, recv(t, live).IsBatchEnd())
	})

	t.Run("queries without references pass through", func(t *testing.T) {
		refs, err := p.(*references).referenced(query.From(testutil.Order).OrderBy("total", true).Build())
		require.NoError(t, err)
		assert.Empty(t, refs)
	})
}

func TestShare(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	var inner calls
	p := Chain(e, Share(), inner.listener())
	q := query.From(testutil.Order).OrderBy("total", true).Build()

	a, err := p.LiveList(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, recv(t, a))
	b, err := p.LiveList(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, recv(t, b), "late subscribers start with the latest snapshot")
	assert.Equal(t, 1, inner.count(OpLiveList))

	_, err = p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 10))
	require.NoError(t, err)
	assert.Len(t, recv(t, a), 1)
	assert.Len(t, recv(t, b), 1)

	other, err := p.LiveList(ctx, query.From(testutil.Order).OrderBy("total", false).Build())
	require.NoError(t, err)
	assert.Len(t, recv(t, other), 1)
	assert.Equal(t, 2, inner.count(OpLiveList))
	other.Close()

	a.Close()
	assert.Equal(t, 1, e.Hub().Subscribers("Order"), "the shared stream stays open")
	b.Close()
	assert.Eventually(t, func() bool { return e.Hub().Subscribers("Order") == 0 }, 2*time.Second, 10*time.Millisecond)

	c, err := p.LiveList(ctx, q)
	require.NoError(t, err)
	defer c.Close()
	assert.Len(t, recv(t, c), 1)
	assert.Equal(t, 3, inner.count(OpLiveList), "a query is reopened after its last subscriber left")
}

func TestRetry(t *testing.T) {
	conflict := repoerr.Conflict("upsert", "Order", 1, 0)
	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantErr   bool
		wantCalls int
		wantSleep []time.Duration
	}{
		{name: "first attempt", failures: 0, attempts: 5, wantCalls: 1},
		{
			name: "backoff doubles up to the cap", failures: 4, attempts: 5, wantCalls: 5,
			wantSleep: []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond},
		},
		{
			name: "exhausted", failures: 10, attempts: 3, wantErr: true, wantCalls: 3,
			wantSleep: []time.Duration{time.Millisecond, 2 * time.Millisecond},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				n      int
				sleeps []time.Duration
			)
			inner := &stub{upsert: func(context.Context) (ir.Object, error) {
				n++
				if n <= tt.failures {
					return nil, conflict
				}
				return ir.Object{"id": ir.Int(1)}, nil
			}}
			p := Chain(inner, Retry(
				RetryAttempts(tt.attempts),
				RetryPeriod(time.Millisecond, 4*time.Millisecond),
				RetrySleep(func(_ context.Context, d time.Duration) { sleeps = append(sleeps, d) }),
			))
			got, err := p.InsertOrUpdate(context.Background(), testutil.Order, ir.Int(1), nil)
			if tt.wantErr {
				assert.True(t, repoerr.IsConflict(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, ir.Object{"id": ir.Int(1)}, got)
			}
			assert.Equal(t, tt.wantCalls, n)
			assert.Equal(t, tt.wantSleep, sleeps)
		})
	}

	t.Run("other errors are not retried", func(t *testing.T) {
		var n int
		inner := &stub{upsert: func(context.Context) (ir.Object, error) {
			n++
			return nil, repoerr.Schema("Order", "bad")
		}}
		_, err := Chain(inner, Retry()).InsertOrUpdate(context.Background(), testutil.Order, ir.Int(1), nil)
		assert.True(t, repoerr.IsSchema(err))
		assert.Equal(t, 1, n)
	})

	t.Run("converges on a real engine", func(t *testing.T) {
		ctx := context.Background()
		p := Chain(newEngine(t), Retry(RetryAttempts(50), RetryJitter(time.Millisecond)))
		_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 0))
		require.NoError(t, err)
		var g errgroup.Group
		for range 8 {
			g.Go(func() error {
				_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), func(cur ir.Object) (ir.Object, error) {
					cur["total"] = cur["total"].(ir.Int) + 1
					return cur, nil
				})
				return err
			})
		}
		require.NoError(t, g.Wait())
		got, err := p.Query(ctx, query.From(testutil.Order).Build())
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ir.Int(8), got[0].(ir.Object)["total"])
		assert.Equal(t, ir.Int(8), got[0].(ir.Object)["version"])
	})
}

func TestBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("groups concurrent upserts", func(t *testing.T) {
		e := newEngine(t)
		var inner calls
		p := Chain(e, Batch(3, time.Minute), inner.listener())
		var g errgroup.Group
		results := make([]ir.Object, 3)
		for i := range 3 {
			g.Go(func() error {
				var err error
				results[i], err = p.InsertOrUpdate(ctx, testutil.Order, ir.Int(i+1), order(i+1, "NEW", 10*(i+1)))
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, 1, inner.count(OpUpsertAll))
		assert.Equal(t, 0, inner.count(OpUpsert))
		for i, rec := range results {
			assert.Equal(t, ir.Int(i+1), rec["id"])
			assert.Equal(t, ir.Int(10*(i+1)), rec["total"])
		}
	})

	t.Run("a lone upsert is flushed after the delay", func(t *testing.T) {
		var inner calls
		p := Chain(newEngine(t), Batch(10, 5*time.Millisecond), inner.listener())
		got, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 10))
		require.NoError(t, err)
		assert.Equal(t, ir.Int(10), got["total"])
		assert.Equal(t, 1, inner.count(OpUpsert))
	})

	t.Run("a conflicting group falls back to single upserts", func(t *testing.T) {
		var singles atomic.Int32
		inner := &stub{
			all: func(context.Context, []provider.Upsert) ([]ir.Object, error) {
				return nil, repoerr.Conflict("upsert", "Order", 1, 0)
			},
			upsert: func(context.Context) (ir.Object, error) {
				singles.Add(1)
				return ir.Object{}, nil
			},
		}
		p := Chain(inner, Batch(2, time.Minute))
		var g errgroup.Group
		for i := range 2 {
			g.Go(func() error {
				_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(i), nil)
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.Equal(t, int32(2), singles.Load())
	})
}

func TestAdmitAndLock(t *testing.T) {
	tests := []struct {
		name string
		d    Decorator
	}{
		{name: "admit", d: Admit(1)},
		{name: "lock all", d: Lock(LockAll)},
		{name: "schedule reads", d: Schedule(Pools{Reads: 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entered := make(chan struct{})
			release := make(chan struct{})
			inner := &stub{query: func(context.Context) ([]ir.Value, error) {
				entered <- struct{}{}
				<-release
				return nil, nil
			}}
			p := Chain(inner, tt.d)
			q := query.From(testutil.Order).Build()

			done := make(chan error, 1)
			go func() {
				_, err := p.Query(context.Background(), q)
				done <- err
			}()
			<-entered

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err := p.Query(ctx, q)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.True(t, repoerr.IsTimeout(err), "waiting past the deadline is a timeout")

			canceled, cancelNow := context.WithCancel(context.Background())
			cancelNow()
			_, err = p.Query(canceled, q)
			assert.ErrorIs(t, err, context.Canceled)
			assert.False(t, repoerr.IsTimeout(err))

			close(release)
			require.NoError(t, <-done)
		})
	}

	t.Run("lock writes leaves reads alone", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{})
		inner := &stub{
			upsert: func(context.Context) (ir.Object, error) {
				close(entered)
				<-release
				return nil, nil
			},
			query: func(context.Context) ([]ir.Value, error) { return nil, nil },
		}
		p := Chain(inner, Lock(LockWrites))
		go func() { _, _ = p.InsertOrUpdate(context.Background(), testutil.Order, ir.Int(1), nil) }()
		<-entered
		_, err := p.Query(context.Background(), query.From(testutil.Order).Build())
		assert.NoError(t, err)
		close(release)
	})
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	p := Chain(newEngine(t), Schedule(Pools{Reads: 1, Writes: 1, Delivery: 1}))
	live, err := p.LiveList(ctx, query.From(testutil.Order).OrderBy("id", true).Build())
	require.NoError(t, err)
	defer live.Close()
	assert.Empty(t, recv(t, live))

	var g errgroup.Group
	for i := range 4 {
		g.Go(func() error {
			_, err := p.InsertOrUpdate(ctx, testutil.Order, ir.Int(i+1), order(i+1, "NEW", 1))
			return err
		})
	}
	require.NoError(t, g.Wait())
	var last []ir.Value
	for len(last) < 4 {
		last = recv(t, live)
	}
	assert.Len(t, last, 4)
}

func TestTimeout(t *testing.T) {
	t.Run("query deadline", func(t *testing.T) {
		inner := &stub{query: func(ctx context.Context) ([]ir.Value, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		p := Chain(inner, Timeout(Timeouts{Query: 10 * time.Millisecond}))
		_, err := p.Query(context.Background(), query.From(testutil.Order).Build())
		assert.True(t, repoerr.IsTimeout(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		inner := &stub{query: func(ctx context.Context) ([]ir.Value, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		p := Chain(inner, Timeout(Timeouts{Query: time.Minute}))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := p.Query(ctx, query.From(testutil.Order).Build())
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, repoerr.IsTimeout(err))
	})

	t.Run("first live event", func(t *testing.T) {
		inner := &stub{live: func(context.Context) (*notify.Stream[provider.Notification], error) {
			return notify.NewStream[provider.Notification](nil), nil
		}}
		p := Chain(inner, Timeout(Timeouts{FirstEvent: 10 * time.Millisecond}))
		live, err := p.LiveQuery(context.Background(), query.From(testutil.Order).Build())
		require.NoError(t, err)
		assert.True(t, repoerr.IsTimeout(ended(t, live)))
	})

	t.Run("events in time pass", func(t *testing.T) {
		p := Chain(newEngine(t), Timeout(Timeouts{Query: time.Second, Write: time.Second, FirstEvent: time.Second}))
		live, err := p.LiveList(context.Background(), query.From(testutil.Order).Build())
		require.NoError(t, err)
		defer live.Close()
		assert.Empty(t, recv(t, live))
	})
}

func TestTakeUntilClose(t *testing.T) {
	ctx := context.Background()
	p := Chain(newEngine(t), TakeUntilClose())
	list, err := p.LiveList(ctx, query.From(testutil.Order).Build())
	require.NoError(t, err)
	changes, err := p.LiveQuery(ctx, query.From(testutil.Order).Build())
	require.NoError(t, err)
	recv(t, list)

	require.NoError(t, p.Close())
	assert.ErrorIs(t, ended(t, list), provider.ErrClosed)
	assert.ErrorIs(t, ended(t, changes), provider.ErrClosed)

	_, err = p.Query(ctx, query.From(testutil.Order).Build())
	assert.ErrorIs(t, err, provider.ErrClosed)
	_, err = p.LiveList(ctx, query.From(testutil.Order).Build())
	assert.ErrorIs(t, err, provider.ErrClosed)
}

func TestPipeline(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	lock := LockWrites
	var seen atomic.Int32
	p := Pipeline(e, Config{
		Metrics:             true,
		Listener:            &Listener{After: func(context.Context, Call, error) { seen.Add(1) }},
		MandatoryProperties: true,
		References:          e.Registry(),
		Share:               true,
		RetryAttempts:       5,
		Retry:               []RetryOption{RetryPeriod(time.Millisecond, 10*time.Millisecond)},
		Pools:               &Pools{Reads: 4, Writes: 2},
		Admit:               16,
		Timeouts:            &Timeouts{Query: 5 * time.Second, Write: 5 * time.Second},
		Lock:                &lock,
		TakeUntilClose:      true,
	})
	assert.Len(t, Config{}.Decorators(), 0)

	live, err := p.LiveList(ctx, query.From(testutil.Order).Select("total").OrderBy("total", true).Build())
	require.NoError(t, err)
	assert.Empty(t, recv(t, live))

	_, err = p.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), order(1, "NEW", 10))
	require.NoError(t, err)
	got := recv(t, live)
	require.Len(t, got, 1)
	assert.Equal(t, ir.Object{"id": ir.Int(1), "total": ir.Int(10), "version": ir.Int(0)}, got[0])
	assert.Equal(t, int32(2), seen.Load())

	require.NoError(t, p.Close())
	assert.ErrorIs(t, ended(t, live), provider.ErrClosed)
}
