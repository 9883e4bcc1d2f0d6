package decorator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

type share struct {
	provider.Provider

	mu      sync.Mutex
	lists   map[string]*fanout[[]ir.Value]
	changes map[string]*fanout[provider.Notification]
}

// Share runs identical live queries once. Subscribers of the same query
// share one inner stream; it is closed when the last of them leaves. A new
// live list subscriber starts with the latest snapshot, and a new live
// query subscriber starts at the next batch.
func Share() Decorator {
	return func(inner provider.Provider) provider.Provider {
		return &share{
			Provider: inner,
			lists:    make(map[string]*fanout[[]ir.Value]),
			changes:  make(map[string]*fanout[provider.Notification]),
		}
	}
}

func (s *share) LiveList(ctx context.Context, q *query.Info) (*notify.Stream[[]ir.Value], error) {
	key, err := query.Key(q)
	if err != nil {
		return nil, err
	}
	return join(ctx, &s.mu, s.lists, key, true, func([]ir.Value) bool { return true },
		func(ctx context.Context) (*notify.Stream[[]ir.Value], error) {
			return s.Provider.LiveList(ctx, q)
		})
}

func (s *share) LiveQuery(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	key, err := query.Key(q)
	if err != nil {
		return nil, err
	}
	return join(ctx, &s.mu, s.changes, key, false, provider.Notification.IsBatchEnd,
		func(ctx context.Context) (*notify.Stream[provider.Notification], error) {
			return s.Provider.LiveQuery(ctx, q)
		})
}

func (s *share) QueryAndObserve(ctx context.Context, q *query.Info) (*notify.Stream[provider.Notification], error) {
	live, err := s.LiveQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	return notify.QueryAndObserve(ctx, live, func(ctx context.Context) ([]ir.Value, error) {
		return s.Provider.Query(ctx, q)
	})
}

// fanout copies one source stream to any number of subscribers.
type fanout[E any] struct {
	ready chan struct{}
	src   *notify.Stream[E]
	err   error // opening the source failed

	// boundary reports the last value of a batch. Subscribers that join
	// inside a batch start after it.
	boundary func(E) bool
	replay   bool

	mu      sync.Mutex
	subs    map[*notify.Stream[E]]bool // subscriber -> receiving
	last    *E
	inBatch bool
	closing bool
}

// join subscribes to the fanout under key in m, opening it when absent.
func join[E any](ctx context.Context, mu *sync.Mutex, m map[string]*fanout[E], key string, replay bool, boundary func(E) bool, open func(context.Context) (*notify.Stream[E], error)) (*notify.Stream[E], error) {
	mu.Lock()
	f, ok := m[key]
	if ok {
		f.mu.Lock()
		ok = !f.closing
		f.mu.Unlock()
	}
	if ok {
		mu.Unlock()
		select {
		case <-f.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if f.err != nil {
			return nil, f.err
		}
		return f.subscribe(mu, m, key)
	}

	f = &fanout[E]{
		ready:    make(chan struct{}),
		boundary: boundary,
		replay:   replay,
		subs:     make(map[*notify.Stream[E]]bool),
	}
	m[key] = f
	mu.Unlock()

	// Sharing outlives the first subscriber's context.
	src, err := open(context.WithoutCancel(ctx))
	if err != nil {
		f.err = err
		mu.Lock()
		if m[key] == f {
			delete(m, key)
		}
		mu.Unlock()
		close(f.ready)
		return nil, err
	}
	f.src = src
	close(f.ready)
	slog.Debug("shared live query opened", "key", key)
	sub, err := f.subscribe(mu, m, key)
	go f.run(mu, m, key)
	return sub, err
}

func (f *fanout[E]) subscribe(mu *sync.Mutex, m map[string]*fanout[E], key string) (*notify.Stream[E], error) {
	var sub *notify.Stream[E]
	sub = notify.NewStream[E](func() { f.leave(mu, m, key, sub) })

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		// The source ended between lookup and subscribe.
		sub.Finish(f.src.Err())
		return sub, nil
	}
	if f.replay && f.last != nil {
		sub.Send(*f.last)
	}
	f.subs[sub] = !f.inBatch
	return sub, nil
}

func (f *fanout[E]) run(mu *sync.Mutex, m map[string]*fanout[E], key string) {
	for e := range f.src.C() {
		f.mu.Lock()
		if f.replay {
			v := e
			f.last = &v
		}
		end := f.boundary(e)
		for sub, receiving := range f.subs {
			if receiving {
				sub.Send(e)
			} else if end {
				f.subs[sub] = true
			}
		}
		f.inBatch = !end
		f.mu.Unlock()
	}

	mu.Lock()
	if m[key] == f {
		delete(m, key)
	}
	mu.Unlock()

	err := f.src.Err()
	f.mu.Lock()
	f.closing = true
	subs := make([]*notify.Stream[E], 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()
	for _, sub := range subs {
		sub.Finish(err)
	}
}

// leave drops sub, and closes the source once nobody is left.
func (f *fanout[E]) leave(mu *sync.Mutex, m map[string]*fanout[E], key string, sub *notify.Stream[E]) {
	mu.Lock()
	f.mu.Lock()
	delete(f.subs, sub)
	last := len(f.subs) == 0 && !f.closing
	if last {
		f.closing = true
		if m[key] == f {
			delete(m, key)
		}
	}
	f.mu.Unlock()
	mu.Unlock()
	if last {
		slog.Debug("shared live query closed", "key", key)
		f.src.Close()
	}
}
