package decorator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
)

// streams tracks open live streams so they can be ended together.
type streams struct {
	mu     sync.Mutex
	closed bool
	next   int
	open   map[int]func(error)
}

func track[E any](t *streams, in *notify.Stream[E]) *notify.Stream[E] {
	out := notify.Forward(in, func(e E) (E, bool, error) { return e, true, nil })
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		out.Finish(provider.ErrClosed)
		return out
	}
	id := t.next
	t.next++
	t.open[id] = out.Finish
	t.mu.Unlock()
	go func() {
		<-out.Done()
		t.mu.Lock()
		delete(t.open, id)
		t.mu.Unlock()
	}()
	return out
}

func (t *streams) close() int {
	t.mu.Lock()
	t.closed = true
	finish := make([]func(error), 0, len(t.open))
	for _, f := range t.open {
		finish = append(finish, f)
	}
	t.mu.Unlock()
	for _, f := range finish {
		f(provider.ErrClosed)
	}
	return len(finish)
}

// TakeUntilClose ends every live stream opened through the provider with
// provider.ErrClosed when the provider closes, and refuses calls made after
// that.
func TakeUntilClose() Decorator {
	return func(inner provider.Provider) provider.Provider {
		t := &streams{open: make(map[int]func(error))}
		return &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				t.mu.Lock()
				closed := t.closed
				t.mu.Unlock()
				if closed {
					return provider.ErrClosed
				}
				return fn(ctx)
			},
			changes: func(_ Call, s *notify.Stream[provider.Notification]) *notify.Stream[provider.Notification] {
				return track(t, s)
			},
			snapshots: func(_ Call, s *notify.Stream[[]ir.Value]) *notify.Stream[[]ir.Value] {
				return track(t, s)
			},
			close: func() error {
				n := t.close()
				slog.Debug("provider closed", "live_streams", n)
				return inner.Close()
			},
		}
	}
}
