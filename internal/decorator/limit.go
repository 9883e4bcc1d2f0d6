package decorator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/repoerr"
)

// Admit lets at most n operations run at once. Callers beyond that wait
// for a slot or for their context. Live calls hold a slot while the stream
// is being opened, not while it runs.
func Admit(n int64) Decorator {
	sem := semaphore.NewWeighted(max(n, 1))
	return func(inner provider.Provider) provider.Provider {
		return &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				if err := acquire(ctx, c, sem); err != nil {
					return err
				}
				defer sem.Release(1)
				return fn(ctx)
			},
		}
	}
}

// LockMode selects the operations Lock serializes.
type LockMode int

const (
	LockWrites LockMode = iota
	LockAll
)

// Lock runs the selected operations one at a time. An updater must not
// write through the same provider while the lock is held.
func Lock(mode LockMode) Decorator {
	sem := semaphore.NewWeighted(1)
	return func(inner provider.Provider) provider.Provider {
		return &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				if !c.Write && mode != LockAll {
					return fn(ctx)
				}
				if err := acquire(ctx, c, sem); err != nil {
					return err
				}
				defer sem.Release(1)
				return fn(ctx)
			},
		}
	}
}

// Pools sizes the worker pools of Schedule. A size of zero or less leaves
// the category unbounded.
type Pools struct {
	Reads    int64
	Writes   int64
	Delivery int64
}

// Schedule runs reads and writes in separate pools, so that a burst of one
// cannot starve the other, and bounds how many live streams process a
// value at the same time.
func Schedule(p Pools) Decorator {
	reads, writes, delivery := pool(p.Reads), pool(p.Writes), pool(p.Delivery)
	return func(inner provider.Provider) provider.Provider {
		a := &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				sem := reads
				if c.Write {
					sem = writes
				}
				if sem == nil {
					return fn(ctx)
				}
				if err := acquire(ctx, c, sem); err != nil {
					return err
				}
				defer sem.Release(1)
				return fn(ctx)
			},
		}
		if delivery != nil {
			a.changes = func(_ Call, s *notify.Stream[provider.Notification]) *notify.Stream[provider.Notification] {
				return deliverIn(delivery, s)
			}
			a.snapshots = func(_ Call, s *notify.Stream[[]ir.Value]) *notify.Stream[[]ir.Value] {
				return deliverIn(delivery, s)
			}
		}
		return a
	}
}

// acquire takes one slot of sem. Running out of time while waiting is a
// timeout of the operation.
func acquire(ctx context.Context, c Call, sem *semaphore.Weighted) error {
	err := sem.Acquire(ctx, 1)
	if errors.Is(err, context.DeadlineExceeded) {
		return repoerr.Timeout(c.Op, err)
	}
	return err
}

func pool(n int64) *semaphore.Weighted {
	if n <= 0 {
		return nil
	}
	return semaphore.NewWeighted(n)
}

func deliverIn[E any](sem *semaphore.Weighted, s *notify.Stream[E]) *notify.Stream[E] {
	return notify.Forward(s, func(e E) (E, bool, error) {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return e, false, err
		}
		sem.Release(1)
		return e, true, nil
	})
}

// Timeouts bounds how long operations may take. Zero disables a bound.
type Timeouts struct {
	// Query bounds reads, and the opening of live streams.
	Query time.Duration
	// Write bounds writes.
	Write time.Duration
	// FirstEvent bounds the wait for the first value of a live stream.
	FirstEvent time.Duration
}

// Timeout fails operations that exceed their bound with a timeout error.
func Timeout(t Timeouts) Decorator {
	return func(inner provider.Provider) provider.Provider {
		a := &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				d := t.Query
				if c.Write {
					d = t.Write
				}
				if d <= 0 {
					return fn(ctx)
				}
				ctx, cancel := context.WithTimeout(ctx, d)
				defer cancel()
				err := fn(ctx)
				if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !repoerr.IsTimeout(err) {
					return repoerr.Timeout(c.Op, err)
				}
				return err
			},
		}
		if t.FirstEvent > 0 {
			a.changes = func(c Call, s *notify.Stream[provider.Notification]) *notify.Stream[provider.Notification] {
				return firstWithin(c, t.FirstEvent, s)
			}
			a.snapshots = func(c Call, s *notify.Stream[[]ir.Value]) *notify.Stream[[]ir.Value] {
				return firstWithin(c, t.FirstEvent, s)
			}
		}
		return a
	}
}

// firstWithin ends in with a timeout when its first value takes longer
// than d.
func firstWithin[E any](c Call, d time.Duration, in *notify.Stream[E]) *notify.Stream[E] {
	out := notify.NewStream[E](in.Close)
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired := timer.C
		for {
			select {
			case e, ok := <-in.C():
				if !ok {
					out.Finish(in.Err())
					return
				}
				expired = nil
				if !out.Send(e) {
					return
				}
			case <-expired:
				out.Finish(repoerr.Timeout(c.Op, fmt.Errorf("no live event within %s: %w", d, context.DeadlineExceeded)))
				return
			}
		}
	}()
	return out
}
