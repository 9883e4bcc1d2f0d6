package decorator

import (
	"context"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
)

// Listener receives callbacks around provider calls. Nil hooks are
// skipped. Hooks run on the calling goroutine for Before and After, and on
// the stream's goroutine for Notification and Snapshot; they must not
// block.
type Listener struct {
	Before       func(ctx context.Context, c Call)
	After        func(ctx context.Context, c Call, err error)
	Notification func(c Call, n provider.Notification)
	Snapshot     func(c Call, values []ir.Value)
}

// Listen calls l around every operation and for every live value.
func Listen(l Listener) Decorator {
	return func(inner provider.Provider) provider.Provider {
		a := &around{
			inner: inner,
			call: func(ctx context.Context, c Call, fn func(ctx context.Context) error) error {
				if l.Before != nil {
					l.Before(ctx, c)
				}
				err := fn(ctx)
				if l.After != nil {
					l.After(ctx, c, err)
				}
				return err
			},
		}
		if l.Notification != nil {
			a.changes = func(c Call, s *notify.Stream[provider.Notification]) *notify.Stream[provider.Notification] {
				return tap(s, func(n provider.Notification) { l.Notification(c, n) })
			}
		}
		if l.Snapshot != nil {
			a.snapshots = func(c Call, s *notify.Stream[[]ir.Value]) *notify.Stream[[]ir.Value] {
				return tap(s, func(vals []ir.Value) { l.Snapshot(c, vals) })
			}
		}
		return a
	}
}
