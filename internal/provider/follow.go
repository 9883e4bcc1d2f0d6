package provider

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/store"
)

// Watcher tails a change log that other processes append to.
type Watcher interface {
	Watch(ctx context.Context, after int64, fn func(store.Change) error) error
}

// Follow publishes to the hub every change w reports after the given
// sequence, except those this engine wrote itself, so live queries see
// writes of other processes sharing the log. Each such change is a batch
// of its own.
//
// The returned stop ends the watch and waits for it. Follow must be
// called before the engine's first write.
func (e *Engine) Follow(w Watcher, after int64) (stop func() error) {
	e.following.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		err := w.Watch(ctx, after, func(c store.Change) error {
			if _, mine := e.own.LoadAndDelete(c.Seq); mine {
				return nil
			}
			if e.closed.Load() {
				return ErrClosed
			}
			e.hub.Publish(c.Entity, notify.Batch(notification(c)))
			slog.Debug("follow", "entity", c.Entity, "seq", c.Seq)
			return nil
		})
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed), e.closed.Load():
			err = nil
		case err != nil:
			slog.Warn("follow stopped", "after", after, "error", err)
		}
		done <- err
	}()
	return func() error {
		cancel()
		return <-done
	}
}

// disown forgets sequences first..last, which no log will report.
func (e *Engine) disown(first, last int64) {
	if !e.following.Load() {
		return
	}
	for seq := first; seq <= last; seq++ {
		e.own.Delete(seq)
	}
}
