package provider

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/store"
)

// parcel holds the changes stamped with sequences first..last.
type parcel struct {
	last    int64
	changes []store.Change
}

// outbox delivers committed changes in sequence order. Writes commit in
// any order; a parcel waits until every lower sequence has been handed
// over, committed or not.
type outbox struct {
	mu      sync.Mutex
	next    int64 // first sequence not yet delivered
	pending map[int64]parcel
	deliver func([]store.Change)
}

func newOutbox(next int64, deliver func([]store.Change)) *outbox {
	return &outbox{next: next, pending: make(map[int64]parcel), deliver: deliver}
}

// put hands over sequences first..last with their changes, nil for a
// write that did not commit.
func (o *outbox) put(first, last int64, changes []store.Change) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[first] = parcel{last: last, changes: changes}
	for {
		p, ok := o.pending[o.next]
		if !ok {
			return
		}
		delete(o.pending, o.next)
		o.next = p.last + 1
		if len(p.changes) > 0 {
			o.deliver(p.changes)
		}
	}
}

// deliver publishes the changes of one write, one batch per entity.
func (e *Engine) deliver(changes []store.Change) {
	ctx := context.Background()
	if e.log != nil && !e.inline {
		for _, c := range changes {
			if err := e.log.Append(ctx, c); err != nil {
				slog.Warn("change log append failed", "seq", c.Seq, "entity", c.Entity, "error", err)
			}
		}
	}
	for start := 0; start < len(changes); {
		name := changes[start].Entity
		end := start + 1
		for end < len(changes) && changes[end].Entity == name {
			end++
		}
		batch := make([]notify.Notification[ir.Object], 0, end-start+1)
		for _, c := range changes[start:end] {
			batch = append(batch, notification(c))
		}
		batch = notify.Batch(batch...)
		e.hub.Publish(name, batch)
		if e.relay != nil {
			if err := e.relay.Publish(ctx, name, batch); err != nil {
				slog.Warn("relay publish failed", "entity", name, "error", err)
			}
		}
		slog.Debug("publish", "entity", name, "changes", end-start, "seq", changes[end-1].Seq)
		start = end
	}
}

func notification(c store.Change) notify.Notification[ir.Object] {
	switch {
	case c.Old == nil:
		return notify.Create(c.New, c.Seq)
	case c.New == nil:
		return notify.Delete(c.Old, c.Seq)
	default:
		return notify.Modify(c.Old, c.New, c.Seq)
	}
}
