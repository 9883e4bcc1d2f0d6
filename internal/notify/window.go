package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnordered is returned by NewWindow without a comparator.
var ErrUnordered = errors.New("sliding window needs a sort order")

// RefillFunc fetches up to n values of the full sorted result set starting
// at index skip.
type RefillFunc[T any] func(ctx context.Context, skip, n int) ([]T, error)

// Window materializes a bounded, sorted page of a result set without
// re-reading storage on every change.
//
// A window seeded at offset 0 always holds the first limit values of the
// result set. A window seeded further in is anchored on its first value:
// values created or deleted before it move Offset rather than the window's
// contents.
//
// Values pushed past the tail are dropped and counted. When deletions
// leave the window short and values may exist past the tail, the window
// calls its refill function, if any.
type Window[T any] struct {
	mu     sync.Mutex
	o      ordered[T]
	limit  int
	offset int
	anchor bool
	refill RefillFunc[T]

	// beyond counts values known to lie past the tail. It is exact only
	// when exact is set; otherwise more may exist.
	beyond int
	exact  bool
}

// NewWindow returns an empty window of at most limit values ordered by
// cmp, tie-broken by key.
func NewWindow[T any](key KeyFunc[T], cmp CompareFunc[T], limit int, refill RefillFunc[T]) (*Window[T], error) {
	if cmp == nil {
		return nil, ErrUnordered
	}
	if limit <= 0 {
		return nil, fmt.Errorf("sliding window limit must be positive, got %d", limit)
	}
	return &Window[T]{
		o:      ordered[T]{key: key, cmp: cmp},
		limit:  limit,
		refill: refill,
		exact:  true,
	}, nil
}

// Seed replaces the contents with items, the page of the result set
// starting at offset. Fewer than limit items mean nothing lies beyond them.
func (w *Window[T]) Seed(items []T, offset int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.o.items = w.o.items[:0]
	for _, v := range items {
		w.o.insert(v)
	}
	w.offset = offset
	w.anchor = offset > 0
	w.beyond = 0
	w.exact = len(w.o.items) < w.limit
	w.trim()
}

// Offset returns the index of the first value within the full result set.
func (w *Window[T]) Offset() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// Beyond returns the number of values known to lie past the tail, and
// whether that number is exact.
func (w *Window[T]) Beyond() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.beyond, w.exact
}

// Snapshot returns the current contents.
func (w *Window[T]) Snapshot() []T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.o.snapshot(0)
}

// Apply applies one batch, refills the window if it ran short, and returns
// the resulting snapshot.
func (w *Window[T]) Apply(ctx context.Context, batch []Notification[T]) ([]T, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range batch {
		// Both sides are placed against the first value as it was before
		// the change, so a modified first value stays put.
		first, anchored := w.first()
		if n.Old != nil {
			w.remove(*n.Old, first, anchored)
		}
		if n.New != nil {
			w.insert(*n.New, first, anchored)
		}
	}
	if err := w.fill(ctx); err != nil {
		return nil, err
	}
	return w.o.snapshot(0), nil
}

// first returns the value the window is anchored on, if any.
func (w *Window[T]) first() (T, bool) {
	var zero T
	if !w.anchor || len(w.o.items) == 0 {
		return zero, false
	}
	return w.o.items[0], true
}

func (w *Window[T]) remove(v, first T, anchored bool) {
	if w.o.remove(v) >= 0 {
		return
	}
	switch {
	case anchored && w.o.compare(v, first) < 0:
		w.offset--
	case w.beyond > 0:
		w.beyond--
	}
}

func (w *Window[T]) insert(v, first T, anchored bool) {
	if anchored && w.o.compare(v, first) < 0 {
		w.offset++
		return
	}
	w.o.remove(v)
	// Past the tail, v may sort after values the window has not seen.
	if w.o.position(v) == len(w.o.items) && !(w.exact && w.beyond == 0) {
		w.beyond++
		return
	}
	w.o.insert(v)
	w.trim()
}

// trim drops values past limit.
func (w *Window[T]) trim() {
	if n := len(w.o.items) - w.limit; n > 0 {
		w.o.items = w.o.items[:w.limit]
		w.beyond += n
	}
}

func (w *Window[T]) fill(ctx context.Context) error {
	short := w.limit - len(w.o.items)
	if short <= 0 || w.refill == nil || (w.exact && w.beyond == 0) {
		return nil
	}
	got, err := w.refill(ctx, w.offset+len(w.o.items), short)
	if err != nil {
		return fmt.Errorf("refill window: %w", err)
	}
	for _, v := range got {
		if w.o.indexOf(v) < 0 {
			w.o.insert(v)
		}
	}
	w.trim()
	if len(got) < short {
		w.beyond, w.exact = 0, true
	} else {
		w.beyond = max(w.beyond-len(got), 0)
	}
	return nil
}
