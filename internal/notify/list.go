package notify

import (
	"cmp"
	"slices"
	"sync"
)

// KeyFunc identifies a value across notifications.
type KeyFunc[T any] func(T) string

// CompareFunc orders values. It returns a negative number when a sorts
// before b.
type CompareFunc[T any] func(a, b T) int

// ordered keeps values sorted by cmp, then by key. Without cmp it keeps
// insertion order.
type ordered[T any] struct {
	key   KeyFunc[T]
	cmp   CompareFunc[T]
	items []T
}

func (o *ordered[T]) compare(a, b T) int {
	if o.cmp != nil {
		if c := o.cmp(a, b); c != 0 {
			return c
		}
	}
	return cmp.Compare(o.key(a), o.key(b))
}

func (o *ordered[T]) indexOf(v T) int {
	k := o.key(v)
	return slices.IndexFunc(o.items, func(item T) bool { return o.key(item) == k })
}

// position returns where v sorts among the items.
func (o *ordered[T]) position(v T) int {
	i, _ := slices.BinarySearchFunc(o.items, v, o.compare)
	return i
}

func (o *ordered[T]) remove(v T) int {
	i := o.indexOf(v)
	if i >= 0 {
		o.items = slices.Delete(o.items, i, i+1)
	}
	return i
}

// insert adds or replaces v and returns its index.
func (o *ordered[T]) insert(v T) int {
	if o.cmp == nil {
		if i := o.indexOf(v); i >= 0 {
			o.items[i] = v
			return i
		}
		o.items = append(o.items, v)
		return len(o.items) - 1
	}
	o.remove(v)
	i := o.position(v)
	o.items = slices.Insert(o.items, i, v)
	return i
}

func (o *ordered[T]) snapshot(limit int) []T {
	items := o.items
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return slices.Clone(items)
}

// List materializes an unbounded result set. Every value is kept; Limit
// only caps the snapshots.
type List[T any] struct {
	mu    sync.Mutex
	o     ordered[T]
	limit int
}

// NewList returns an empty list. cmp may be nil, in which case values keep
// the order they were first created in.
func NewList[T any](key KeyFunc[T], cmp CompareFunc[T], limit int) *List[T] {
	return &List[T]{o: ordered[T]{key: key, cmp: cmp}, limit: limit}
}

// Seed replaces the contents with items.
func (l *List[T]) Seed(items []T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.o.items = l.o.items[:0]
	for _, v := range items {
		l.o.insert(v)
	}
}

// Apply applies one batch and returns the resulting snapshot.
func (l *List[T]) Apply(batch []Notification[T]) []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range batch {
		switch {
		case n.IsDelete():
			l.o.remove(*n.Old)
		case n.IsModify():
			if l.o.key(*n.Old) != l.o.key(*n.New) {
				l.o.remove(*n.Old)
			}
			l.o.insert(*n.New)
		case n.IsCreate():
			l.o.insert(*n.New)
		}
	}
	return l.o.snapshot(l.limit)
}

// Snapshot returns the current contents.
func (l *List[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.o.snapshot(l.limit)
}

// Len returns the number of values held.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.o.items)
}
