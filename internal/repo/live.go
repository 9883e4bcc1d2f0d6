package repo

import (
	"context"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/provider"
	"github.com/roach88/quarry/internal/query"
)

// Live is a query whose results are followed as they change.
type Live[K, T any] struct {
	r *Repository[K, T]
	q *query.Info
}

// AsList streams the full result after every change. With a limit the
// query must be sorted; the list is then a sliding window over the sort
// order.
func (l *Live[K, T]) AsList(ctx context.Context) (*notify.Stream[[]T], error) {
	s, err := l.r.p.LiveList(ctx, l.q)
	if err != nil {
		return nil, err
	}
	return notify.Forward(s, func(vals []ir.Value) ([]T, bool, error) {
		out, err := l.r.decodeAll(vals)
		return out, err == nil, err
	}), nil
}

// Values streams the raw result after every change, for projected or
// mapped queries.
func (l *Live[K, T]) Values(ctx context.Context) (*notify.Stream[[]ir.Value], error) {
	return l.r.p.LiveList(ctx, l.q)
}

// Changes streams every change to the result from now on.
func (l *Live[K, T]) Changes(ctx context.Context) (*notify.Stream[notify.Notification[T]], error) {
	s, err := l.r.p.LiveQuery(ctx, l.q)
	if err != nil {
		return nil, err
	}
	return l.decodeChanges(s), nil
}

// Observe streams the current result as creates, then every later change.
func (l *Live[K, T]) Observe(ctx context.Context) (*notify.Stream[notify.Notification[T]], error) {
	s, err := l.r.p.QueryAndObserve(ctx, l.q)
	if err != nil {
		return nil, err
	}
	return l.decodeChanges(s), nil
}

func (l *Live[K, T]) decodeChanges(s *notify.Stream[provider.Notification]) *notify.Stream[notify.Notification[T]] {
	return notify.Forward(s, func(n provider.Notification) (notify.Notification[T], bool, error) {
		out, err := notify.Map(n, l.r.decode)
		return out, err == nil, err
	})
}
