package notify

import "context"

// ToList materializes in with l and streams a snapshot after every batch.
// Closing the result closes in.
func ToList[T any](in *Stream[Notification[T]], l *List[T]) *Stream[[]T] {
	out := NewStream[[]T](in.Close)
	go func() {
		var batch []Notification[T]
		for n := range in.C() {
			if !n.IsBatchEnd() {
				batch = append(batch, n)
				continue
			}
			if !out.Send(l.Apply(batch)) {
				return
			}
			batch = batch[:0]
		}
		out.Finish(in.Err())
	}()
	return out
}

// ToWindow materializes in with w and streams a snapshot after every
// batch. A failed refill ends the result with its error.
func ToWindow[T any](ctx context.Context, in *Stream[Notification[T]], w *Window[T]) *Stream[[]T] {
	out := NewStream[[]T](in.Close)
	go func() {
		var batch []Notification[T]
		for n := range in.C() {
			if !n.IsBatchEnd() {
				batch = append(batch, n)
				continue
			}
			snap, err := w.Apply(ctx, batch)
			if err != nil {
				out.Finish(err)
				return
			}
			if !out.Send(snap) {
				return
			}
			batch = batch[:0]
		}
		out.Finish(in.Err())
	}()
	return out
}

// QueryAndObserve runs query and returns a stream that first delivers its
// result as one batch of creates, then everything live delivers. live must
// be subscribed before the call so that no change after the query is
// missed; a change racing the query may show up in both.
func QueryAndObserve[T any](ctx context.Context, live *Stream[Notification[T]], query func(context.Context) ([]T, error)) (*Stream[Notification[T]], error) {
	initial, err := query(ctx)
	if err != nil {
		live.Close()
		return nil, err
	}

	out := NewStream[Notification[T]](live.Close)
	for _, v := range initial {
		out.Send(Create(v, 0))
	}
	out.Send(BatchEnd[T](0))

	go func() {
		for n := range live.C() {
			if !out.Send(n) {
				return
			}
		}
		out.Finish(live.Err())
	}()
	return out, nil
}

// Forward streams every value of in through fn, which may drop a value by
// returning false. An error from fn ends the result with that error.
func Forward[E, F any](in *Stream[E], fn func(E) (F, bool, error)) *Stream[F] {
	out := NewStream[F](in.Close)
	go func() {
		for e := range in.C() {
			f, ok, err := fn(e)
			if err != nil {
				out.Finish(err)
				return
			}
			if ok && !out.Send(f) {
				return
			}
		}
		out.Finish(in.Err())
	}()
	return out
}

// Prepend returns a stream that delivers first, then everything in
// delivers. Closing the result closes in.
func Prepend[E any](first E, in *Stream[E]) *Stream[E] {
	out := NewStream[E](in.Close)
	out.Send(first)
	go func() {
		for e := range in.C() {
			if !out.Send(e) {
				return
			}
		}
		out.Finish(in.Err())
	}()
	return out
}
