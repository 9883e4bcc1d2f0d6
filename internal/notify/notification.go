package notify

// Notification is one change of a value: a create when only New is set, a
// delete when only Old is set, and a modify when both are. Seq is the write
// sequence that produced it, 0 when unknown.
//
// Both nil marks the end of a batch.
type Notification[T any] struct {
	Old *T
	New *T
	Seq int64
}

// Create returns the notification of v appearing.
func Create[T any](v T, seq int64) Notification[T] {
	return Notification[T]{New: &v, Seq: seq}
}

// Delete returns the notification of v disappearing.
func Delete[T any](v T, seq int64) Notification[T] {
	return Notification[T]{Old: &v, Seq: seq}
}

// Modify returns the notification of prev becoming next.
func Modify[T any](prev, next T, seq int64) Notification[T] {
	return Notification[T]{Old: &prev, New: &next, Seq: seq}
}

// BatchEnd returns the end of batch sentinel.
func BatchEnd[T any](seq int64) Notification[T] {
	return Notification[T]{Seq: seq}
}

func (n Notification[T]) IsCreate() bool   { return n.Old == nil && n.New != nil }
func (n Notification[T]) IsDelete() bool   { return n.Old != nil && n.New == nil }
func (n Notification[T]) IsModify() bool   { return n.Old != nil && n.New != nil }
func (n Notification[T]) IsBatchEnd() bool { return n.Old == nil && n.New == nil }

// Map converts both sides of n with fn.
func Map[T, U any](n Notification[T], fn func(T) (U, error)) (Notification[U], error) {
	out := Notification[U]{Seq: n.Seq}
	if n.Old != nil {
		v, err := fn(*n.Old)
		if err != nil {
			return out, err
		}
		out.Old = &v
	}
	if n.New != nil {
		v, err := fn(*n.New)
		if err != nil {
			return out, err
		}
		out.New = &v
	}
	return out, nil
}

// Batch terminates ns with a BatchEnd carrying the last sequence in ns.
func Batch[T any](ns ...Notification[T]) []Notification[T] {
	var seq int64
	if len(ns) > 0 {
		seq = ns[len(ns)-1].Seq
	}
	return append(ns, BatchEnd[T](seq))
}
