package notify

// Filter converts the change of one source value into the change of a
// result set selected by match:
//
//	old matched, new matched   -> modify
//	old matched, new unmatched -> delete old
//	old unmatched, new matched -> create new
//	neither                    -> dropped (ok is false)
//
// Batch ends pass through.
func Filter[T any](n Notification[T], match func(T) (bool, error)) (out Notification[T], ok bool, err error) {
	if n.IsBatchEnd() {
		return n, true, nil
	}
	var oldIn, newIn bool
	if n.Old != nil {
		if oldIn, err = match(*n.Old); err != nil {
			return out, false, err
		}
	}
	if n.New != nil {
		if newIn, err = match(*n.New); err != nil {
			return out, false, err
		}
	}
	out.Seq = n.Seq
	if oldIn {
		out.Old = n.Old
	}
	if newIn {
		out.New = n.New
	}
	return out, oldIn || newIn, nil
}

// FilterBatch applies Filter to every notification of batch, keeping the
// batch end.
func FilterBatch[T any](batch []Notification[T], match func(T) (bool, error)) ([]Notification[T], error) {
	out := make([]Notification[T], 0, len(batch))
	for _, n := range batch {
		f, ok, err := Filter(n, match)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, f)
		}
	}
	return out, nil
}
