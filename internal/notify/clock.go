package notify

import "sync/atomic"

// Sequencer hands out notification sequences.
type Sequencer interface {
	Next() int64
	Current() int64
}

// Clock is a monotonic logical clock for write ordering.
//
// Every published write is stamped with a strictly increasing seq from the
// clock, so subscribers and the change log agree on one order without
// relying on wall time.
//
// Clock is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

var _ Sequencer = (*Clock)(nil)

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used to resume after the last sequence of a change log.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
