package testutil

import (
	"sync"

	"github.com/roach88/quarry/internal/notify"
)

// StepClock is a notify.Sequencer for reproducible runs. It starts at 0,
// can be reset between runs, and remembers the sequences handed out since
// the last Mark, so a runner can attribute them to the step that caused
// them.
//
// StepClock is safe for concurrent use.
type StepClock struct {
	mu      sync.Mutex
	seq     int64
	pending []int64
}

var _ notify.Sequencer = (*StepClock)(nil)

// NewStepClock returns a clock whose first Next returns 1.
func NewStepClock() *StepClock {
	return &StepClock{}
}

func (c *StepClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.pending = append(c.pending, c.seq)
	return c.seq
}

func (c *StepClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Mark returns the sequences handed out since the previous Mark, in
// ascending order, and starts a new step.
func (c *StepClock) Mark() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// Reset rewinds the clock to 0 and forgets pending sequences.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
	c.pending = nil
}
