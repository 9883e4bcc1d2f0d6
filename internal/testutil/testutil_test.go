package testutil

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepClock(t *testing.T) {
	clock := NewStepClock()
	assert.Equal(t, int64(0), clock.Current())

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Next())
	assert.Equal(t, []int64{1, 2}, clock.Mark())
	assert.Empty(t, clock.Mark())

	assert.Equal(t, int64(3), clock.Next())
	assert.Equal(t, int64(3), clock.Current())

	clock.Reset()
	assert.Equal(t, int64(0), clock.Current())
	assert.Empty(t, clock.Mark())
	assert.Equal(t, int64(1), clock.Next())
}

func TestStepClock_Concurrent(t *testing.T) {
	clock := NewStepClock()
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				clock.Next()
			}
		}()
	}
	wg.Wait()

	seqs := clock.Mark()
	require.Len(t, seqs, 1000)
	assert.Equal(t, int64(1000), clock.Current())
	assert.IsIncreasing(t, seqs)
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "run-7", NewFixedIDs("run-7").Generate())
	assert.Equal(t, "run-default", NewFixedIDs("").Generate())

	id, err := uuid.Parse(UUIDv7{}.Generate())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
}
