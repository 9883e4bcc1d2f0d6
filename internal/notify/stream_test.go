package notify

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain reads s until it is closed.
func drain[E any](t *testing.T, s *Stream[E]) []E {
	t.Helper()
	var out []E
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-s.C():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatalf("stream not finished; got %v", out)
		}
	}
}

// next reads one value from s.
func next[E any](t *testing.T, s *Stream[E]) E {
	t.Helper()
	select {
	case e, ok := <-s.C():
		require.True(t, ok, "stream closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no value delivered")
	}
	panic("unreachable")
}

func TestStream_DeliversInOrderThenFinishes(t *testing.T) {
	s := NewStream[int](nil)
	for i := 1; i <= 100; i++ {
		require.True(t, s.Send(i))
	}
	s.Finish(nil)

	got := drain(t, s)
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i+1, v)
	}
	assert.NoError(t, s.Err())
	assert.False(t, s.Send(101), "send after finish should fail")
}

func TestStream_FinishError(t *testing.T) {
	boom := errors.New("boom")
	s := NewStream[int](nil)
	s.Send(1)
	s.Finish(boom)
	s.Finish(errors.New("ignored"))

	assert.Equal(t, []int{1}, drain(t, s))
	assert.ErrorIs(t, s.Err(), boom)
}

func TestStream_CloseRunsCancelOnce(t *testing.T) {
	var calls atomic.Int32
	s := NewStream[int](func() { calls.Add(1) })
	s.Send(1)
	s.Send(2)

	assert.Equal(t, 1, next(t, s))
	s.Close()
	s.Close()
	s.Finish(nil)

	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, s.Send(3))
	_, ok := <-s.C()
	assert.False(t, ok, "channel closed after Close")
}

func TestStream_FinishRunsCancel(t *testing.T) {
	var calls atomic.Int32
	s := NewStream[int](func() { calls.Add(1) })
	s.Finish(nil)
	drain(t, s)
	<-s.Done()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStream_SendNeverBlocks(t *testing.T) {
	s := NewStream[int](nil)
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.Send(i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked without a reader")
	}
	assert.Positive(t, s.Pending())
}
