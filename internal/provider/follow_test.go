package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/notify"
	"github.com/roach88/quarry/internal/store"
	"github.com/roach88/quarry/internal/testutil"
)

// pollWatcher tails a change log by polling it.
type pollWatcher struct {
	log store.ChangeLog
}

func (w pollWatcher) Watch(ctx context.Context, after int64, fn func(store.Change) error) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		changes, err := w.log.Since(ctx, after, 0)
		if err != nil {
			return err
		}
		for _, c := range changes {
			if err := fn(c); err != nil {
				return err
			}
			after = c.Seq
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

func owned(e *Engine) int {
	n := 0
	e.own.Range(func(any, any) bool { n++; return true })
	return n
}

func TestFollow_PublishesForeignChanges(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	stop := e.Follow(pollWatcher{log: st}, 0)

	_, sub := e.Hub().Subscribe(testutil.Order.Name)
	defer sub.Close()

	_, err := e.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), put(order(1, "NEW", 10)))
	require.NoError(t, err)

	other, err := New(ctx, st, e.Registry(), WithClock(notify.NewClockAt(100)))
	require.NoError(t, err)
	_, err = other.InsertOrUpdate(ctx, testutil.Order, ir.Int(2), put(order(2, "NEW", 20)))
	require.NoError(t, err)

	tests := []struct {
		name   string
		seq    int64
		create bool
	}{
		{"own write", 1, true},
		{"own batch end", 1, false},
		{"foreign write", 101, true},
		{"foreign batch end", 101, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := recv(t, sub)
			assert.Equal(t, tt.seq, n.Seq)
			assert.Equal(t, tt.create, n.IsCreate())
			assert.Equal(t, !tt.create, n.IsBatchEnd())
		})
	}

	assert.Eventually(t, func() bool { return owned(e) == 0 }, 2*time.Second, 5*time.Millisecond,
		"own sequences are forgotten once the log reports them")
	select {
	case n := <-sub.C():
		t.Fatalf("unexpected notification at seq %d", n.Seq)
	case <-time.After(50 * time.Millisecond):
	}
	assert.NoError(t, stop())
}

func TestFollow_StopsWithEngine(t *testing.T) {
	e, st := newEngine(t)
	stop := e.Follow(pollWatcher{log: st}, 0)

	require.NoError(t, e.Close())
	assert.NoError(t, stop(), "a closed engine ends the watch quietly")
}

func TestFollow_TracksOwnSequences(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	_, err := e.InsertOrUpdate(ctx, testutil.Order, ir.Int(1), put(order(1, "NEW", 10)))
	require.NoError(t, err)
	assert.Zero(t, owned(e), "nothing is tracked before Follow")

	e.following.Store(true)
	first, last := e.reserve(3)
	assert.Equal(t, 3, owned(e))

	// An uncommitted write is never reported back.
	e.disown(first, last)
	e.out.put(first, last, nil)
	assert.Zero(t, owned(e))
}
