package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastsBatches(t *testing.T) {
	h := NewHub[int]()
	id1, a := h.Subscribe("Order")
	id2, b := h.Subscribe("Order")
	_, other := h.Subscribe("Customer")
	defer other.Close()

	assert.NotEqual(t, id1, id2)
	assert.Equal(t, 2, h.Subscribers("Order"))

	h.Publish("Order", []Notification[int]{Create(1, 1), Create(2, 2)})
	h.Publish("Order", Batch(Delete(1, 3)))

	for _, s := range []*Stream[Notification[int]]{a, b} {
		assert.Equal(t, Create(1, 1), next(t, s))
		assert.Equal(t, Create(2, 2), next(t, s))
		assert.True(t, next(t, s).IsBatchEnd())
		assert.Equal(t, Delete(1, 3), next(t, s))
		end := next(t, s)
		assert.True(t, end.IsBatchEnd())
		assert.Equal(t, int64(3), end.Seq)
	}
	assert.Zero(t, other.Pending())

	a.Close()
	assert.Equal(t, 1, h.Subscribers("Order"))
	b.Close()
	assert.Equal(t, 0, h.Subscribers("Order"))
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	h := NewHub[int]()
	h.Publish("Order", []Notification[int]{Create(1, 1)})
	h.Publish("Order", nil)
	assert.Equal(t, 0, h.Subscribers("Order"))
}

func TestHub_CloseFinishesSubscriptions(t *testing.T) {
	h := NewHub[int]()
	_, s := h.Subscribe("Order")
	h.Publish("Order", []Notification[int]{Create(1, 1)})

	closed := errors.New("hub closed")
	h.Close(closed)

	got := drain(t, s)
	require.Len(t, got, 2)
	assert.ErrorIs(t, s.Err(), closed)

	_, late := h.Subscribe("Order")
	assert.Empty(t, drain(t, late))
}

func TestNotificationKinds(t *testing.T) {
	tests := []struct {
		name                         string
		n                            Notification[int]
		create, modify, delete, ends bool
	}{
		{"create", Create(1, 1), true, false, false, false},
		{"modify", Modify(1, 2, 1), false, true, false, false},
		{"delete", Delete(1, 1), false, false, true, false},
		{"batch end", BatchEnd[int](1), false, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.create, tt.n.IsCreate())
			assert.Equal(t, tt.modify, tt.n.IsModify())
			assert.Equal(t, tt.delete, tt.n.IsDelete())
			assert.Equal(t, tt.ends, tt.n.IsBatchEnd())
		})
	}
}

func TestFilter(t *testing.T) {
	over5 := func(v int) (bool, error) { return v > 5, nil }
	tests := []struct {
		name string
		in   Notification[int]
		want Notification[int]
		ok   bool
	}{
		{"create matching", Create(7, 1), Create(7, 1), true},
		{"create not matching", Create(3, 1), Notification[int]{}, false},
		{"modify staying in", Modify(7, 9, 2), Modify(7, 9, 2), true},
		{"modify leaving", Modify(7, 3, 2), Delete(7, 2), true},
		{"modify entering", Modify(3, 7, 2), Create(7, 2), true},
		{"modify staying out", Modify(1, 3, 2), Notification[int]{}, false},
		{"delete matching", Delete(9, 3), Delete(9, 3), true},
		{"batch end", BatchEnd[int](4), BatchEnd[int](4), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := Filter(tt.in, over5)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
