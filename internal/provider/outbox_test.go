package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/quarry/internal/ir"
	"github.com/roach88/quarry/internal/store"
)

func TestOutbox_DeliversInSequenceOrder(t *testing.T) {
	var got []int64
	o := newOutbox(1, func(cs []store.Change) {
		for _, c := range cs {
			got = append(got, c.Seq)
		}
	})
	change := func(seq int64) store.Change {
		return store.Change{Seq: seq, Entity: "Order", Key: ir.Int(seq), New: ir.Object{"id": ir.Int(seq)}}
	}

	o.put(4, 5, []store.Change{change(4), change(5)})
	o.put(2, 2, nil) // a unit that did not commit
	assert.Empty(t, got, "sequence 1 is still outstanding")

	o.put(3, 3, []store.Change{change(3)})
	assert.Empty(t, got)

	o.put(1, 1, []store.Change{change(1)})
	assert.Equal(t, []int64{1, 3, 4, 5}, got)

	o.put(6, 6, []store.Change{change(6)})
	assert.Equal(t, []int64{1, 3, 4, 5, 6}, got)
}
