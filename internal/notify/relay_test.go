package notify

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/roach88/quarry/internal/ir"
)

func openRelay(t *testing.T, url string, hub *Hub[ir.Object]) *Relay {
	t.Helper()
	ctx := context.Background()
	topic, err := pubsub.OpenTopic(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = topic.Shutdown(ctx) })
	sub, err := pubsub.OpenSubscription(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Shutdown(ctx) })
	return NewRelay(hub, topic, sub)
}

func TestRelay_CrossesProcesses(t *testing.T) {
	url := "mem://relay-" + uuid.NewString()
	local, remote := NewHub[ir.Object](), NewHub[ir.Object]()
	a := openRelay(t, url, local)
	b := openRelay(t, url, remote)
	assert.NotEqual(t, a.Origin(), b.Origin())

	_, sub := remote.Subscribe("Order")
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	rec := ir.Object{"id": ir.Int(1), "total": ir.Int(10), "version": ir.Int(1)}
	require.NoError(t, a.Publish(ctx, "Order", Batch(Create(rec, 4))))

	assert.Equal(t, Create(rec, 4), next(t, sub))
	end := next(t, sub)
	assert.True(t, end.IsBatchEnd())
	assert.Equal(t, int64(4), end.Seq)

	cancel()
	assert.NoError(t, <-done)
}

func TestRelay_Codec(t *testing.T) {
	old := ir.Object{"id": ir.Int(1), "tags": ir.Array{ir.String("a")}}
	cleared := ir.Object{"id": ir.Int(1), "tags": ir.Array{}}
	batch := Batch(Create(old, 1), Modify(old, cleared, 2), Delete(cleared, 3))

	body, err := encodeBatch("Order", batch)
	require.NoError(t, err)
	entity, got, err := decodeBatch(body)
	require.NoError(t, err)
	assert.Equal(t, "Order", entity)
	assert.Equal(t, batch, got)

	for name, body := range map[string]string{
		"not json":     "{",
		"not object":   "[]",
		"no entity":    `{"changes":[]}`,
		"no changes":   `{"entity":"Order"}`,
		"bad change":   `{"entity":"Order","changes":[1]}`,
		"empty change": `{"entity":"Order","changes":[{"seq":1,"old":null,"new":null}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := decodeBatch([]byte(body))
			assert.Error(t, err)
		})
	}
}
