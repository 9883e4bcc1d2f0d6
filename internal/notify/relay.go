package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gocloud.dev/pubsub"

	"github.com/roach88/quarry/internal/ir"
)

const originKey = "origin"

// Relay carries batches of record changes between the hubs of several
// processes over a pubsub topic. Each process publishes its own batches
// and feeds the batches of the others into its hub.
type Relay struct {
	hub    *Hub[ir.Object]
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	origin string
}

// NewRelay returns a relay publishing to topic and reading sub, which must
// be subscribed to the same topic.
func NewRelay(hub *Hub[ir.Object], topic *pubsub.Topic, sub *pubsub.Subscription) *Relay {
	return &Relay{
		hub:    hub,
		topic:  topic,
		sub:    sub,
		origin: uuid.Must(uuid.NewV7()).String(),
	}
}

// Origin identifies this relay in published messages.
func (r *Relay) Origin() string { return r.origin }

// Publish sends batch, the changes of one write to entity.
func (r *Relay) Publish(ctx context.Context, entity string, batch []Notification[ir.Object]) error {
	body, err := encodeBatch(entity, batch)
	if err != nil {
		return fmt.Errorf("relay %s: %w", entity, err)
	}
	return r.topic.Send(ctx, &pubsub.Message{
		Body:     body,
		Metadata: map[string]string{originKey: r.origin},
	})
}

// Run feeds batches published by other relays into the hub until ctx is
// done or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	for {
		msg, err := r.sub.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay receive: %w", err)
		}
		// Every message is acknowledged: redelivery cannot fix a malformed one.
		msg.Ack()
		if msg.Metadata[originKey] == r.origin {
			continue
		}
		entity, batch, err := decodeBatch(msg.Body)
		if err != nil {
			slog.Warn("relay message dropped",
				"origin", msg.Metadata[originKey],
				"error", err,
			)
			continue
		}
		slog.Debug("relay batch received",
			"entity", entity,
			"changes", len(batch),
			"origin", msg.Metadata[originKey],
		)
		r.hub.Publish(entity, batch)
	}
}

func encodeBatch(entity string, batch []Notification[ir.Object]) ([]byte, error) {
	changes := make(ir.Array, 0, len(batch))
	for _, n := range batch {
		if n.IsBatchEnd() {
			continue
		}
		c := ir.Object{"seq": ir.Int(n.Seq), "old": ir.Null{}, "new": ir.Null{}}
		if n.Old != nil {
			c["old"] = *n.Old
		}
		if n.New != nil {
			c["new"] = *n.New
		}
		changes = append(changes, c)
	}
	return ir.MarshalCanonical(ir.Object{"entity": ir.String(entity), "changes": changes})
}

func decodeBatch(body []byte) (string, []Notification[ir.Object], error) {
	v, err := ir.ParseJSON(body)
	if err != nil {
		return "", nil, err
	}
	msg, ok := v.(ir.Object)
	if !ok {
		return "", nil, errors.New("message is not an object")
	}
	entity, ok := msg["entity"].(ir.String)
	if !ok || entity == "" {
		return "", nil, errors.New("message without entity")
	}
	changes, ok := msg["changes"].(ir.Array)
	if !ok {
		return "", nil, errors.New("message without changes")
	}
	batch := make([]Notification[ir.Object], 0, len(changes))
	for i, raw := range changes {
		c, ok := raw.(ir.Object)
		if !ok {
			return "", nil, fmt.Errorf("change %d is not an object", i)
		}
		var n Notification[ir.Object]
		if seq, ok := c["seq"].(ir.Int); ok {
			n.Seq = int64(seq)
		}
		if old, ok := c["old"].(ir.Object); ok {
			n.Old = &old
		}
		if next, ok := c["new"].(ir.Object); ok {
			n.New = &next
		}
		if n.IsBatchEnd() {
			return "", nil, fmt.Errorf("change %d has neither side", i)
		}
		batch = append(batch, n)
	}
	return string(entity), Batch(batch...), nil
}
