package notify

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Hub broadcasts batches of notifications to the subscribers of a topic,
// usually an entity name.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[string]map[uuid.UUID]*Stream[Notification[T]]
	closed bool
}

// NewHub returns an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]map[uuid.UUID]*Stream[Notification[T]])}
}

// Subscribe returns a stream of every batch published to topic from now
// on. Closing the stream unsubscribes. On a closed hub the stream is
// already finished.
func (h *Hub[T]) Subscribe(topic string) (uuid.UUID, *Stream[Notification[T]]) {
	id := uuid.Must(uuid.NewV7())
	s := NewStream[Notification[T]](func() { h.unsubscribe(topic, id) })

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.Finish(nil)
		return id, s
	}
	subs, ok := h.subs[topic]
	if !ok {
		subs = make(map[uuid.UUID]*Stream[Notification[T]])
		h.subs[topic] = subs
	}
	subs[id] = s
	return id, s
}

func (h *Hub[T]) unsubscribe(topic string, id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[topic], id)
	if len(h.subs[topic]) == 0 {
		delete(h.subs, topic)
	}
}

// Publish delivers batch to every current subscriber of topic, followed by
// a BatchEnd unless batch already ends with one. It never blocks on
// subscribers.
func (h *Hub[T]) Publish(topic string, batch []Notification[T]) {
	if len(batch) == 0 {
		return
	}
	if !batch[len(batch)-1].IsBatchEnd() {
		batch = Batch(slices.Clip(batch)...)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[topic] {
		for _, n := range batch {
			s.Send(n)
		}
	}
}

// Subscribers returns the number of live subscriptions to topic.
func (h *Hub[T]) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic])
}

// Close finishes every subscription with err. Later subscriptions are
// finished immediately.
func (h *Hub[T]) Close(err error) {
	h.mu.Lock()
	var all []*Stream[Notification[T]]
	for _, subs := range h.subs {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	h.closed = true
	h.mu.Unlock()

	for _, s := range all {
		s.Finish(err)
	}
}
