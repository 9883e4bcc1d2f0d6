package notify

import "sync"

// Stream delivers values from one producer to one consumer through an
// unbounded queue. The producer calls Send and finally Finish; the consumer
// reads C until it is closed, then checks Err, or calls Close to stop early.
type Stream[E any] struct {
	q    *queue[E]
	out  chan E
	stop chan struct{}
	done chan struct{}

	closeOnce sync.Once
	cancel    func()

	mu       sync.Mutex
	finished bool
	err      error
}

// NewStream returns a running stream. cancel, when not nil, runs exactly
// once when the stream ends for any reason; it releases whatever feeds the
// stream.
func NewStream[E any](cancel func()) *Stream[E] {
	s := &Stream[E]{
		q:      newQueue[E](),
		out:    make(chan E),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go s.pump()
	return s
}

func (s *Stream[E]) pump() {
	defer func() {
		close(s.out)
		s.release()
		close(s.done)
	}()
	for {
		e, ok := s.q.TryDequeue()
		if !ok {
			if s.q.Drained() {
				return
			}
			select {
			case <-s.q.Wait():
			case <-s.stop:
				return
			}
			continue
		}
		select {
		case s.out <- e:
		case <-s.stop:
			return
		}
	}
}

func (s *Stream[E]) release() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// C returns the channel values are delivered on. It is closed after the
// last value, or when the consumer closes the stream.
func (s *Stream[E]) C() <-chan E { return s.out }

// Done is closed once the stream has fully stopped and its cancel hook has
// run.
func (s *Stream[E]) Done() <-chan struct{} { return s.done }

// Send queues e for delivery. It never blocks, and reports false once the
// stream is finished or closed.
func (s *Stream[E]) Send(e E) bool {
	select {
	case <-s.stop:
		return false
	default:
	}
	return s.q.Enqueue(e)
}

// Finish ends the stream after the values already sent. A non-nil err is
// reported by Err. Only the first call has an effect.
func (s *Stream[E]) Finish(err error) {
	s.mu.Lock()
	if !s.finished {
		s.finished = true
		s.err = err
	}
	s.mu.Unlock()
	s.q.Close()
}

// Close stops delivery, dropping values not yet received, and waits for
// the stream to stop. It is safe to call more than once, but not from the
// stream's own cancel hook.
func (s *Stream[E]) Close() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()
	s.q.Close()
	<-s.done
}

// Err returns the error the stream finished with.
func (s *Stream[E]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the number of values queued but not yet received.
func (s *Stream[E]) Pending() int { return s.q.Len() }
