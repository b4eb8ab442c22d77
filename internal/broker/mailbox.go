package broker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Queue delivers envelopes to one handler in order, on its own goroutine. It
// is unbounded so the producer never waits on a slow handler.
type Queue struct {
	mu      sync.Mutex
	queue   []Envelope
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	handler Handler
	jitter  time.Duration
}

// NewQueue starts a Queue feeding handler. Each delivery is preceded by a
// random pause of up to jitter.
func NewQueue(handler Handler, jitter time.Duration) *Queue {
	q := &Queue{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		handler: handler,
		jitter:  jitter,
	}
	go q.run()
	return q
}

// Push appends envelopes. It is a no-op after Close.
func (q *Queue) Push(envs ...Envelope) {
	if len(envs) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, envs...)
	q.mu.Unlock()
	q.notify()
}

// Close stops accepting envelopes. Queued ones are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

// Done is closed once the queue is closed and empty.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Drain closes the queue and waits for it to empty.
func (q *Queue) Drain(ctx context.Context) error {
	q.Close()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		env := q.queue[0]
		q.queue[0] = Envelope{}
		q.queue = q.queue[1:]
		q.mu.Unlock()

		if q.jitter > 0 {
			time.Sleep(rand.N(q.jitter))
		}
		q.handler(env)
	}
}
