package events

import (
	"sync"
	"time"
)

const defaultQueueDepth = 128

// Queue is the per-node event queue: producers publish lifecycle
// events, exactly one reconciliation goroutine consumes them in
// delivery order. Publishing never blocks the producer; when the
// buffer is full the event is dropped, which is safe because passes
// are level-triggered and the periodic tick will cover the gap.
type Queue struct {
	ch     chan Event
	stopCh chan struct{}
	once   sync.Once
}

// NewQueue creates a queue with the default depth.
func NewQueue() *Queue {
	return &Queue{
		ch:     make(chan Event, defaultQueueDepth),
		stopCh: make(chan struct{}),
	}
}

// Publish enqueues an event, stamping it if needed.
func (q *Queue) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case q.ch <- ev:
	case <-q.stopCh:
	default:
		// Buffer full: drop. The next tick re-derives state anyway.
	}
}

// Events returns the consumer channel.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Done is closed when the queue is stopped.
func (q *Queue) Done() <-chan struct{} {
	return q.stopCh
}

// Stop shuts the queue down.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
}
