// Package mpsc provides an unbounded multi-producer/single-consumer queue.
//
// Producers (audio capture, network callbacks, timers) push from any goroutine;
// a single consumer drains the queue on its own serialized goroutine.
package mpsc

import (
	"sync"

	"github.com/gammazero/deque"
)

// Queue is a FIFO safe for concurrent Push from many goroutines.
// Drain and TryPop are intended for a single consumer.
type Queue[T any] struct {
	mu    sync.Mutex
	items *deque.Deque[T]
	wake  chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{items: deque.New[T]()}
}

// NewWithWake creates an empty queue that signals wake (non-blocking) on every Push.
// Several queues may share one wake channel so a consumer can sleep on all of them.
func NewWithWake[T any](wake chan struct{}) *Queue[T] {
	return &Queue[T]{items: deque.New[T](), wake: wake}
}

// Push appends an item to the back of the queue.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	q.items.PushBack(item)
	q.mu.Unlock()

	if q.wake != nil {
		select {
		case q.wake <- struct{}{}:
		default:
			// wake-up already pending
		}
	}
}

// TryPop removes and returns the front item.
// The boolean is false if the queue was empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}
	return q.items.PopFront(), true
}

// Drain removes every queued item and returns them in arrival order.
// Items pushed while the caller processes the batch stay queued for the next Drain.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.items.Len()
	if n == 0 {
		return nil
	}
	out := make([]T, 0, n)
	for q.items.Len() > 0 {
		out = append(out, q.items.PopFront())
	}
	return out
}

// Clear discards all queued items.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	q.items.Clear()
	q.mu.Unlock()
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
