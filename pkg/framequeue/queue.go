// Package framequeue implements a bounded FIFO that favours fresh data:
// pushing into a full queue evicts the oldest item instead of blocking.
package framequeue

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// Stats are cumulative counters for a queue.
type Stats struct {
	Pushed  uint64
	Popped  uint64
	Evicted uint64
}

// Queue is a bounded drop-oldest queue safe for one producer and one consumer
// (and for any number of either).
type Queue[T any] struct {
	mu       sync.Mutex
	items    deque.Deque[T]
	capacity int
	closed   bool
	notify   chan struct{}
	stats    Stats
	onEvict  func(T)
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithEvictHandler is called, outside the lock, for every item discarded to
// make room for a newer one.
func WithEvictHandler[T any](fn func(T)) Option[T] {
	return func(q *Queue[T]) {
		q.onEvict = fn
	}
}

// New creates a queue holding at most capacity items. Capacities below one
// are raised to one.
func New[T any](capacity int, opts ...Option[T]) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
	q.items.SetBaseCap(capacity)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push appends item. When the queue is full the oldest item is evicted and
// Push reports true. Push never blocks. Items pushed after Close are dropped.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	var (
		evicted    T
		hasEvicted bool
	)
	if q.items.Len() >= q.capacity {
		evicted = q.items.PopFront()
		hasEvicted = true
		q.stats.Evicted++
	}
	q.items.PushBack(item)
	q.stats.Pushed++
	q.signalLocked()
	q.mu.Unlock()

	if hasEvicted && q.onEvict != nil {
		q.onEvict(evicted)
	}
	return hasEvicted
}

// Pop removes the oldest item, waiting up to timeout for one to arrive.
// A non-positive timeout returns immediately. The boolean is false when the
// wait expired or the queue was closed and drained.
func (q *Queue[T]) Pop(timeout time.Duration) (T, bool) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			item := q.items.PopFront()
			q.stats.Popped++
			if q.items.Len() > 0 {
				q.signalLocked()
			}
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		var zero T
		if closed || timeout <= 0 {
			return zero, false
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}

		select {
		case <-q.notify:
		case <-timer.C:
			timer = nil
			return q.tryPop()
		}
	}
}

func (q *Queue[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if q.items.Len() == 0 {
		return zero, false
	}
	q.stats.Popped++
	return q.items.PopFront(), true
}

// signalLocked wakes one waiting Pop. Must hold q.mu.
func (q *Queue[T]) signalLocked() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close wakes any waiting Pop. Remaining items can still be drained.
// Calling Close more than once is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Stats returns a snapshot of the counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
