package mailbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/hrmon/internal/groutine"
)

// Mailbox is an unbounded FIFO hand-off between producers and one consumer.
//
// Put never blocks and never discards: items queue in memory until a single pump
// goroutine moves them, in order, onto the channel returned by C().
//
// # Example
//
//	mb := mailbox.New[int]("events")
//
//	// Writer: never blocks.
//	for i := 0; i < 10; i++ {
//	    mb.Put(i)
//	}
//	mb.Close()
//
//	// Reader: acts like a normal Go channel, closed after the last item.
//	for v := range mb.C() {
//	    fmt.Println("got:", v)
//	}
//
// All ten values are printed. Close stops intake; queued items are still delivered.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
	out    chan T

	metrics Metrics
}

// New creates a Mailbox and starts its pump goroutine, labelled with name.
func New[T any](name string) *Mailbox[T] {
	mb := &Mailbox[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	groutine.Go(context.Background(), "mailbox-"+name, func(ctx context.Context) {
		mb.pump()
	})
	return mb
}

// C returns the receive side. It is closed once the mailbox is closed and drained.
func (mb *Mailbox[T]) C() <-chan T {
	return mb.out
}

// Put enqueues v. It reports false when the mailbox is already closed.
func (mb *Mailbox[T]) Put(v T) bool {
	mb.mu.Lock()
	if mb.closed {
		mb.mu.Unlock()
		mb.metrics.Rejected.Add(1)
		return false
	}
	mb.queue = append(mb.queue, v)
	mb.mu.Unlock()

	mb.metrics.Enqueued.Add(1)
	mb.signal()
	return true
}

// Close stops intake. Items already queued are still delivered. Safe to call repeatedly.
func (mb *Mailbox[T]) Close() {
	mb.mu.Lock()
	mb.closed = true
	mb.mu.Unlock()
	mb.signal()
}

// Len returns the number of items waiting for the consumer.
func (mb *Mailbox[T]) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.queue)
}

// GetMetrics returns a snapshot of the counters.
func (mb *Mailbox[T]) GetMetrics() Snapshot {
	return Snapshot{
		Enqueued:  mb.metrics.Enqueued.Load(),
		Delivered: mb.metrics.Delivered.Load(),
		Rejected:  mb.metrics.Rejected.Load(),
	}
}

func (mb *Mailbox[T]) signal() {
	select {
	case mb.wake <- struct{}{}:
	default:
	}
}

func (mb *Mailbox[T]) pump() {
	defer close(mb.out)

	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			closed := mb.closed
			mb.mu.Unlock()
			if closed {
				return
			}
			<-mb.wake
			continue
		}
		v := mb.queue[0]
		var zero T
		mb.queue[0] = zero
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		mb.out <- v
		mb.metrics.Delivered.Add(1)
	}
}

// Metrics holds lock-free counters for a Mailbox.
type Metrics struct {
	Enqueued  atomic.Int64
	Delivered atomic.Int64
	Rejected  atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics.
type Snapshot struct {
	Enqueued  int64
	Delivered int64
	Rejected  int64
}
