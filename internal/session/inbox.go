package session

import (
	"sync"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/wire"
)

// inbound is a message read from a peer's link, or the error that ended
// that link.
type inbound struct {
	from ir.PlayerID
	msg  wire.Message
	err  error
}

// inbox is a thread-safe FIFO of inbound messages.
//
// Link readers enqueue from their own goroutines while the Run loop
// dequeues. The queue is unbounded so that a slow tick never blocks a
// reader and reorders nothing.
//
// The signal channel has a buffer of one, so any number of enqueues
// between two waits wake the loop once.
type inbox struct {
	mu     sync.Mutex
	items  []inbound
	closed bool
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{
		items:  make([]inbound, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the inbox is closed.
func (q *inbox) Enqueue(in inbound) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, in)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes the front item without blocking.
func (q *inbox) TryDequeue() (inbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return inbound{}, false
	}

	in := q.items[0]
	// Release the payload bytes held by the backing array.
	q.items[0] = inbound{}

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return in, true
}

// Wait returns a channel that signals when items may be available.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes any waiter.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
