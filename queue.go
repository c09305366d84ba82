package kfr

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of changed paths.
// Any number of goroutines may Push;
// exactly one should Take.
// (Concurrent takers would each see only part of the stream.)
//
// A path pushed while it is already waiting in the queue is not added again:
// the consumer rereads the current state of a path when it takes it,
// so one pending entry per path suffices.
type Queue struct {
	mu      sync.Mutex
	items   []string
	pending map[string]struct{}
	wake    chan struct{} // closed and replaced when items are added
	closed  bool
}

// NewQueue produces a new, empty Queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(map[string]struct{}),
		wake:    make(chan struct{}),
	}
}

// Push adds path to the end of the queue
// unless it is already waiting.
// It reports whether path was added.
// Pushing to a closed queue does nothing.
func (q *Queue) Push(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.pending[path]; ok {
		return false
	}
	q.pending[path] = struct{}{}
	q.items = append(q.items, path)
	close(q.wake)
	q.wake = make(chan struct{})
	return true
}

// Take removes and returns the path at the head of the queue,
// waiting if necessary.
// It fails with ctx.Err() if the context is canceled first,
// or with ErrClosed once the queue is closed.
func (q *Queue) Take(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		if len(q.items) > 0 {
			path := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			delete(q.pending, path)
			q.mu.Unlock()
			return path, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

// Len is the number of paths waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases any waiting Take and discards the queue's contents.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.wake)
}
