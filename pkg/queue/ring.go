// Package queue provides the bounded dispatch queue that sits between a
// producer that must never block and a consumer that may.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Push after Close, and by Pop once a closed queue
// has been drained.
var ErrClosed = errors.New("queue closed")

// Ring is a bounded FIFO with a drop-oldest overflow policy.
//
// Push never blocks: when the ring is full the oldest element is evicted and
// handed back to the caller. Pop blocks until an element is available, the
// context is done, or the ring is closed and empty.
type Ring[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	size    int
	closed  bool
	dropped uint64

	ready  chan struct{}
	closeC chan struct{}
}

// NewRing creates a ring holding at most capacity elements. A capacity below
// one is raised to one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		ready:  make(chan struct{}, 1),
		closeC: make(chan struct{}),
	}
}

// Push appends v. If the ring was full, the oldest element is removed to make
// room and returned with evicted set to true.
func (r *Ring[T]) Push(v T) (old T, evicted bool, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return old, false, ErrClosed
	}

	if r.size == len(r.buf) {
		old = r.buf[r.head]
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped++
		evicted = true
	}

	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
	r.mu.Unlock()

	r.signal()
	return old, evicted, nil
}

// Pop removes and returns the oldest element, blocking until one is
// available.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		r.mu.Lock()
		if r.size > 0 {
			v := r.take()
			more := r.size > 0
			r.mu.Unlock()
			if more {
				r.signal()
			}
			return v, nil
		}
		closed := r.closed
		r.mu.Unlock()

		var zero T
		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.ready:
		case <-r.closeC:
		}
	}
}

// Drain removes and returns every queued element, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	for r.size > 0 {
		out = append(out, r.take())
	}
	return out
}

// Close stops the ring accepting elements and wakes blocked consumers.
// Elements already queued can still be popped.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.closeC)
}

// Len returns the number of queued elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Dropped returns how many elements have been evicted since creation.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// take pops the head element; r.mu must be held and r.size > 0.
func (r *Ring[T]) take() T {
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v
}

func (r *Ring[T]) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}
