package queue

import "context"

// FIFO is a bounded, blocking first-in-first-out queue — used for the
// dispatch-file and submission-completion queues, which are plain FIFOs
// (only the unique queue is priority-ordered). Grounded on the same suspension-point
// model spec.md §5 calls for priority-queue pops: "Queue pops (blocking
// with timeout)... all other operations are CPU-only".
type FIFO[T any] struct {
	ch chan T
}

// NewFIFO creates a FIFO with the given channel capacity.
func NewFIFO[T any](capacity int) *FIFO[T] {
	return &FIFO[T]{ch: make(chan T, capacity)}
}

// Push enqueues value, blocking if the queue is full until ctx is
// cancelled.
func (f *FIFO[T]) Push(ctx context.Context, value T) error {
	select {
	case f.ch <- value:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks until a value is available or ctx is cancelled.
func (f *FIFO[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-f.ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (f *FIFO[T]) Len() int { return len(f.ch) }
