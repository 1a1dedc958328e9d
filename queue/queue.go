// Package queue implements the queues the pipeline schedules work
// through: PriorityQueue, which backs the Ingester's unique-queue of
// IngestTasks, and the plain FIFO in fifo.go.
//
// Grounded on control_plane/scheduler/queue.go's container/heap
// ThreadSafeQueue, with one deliberate deviation: the teacher's Less()
// ages a task's effective priority down over time to fight starvation.
// spec.md §8 requires "unique-queue pops are non-decreasing in
// priority" as a testable invariant, which an aging term would violate
// (a low-priority task that has waited long enough would jump ahead of
// a freshly admitted critical one). The aging term is dropped; ties
// break on submit time (FIFO within a priority), not on a synthetic
// deadline.
//
// Priority is numeric urgency, highest first: config.Default()'s
// PriorityNames assigns "critical" the largest value and "low" the
// smallest, with 1 reserved below every named tier as the admission
// layer's shedding-floor sentinel (spec.md §4.1's aged-task demotion
// converges toward it, never a fresh submission).
package queue

import (
	"container/heap"
	"sync"
	"time"
)

// Item is one queued unit of work. In the pipeline T is
// *model.IngestTask; the queue only needs the priority and ordering key.
type Item[T any] struct {
	Value     T
	Priority  int // higher value pops first; config.Default().PriorityNames assigns the numbers
	Seq       int64
	EnqueuedAt time.Time
}

type heapSlice[T any] []*Item[T]

func (h heapSlice[T]) Len() int { return len(h) }

func (h heapSlice[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Seq < h[j].Seq
}

func (h heapSlice[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice[T]) Push(x interface{}) {
	*h = append(*h, x.(*Item[T]))
}

func (h *heapSlice[T]) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PriorityQueue is a thread-safe, strictly-ordered priority queue.
type PriorityQueue[T any] struct {
	mu   sync.Mutex
	h    heapSlice[T]
	next int64
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{h: make(heapSlice[T], 0)}
}

// Push enqueues value at the given priority. Items pushed earlier at
// the same priority pop first.
func (q *PriorityQueue[T]) Push(value T, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	heap.Push(&q.h, &Item[T]{Value: value, Priority: priority, Seq: q.next, EnqueuedAt: time.Now()})
}

// Pop removes and returns the highest-priority item. ok is false if the
// queue is empty.
func (q *PriorityQueue[T]) Pop() (value T, priority int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return value, 0, false
	}
	item := heap.Pop(&q.h).(*Item[T])
	return item.Value, item.Priority, true
}

// Peek returns the highest-priority item without removing it.
func (q *PriorityQueue[T]) Peek() (value T, priority int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return value, 0, false
	}
	return q.h[0].Value, q.h[0].Priority, true
}

func (q *PriorityQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// OldestAge returns the age of the longest-waiting queued item, used to
// feed the triage_queue_oldest_task_age_seconds gauge. Returns 0 if
// empty.
func (q *PriorityQueue[T]) OldestAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		return 0
	}
	oldest := q.h[0].EnqueuedAt
	for _, it := range q.h[1:] {
		if it.EnqueuedAt.Before(oldest) {
			oldest = it.EnqueuedAt
		}
	}
	return now.Sub(oldest)
}

// CountInRange returns the number of currently queued items whose
// priority falls within [low, high], inclusive — used by the admission
// shedding check to measure "queued_in_band".
func (q *PriorityQueue[T]) CountInRange(low, high int) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.h {
		if it.Priority >= low && it.Priority <= high {
			n++
		}
	}
	return n
}

// PushDelayed enqueues value after delay elapses, non-blocking —
// mirrors ThreadSafeQueue.PushDelayed, used for the retry_delay path.
func (q *PriorityQueue[T]) PushDelayed(value T, priority int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.Push(value, priority)
	})
}
