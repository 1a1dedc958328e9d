package subdispatch

import (
	"context"
	"log"
)

// completionFIFO is the narrow surface QueueCompletionSink needs from
// the submission-completion queue backing it.
type completionFIFO interface {
	Push(ctx context.Context, sid string) error
	Pop(ctx context.Context) (string, error)
}

// QueueCompletionSink adapts a FIFO queue into dispatch.CompletionSink,
// and drives a ticker-free blocking consume loop that feeds completed
// sids into a SubmissionDispatcher — the submission-completion queue
// spec.md §6 lists as the hand-off point between FileDispatcher and
// SubmissionDispatcher.
type QueueCompletionSink struct {
	queue completionFIFO
}

func NewQueueCompletionSink(queue completionFIFO) *QueueCompletionSink {
	return &QueueCompletionSink{queue: queue}
}

// Complete satisfies dispatch.CompletionSink: push sid onto the queue
// rather than handling it inline, so FileDispatcher never blocks on
// SubmissionDispatcher's work.
func (s *QueueCompletionSink) Complete(ctx context.Context, sid string) error {
	return s.queue.Push(ctx, sid)
}

// Run blocks popping completed sids and handing them to sd.Complete
// until ctx is cancelled.
func (s *QueueCompletionSink) Run(ctx context.Context, sd *SubmissionDispatcher) {
	for {
		sid, err := s.queue.Pop(ctx)
		if err != nil {
			return // ctx cancelled
		}
		if err := sd.Complete(ctx, sid); err != nil {
			log.Printf("[subdispatch] completion handling failed for sid=%s: %v", sid, err)
		}
	}
}
