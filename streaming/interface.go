// Package streaming is the best-effort audit event bus every stage of
// the pipeline publishes decisions to. Grounded on
// control_plane/streaming/interface.go + logger.go, kept near-verbatim:
// it was already a thin, generic, log-backed interface with nothing
// domain-specific to rewrite beyond the Event shape's Source field.
package streaming

import (
	"context"
	"time"
)

// Event is one published pipeline decision.
type Event struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // ingest, dispatch, subdispatch, watcher
}

// Publisher is a best-effort fire-and-forget event sink; a failed
// publish must never block or fail the pipeline operation that
// triggered it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}
