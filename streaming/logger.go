package streaming

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
)

// LogPublisher is the default Publisher: every event is structured-JSON
// logged rather than sent to a broker, matching the teacher's own
// logger.go fallback (it never wires a real message bus either).
type LogPublisher struct {
	logger *log.Logger
	source string
}

func NewLogPublisher(source string) *LogPublisher {
	return &LogPublisher{logger: log.Default(), source: source}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Source:    p.source,
		Timestamp: time.Now(),
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.logger.Printf("[STREAMING] publish %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Println("[STREAMING] closed")
	return nil
}
