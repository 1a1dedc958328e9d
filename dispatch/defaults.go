package dispatch

import (
	"context"
	"log"

	"github.com/ridgeline/triagecore/model"
)

// LoggingServiceSink is the default ServiceSink: the analyzer fleet
// itself lives outside this repo (spec.md §1's Non-goal: "does not
// implement the analyzer services"), so standalone/dev wiring just logs
// the handoff instead of actually dispatching to one.
type LoggingServiceSink struct{}

func (LoggingServiceSink) Dispatch(_ context.Context, task *model.ServiceTask) error {
	log.Printf("[dispatch] (stub) would dispatch file=%s to service=%s (sid=%s)", task.FileHash, task.ServiceName, task.Sid)
	return nil
}
