// Package incident gathers everything known about a submission at the
// moment it times out or is force-failed, for operator debugging.
// Grounded on control_plane/incident/capture.go verbatim shape,
// retargeted from (DesiredState, Agent, Jobs) to (SubmissionRecord,
// DispatchTable snapshot, timeline events).
package incident

import (
	"context"
	"time"

	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/timeline"
)

// Report is a captured failure context for a submission.
type Report struct {
	Sid        string               `json:"sid"`
	Submission *model.SubmissionRecord `json:"submission"`
	Entries    map[string]map[string]*model.DispatchEntry `json:"entries"` // file_hash -> service -> entry
	Events     []timeline.Event     `json:"events"`
	CapturedAt time.Time            `json:"captured_at"`
	Analysis   string               `json:"analysis,omitempty"`
}

// SubmissionSource supplies the SubmissionRecord + current dispatch
// snapshot needed to build a Report.
type SubmissionSource interface {
	GetSubmission(ctx context.Context, sid string) (*model.SubmissionRecord, bool, error)
	SnapshotDispatchTable(ctx context.Context, sid string) (map[string]map[string]*model.DispatchEntry, error)
}

// TimelineSource supplies the recorded stage transitions for a sid.
type TimelineSource interface {
	GetEvents(sid string) []timeline.Event
}

// Capture gathers the full failure context for sid.
func Capture(ctx context.Context, src SubmissionSource, tl TimelineSource, sid string) (*Report, error) {
	rec, found, err := src.GetSubmission(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	entries, err := src.SnapshotDispatchTable(ctx, sid)
	if err != nil {
		return nil, err
	}

	events := tl.GetEvents(sid)

	return &Report{
		Sid:        sid,
		Submission: rec,
		Entries:    entries,
		Events:     events,
		CapturedAt: time.Now(),
		Analysis:   analyze(rec, entries),
	}, nil
}

// analyze produces a one-line human-readable summary of what was still
// outstanding when the incident was captured.
func analyze(rec *model.SubmissionRecord, entries map[string]map[string]*model.DispatchEntry) string {
	pending := 0
	dispatched := 0
	for _, services := range entries {
		for _, e := range services {
			switch e.Status {
			case model.StatusPending:
				pending++
			case model.StatusDispatched:
				dispatched++
			}
		}
	}
	if pending == 0 && dispatched == 0 {
		return "all (file, service) cells finished; incident likely reflects notification or completion-path failure"
	}
	return "submission had outstanding work at capture time"
}
