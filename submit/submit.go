// Package submit implements the Submitter (spec.md §4.2): consumes the
// unique priority queue in strict priority order, creates the
// persisted SubmissionRecord (idempotency-guarded against at-least-
// once redelivery from the Ingester), enqueues the root FileTask, and
// installs a Watcher timeout at now+max_time.
//
// Grounded on control_plane/scheduler.worker's ticker-driven consume
// loop (freeze window, fixed-interval poll, per-iteration queue-depth
// metric update), retargeted from a single best-effort task queue to
// the priority-ordered unique queue plus idempotency guarding.
package submit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/idempotency"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/observability"
	"github.com/ridgeline/triagecore/queue"
	"github.com/ridgeline/triagecore/timeline"
)

// FileDispatchQueue is the narrow surface the Submitter needs from the
// file-dispatch queue (dispatch-file in spec.md §6 — a plain FIFO, not
// a priority queue; only the unique queue is priority-ordered). Its
// signature matches dispatch.FileQueue exactly so one concrete queue
// type can satisfy both packages.
type FileDispatchQueue interface {
	Push(ctx context.Context, task *model.FileTask) error
}

// Watcher is the narrow surface the Submitter needs to arm the
// submission's max_time timeout.
type Watcher interface {
	Touch(ctx context.Context, key, queue string, message []byte, timeout time.Duration) error
}

// Submitter is the spec.md §4.2 component.
type Submitter struct {
	cfg        *config.Config
	store      kvstore.Store
	idempotent *idempotency.Store
	fileQueue  FileDispatchQueue
	watcher    Watcher
	timeline   *timeline.Store

	pollInterval time.Duration
}

func New(cfg *config.Config, store kvstore.Store, idem *idempotency.Store, fileQueue FileDispatchQueue, watcher Watcher, tl *timeline.Store) *Submitter {
	return &Submitter{
		cfg:          cfg,
		store:        store,
		idempotent:   idem,
		fileQueue:    fileQueue,
		watcher:      watcher,
		timeline:     tl,
		pollInterval: 100 * time.Millisecond,
	}
}

// Run drains src in strict priority order until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context, src *queue.PriorityQueue[*model.IngestTask]) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, priority, ok := src.Pop()
			if !ok {
				continue
			}
			observability.QueueDepth.WithLabelValues(fmt.Sprint(priority)).Set(float64(src.Len()))
			if err := s.Submit(ctx, task); err != nil {
				log.Printf("[submit] failed to submit task (scan_key=%s): %v", task.ScanKey, err)
			}
		}
	}
}

// Submit creates a SubmissionRecord for task (or returns the existing
// one on a duplicate redelivery), enqueues the root FileTask, and arms
// the submission's timeout.
func (s *Submitter) Submit(ctx context.Context, task *model.IngestTask) error {
	root, ok := task.Request.RootFile()
	if !ok {
		return fmt.Errorf("submit: task has no root file")
	}

	idemKey := "submit:" + task.ScanKey
	sid := newSid(task.ScanKey)
	won := s.idempotent.Acquire(ctx, idemKey, idempotency.Record{Sid: sid, CreatedAt: time.Now()})
	if !won {
		existing, _ := s.idempotent.Get(ctx, idemKey)
		log.Printf("[submit] duplicate delivery for scan_key=%s folded onto existing sid=%s", task.ScanKey, existing.Sid)
		return nil
	}

	rec := &model.SubmissionRecord{
		Sid:                   sid,
		ScanKey:               task.ScanKey,
		RootSha256:            root.Sha256,
		Params:                task.Request.Params,
		Metadata:              task.Request.Metadata,
		Files:                 task.Request.Files,
		State:                 model.SubmissionSubmitted,
		NotificationQueue:     task.Request.NotificationQueue,
		NotificationThreshold: task.Request.NotificationThreshold,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}

	if err := s.store.PutSubmission(ctx, rec); err != nil {
		return fmt.Errorf("submit: persisting submission record: %w", err)
	}

	fileTask := &model.FileTask{Sid: sid, FileHash: root.Sha256, FileType: classify(root.Name), Depth: 0}
	if err := s.fileQueue.Push(ctx, fileTask); err != nil {
		log.Printf("[submit] failed to enqueue root file task for sid=%s: %v", sid, err)
	}

	if err := s.watcher.Touch(ctx, watchKey(sid), "submission", []byte(sid), s.cfg.MaxTime); err != nil {
		log.Printf("[submit] failed to arm max_time watch for sid=%s: %v", sid, err)
	}

	s.timeline.Record(timeline.Event{Sid: sid, FileHash: root.Sha256, Stage: timeline.StageQueued})
	return nil
}

func watchKey(sid string) string { return "submission:" + sid }

// newSid derives a submission id deterministically from the task's
// ScanKey and current time so the same (scan_key, attempt) pairing
// never collides across nodes without needing a central counter.
func newSid(scanKey string) string {
	prefix := scanKey
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return fmt.Sprintf("sid-%s-%d", prefix, time.Now().UnixNano())
}

// classify derives a coarse file type from the display name; the real
// schedule builder should replace this with content sniffing, but the
// core only needs a stable string key to hand to capabilities.ScheduleBuilder.
func classify(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return "unknown"
}
