// Package subdispatch implements the SubmissionDispatcher (spec.md
// §4.4): consumes the submission-completion queue, scores the finished
// submission, notifies the Ingester (which writes the FileScoreEntry) so
// any folded duplicates and the original caller get their result, emits a
// critical-threshold alert when requested, and probabilistically
// resubmits hot files to the configured resubmit targets.
//
// Grounded on control_plane/scheduler/worker's ticker-driven consume
// loop (reused via dispatch's same shape) and
// control_plane/resilience/degraded_mode.go's score-bucketed behavior
// for how a completion outcome fans out to multiple downstream effects
// from one consumed message.
package subdispatch

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ridgeline/triagecore/capabilities"
	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/observability"
	"github.com/ridgeline/triagecore/ratelimit"
	"github.com/ridgeline/triagecore/streaming"
	"github.com/ridgeline/triagecore/timeline"
)

// CompletionNotifier is the narrow surface SubmissionDispatcher needs
// from the Ingester: tell it a ScanKey's submission is finished so it
// can notify the caller and drain any folded duplicates.
type CompletionNotifier interface {
	HandleCompletion(ctx context.Context, msg model.CompleteMessage) error
}

// Resubmitter re-enters a resolved IngestTask into the Ingester's
// unique priority queue. Its signature matches
// *queue.PriorityQueue[*model.IngestTask].Push exactly.
type Resubmitter interface {
	Push(task *model.IngestTask, priority int)
}

// SubmissionDispatcher is the spec.md §4.4 component.
type SubmissionDispatcher struct {
	cfg     *config.Config
	store   kvstore.Store
	scorer  capabilities.Scorer
	notify  CompletionNotifier
	resub   Resubmitter
	publish streaming.Publisher
	limiter *ratelimit.KeyedLimiter
	timeline *timeline.Store

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(
	cfg *config.Config,
	store kvstore.Store,
	scorer capabilities.Scorer,
	notify CompletionNotifier,
	resub Resubmitter,
	publish streaming.Publisher,
	tl *timeline.Store,
) *SubmissionDispatcher {
	return &SubmissionDispatcher{
		cfg:      cfg,
		store:    store,
		scorer:   scorer,
		notify:   notify,
		resub:    resub,
		publish:  publish,
		limiter:  ratelimit.NewKeyedLimiter(1.0/30.0, 1), // one resubmission per ScanKey per 30s at most
		timeline: tl,
		rng:      rand.New(rand.NewSource(1)),
	}
}

// Complete is the submission-completion queue consumer entry point.
// Called by QueueCompletionSink.Run for each sid that
// FileDispatcher.maybeComplete's Completed-flag-guarded transition pushed
// onto the queue; a sid whose record is already completed is ignored.
func (sd *SubmissionDispatcher) Complete(ctx context.Context, sid string) error {
	rec, found, err := sd.store.GetSubmission(ctx, sid)
	if err != nil {
		return err
	}
	if !found {
		log.Printf("[subdispatch] no submission record for sid=%s, dropping completion", sid)
		return nil
	}
	if rec.State == model.SubmissionCompleted {
		log.Printf("[subdispatch] sid=%s already completed, ignoring duplicate completion signal", sid)
		return nil
	}

	msg := model.CompleteMessage{
		ScanKey:    rec.ScanKey,
		Sid:        sid,
		RootSha256: rec.RootSha256,
		Metadata:   rec.Metadata,
	}
	if root, ok := rec.RootFile(); ok {
		msg.Size = root.Size
	}
	msg.Score = sd.scorer.Score(msg)

	rec.State = model.SubmissionCompleted
	rec.UpdatedAt = time.Now()
	if err := sd.store.PutSubmission(ctx, rec); err != nil {
		log.Printf("[subdispatch] failed to persist completed state for sid=%s: %v", sid, err)
	}

	observability.SubmissionDecisions.WithLabelValues("completed").Inc()
	observability.SubmissionDuration.Observe(time.Since(rec.CreatedAt).Seconds())
	sd.timeline.Record(timeline.Event{Sid: sid, Stage: timeline.StageCompleted, Metadata: map[string]string{"score": fmt.Sprintf("%.1f", msg.Score)}})

	if err := sd.notify.HandleCompletion(ctx, msg); err != nil {
		log.Printf("[subdispatch] ingest completion notify failed for sid=%s: %v", sid, err)
	}

	if rec.Params.GenerateAlert && msg.Score >= sd.cfg.CriticalThreshold {
		sd.emitAlert(ctx, rec, msg)
	}

	sd.maybeResubmit(ctx, rec, msg)
	sd.limiter.Forget(rec.ScanKey)

	return nil
}

func (sd *SubmissionDispatcher) emitAlert(ctx context.Context, rec *model.SubmissionRecord, msg model.CompleteMessage) {
	if err := sd.publish.Publish(ctx, "alerts", msg); err != nil {
		log.Printf("[subdispatch] failed to publish critical alert for sid=%s: %v", rec.Sid, err)
	}
}

// maybeResubmit implements spec.md §4.4's resubmission curve:
// probability = 1 / 10^((500-score)/100), clamped to [0,1], throttled
// per ScanKey so one very hot file can't flood its resubmit targets.
func (sd *SubmissionDispatcher) maybeResubmit(ctx context.Context, rec *model.SubmissionRecord, msg model.CompleteMessage) {
	if len(rec.Params.ResubmitTo) == 0 {
		return
	}
	p := resubmitProbability(msg.Score)
	if p <= 0 {
		return
	}
	if sd.roll() >= p {
		return
	}
	if !sd.limiter.Allow(rec.ScanKey) {
		return
	}

	root, ok := rec.RootFile()
	if !ok {
		return
	}

	// resubmit_to names additional services to run on the hot file, on
	// top of whatever it was already scanned with — the resubmitted
	// task's service selection is the union, not a relabeling of the
	// notification target.
	params := rec.Params
	params.Services = unionServices(rec.Params.Services, rec.Params.ResubmitTo)

	task := &model.IngestTask{
		Request: model.SubmissionRequest{
			Files:                 []model.SubmissionFile{root},
			Params:                params,
			Metadata:              rec.Metadata,
			NotificationQueue:     rec.NotificationQueue,
			NotificationThreshold: rec.NotificationThreshold,
		},
		IngestTime: time.Now(),
		PSID:       rec.Sid,
		Score:      msg.Score,
	}
	priority := sd.priorityForScore(msg.Score)
	sd.resub.Push(task, priority)
	observability.RetryCount.WithLabelValues("resubmitted").Inc()
}

// unionServices merges resubmit_to's additionally-requested services
// into the original selection, without duplicates.
func unionServices(original, additional []string) []string {
	seen := make(map[string]bool, len(original)+len(additional))
	out := make([]string, 0, len(original)+len(additional))
	for _, s := range original {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range additional {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (sd *SubmissionDispatcher) priorityForScore(score float64) int {
	name, ok := sd.cfg.PriorityForScore(score)
	if !ok {
		return sd.cfg.PriorityNames["medium"]
	}
	if p, ok := sd.cfg.PriorityNames[name]; ok {
		return p
	}
	return sd.cfg.PriorityNames["medium"]
}

func (sd *SubmissionDispatcher) roll() float64 {
	sd.rngMu.Lock()
	defer sd.rngMu.Unlock()
	return sd.rng.Float64()
}

// resubmitProbability clamps the score-driven resubmission curve to
// [0,1]; scores far below the threshold yield vanishingly small
// probabilities rather than negative ones.
func resubmitProbability(score float64) float64 {
	p := 1 / math.Pow(10, (500-score)/100)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
