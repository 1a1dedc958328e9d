package ingest

import (
	"context"
	"log"
	"time"

	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/timeline"
)

// replayOnMissKey is the metadata flag spec.md §9's open question
// resolves to: the completion handler discards a miss against the
// scanning table unless the original submission explicitly opted into
// replay via this metadata key.
const replayOnMissKey = "replay_on_miss"

// HandleCompletion is the m-complete consumer entry point: the
// SubmissionDispatcher's signal that a submission finished.
func (ig *Ingester) HandleCompletion(ctx context.Context, msg model.CompleteMessage) error {
	ig.keyLocks.Lock(msg.ScanKey)
	defer ig.keyLocks.Unlock(msg.ScanKey)

	task, found, err := ig.store.GetScanning(ctx, msg.ScanKey)
	if err != nil {
		log.Printf("[ingest] completion: scanning table read error for %s: %v", msg.ScanKey, err)
	}
	if found {
		if err := ig.store.DeleteScanning(ctx, msg.ScanKey); err != nil {
			log.Printf("[ingest] completion: failed to clear scanning entry for %s: %v", msg.ScanKey, err)
		}
	} else {
		log.Printf("[ingest] completion: no scanning entry for scan key (sid=%s); discarding unless replay is requested", msg.Sid)
		task = &model.IngestTask{Request: model.SubmissionRequest{Metadata: msg.Metadata}, ScanKey: msg.ScanKey}
		if msg.Metadata[replayOnMissKey] != "true" {
			return nil
		}
	}

	errorCount := 0
	if task.FailureReason != "" {
		errorCount = 1
	}
	entry := &model.FileScoreEntry{
		ScanKey:    msg.ScanKey,
		Score:      msg.Score,
		Sid:        msg.Sid,
		PSid:       msg.PSid,
		ErrorCount: errorCount,
		Time:       time.Now(),
	}
	if err := ig.cache.Put(ctx, entry); err != nil {
		log.Printf("[ingest] completion: cache write error for %s: %v", msg.ScanKey, err)
	}

	if err := ig.finalize(ctx, msg.Sid, msg.PSid, msg.Score, task); err != nil {
		log.Printf("[ingest] completion: finalize error for primary task (sid=%s): %v", msg.Sid, err)
	}

	return ig.drainDuplicates(ctx, msg.ScanKey, msg.Sid, msg.PSid, msg.Score)
}

// drainDuplicates snapshots and clears the ScanKey's duplicate queue
// and finalizes each folded task from that snapshot; a task folded onto
// the ScanKey after the snapshot is not part of this drain.
func (ig *Ingester) drainDuplicates(ctx context.Context, scanKey, sid, psid string, score float64) error {
	dups, err := ig.store.DrainDuplicates(ctx, scanKey)
	if err != nil {
		return err
	}
	for _, dup := range dups {
		if err := ig.finalize(ctx, sid, psid, score, dup); err != nil {
			log.Printf("[ingest] completion: finalize error for folded duplicate (sid=%s): %v", sid, err)
		}
	}
	return nil
}

// finalize emits a notification for task now that its submission
// (sid, possibly folded via psid) has a result, gated by the
// submission's notification_threshold.
func (ig *Ingester) finalize(ctx context.Context, sid, psid string, score float64, task *model.IngestTask) error {
	task.PSID = psid

	threshold := task.Request.NotificationThreshold
	if threshold == nil || score >= *threshold {
		if q := task.Request.NotificationQueue; q != "" {
			ig.publish(ctx, "nq-"+q, task)
		}
	}

	fileHash := rootHashOf(task)
	ig.timeline.Record(timeline.Event{
		Sid:      sid,
		FileHash: fileHash,
		Stage:    timeline.StageCompleted,
		Metadata: map[string]string{"psid": psid},
	})
	return nil
}
