// Package ingest implements the Ingester (spec.md §4.1): the entry
// point of the pipeline. It validates and normalizes submission
// requests, resolves a ScanKey, probes the two-tier score cache,
// resolves priority, folds duplicates, runs admission/shedding, checks
// the whitelist, and either finalizes a duplicate immediately or admits
// the task onto the unique priority queue for the Submitter.
//
// Grounded on control_plane/scheduler.Submit's layered admission-check
// shape (leader check → mode check → circuit breaker → self-protection
// → sharding, each with its own rejection metric) for the ordered gate
// sequence in Intake, and on timeline.Record/observability usage
// throughout the teacher's scheduler package.
package ingest

import (
	"context"
	"encoding/hex"
	"errors"
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
	"github.com/ridgeline/triagecore/queue"
	"github.com/ridgeline/triagecore/resilience"
	"github.com/ridgeline/triagecore/scankey"
	"github.com/ridgeline/triagecore/streaming"
	"github.com/ridgeline/triagecore/timeline"
)

var (
	ErrNoFiles           = errors.New("ingest: submission request names no files")
	ErrInvalidFileHash   = errors.New("ingest: root file sha256 is not a valid 64-char hex digest")
	ErrMetadataTooLarge  = errors.New("ingest: metadata value exceeds max_value_size")
	ErrClassificationLen = errors.New("ingest: classification exceeds max_metadata_length")
)

// Ingester is the spec.md §4.1 component.
type Ingester struct {
	cfg       *config.Config
	store     kvstore.Store
	cache     *resilience.ScoreCache
	whitelist capabilities.WhitelistChecker
	lowPrio   capabilities.PriorityClassifier
	queue     *queue.PriorityQueue[*model.IngestTask]
	timeline  *timeline.Store
	publisher streaming.Publisher

	keyLocks keyedMutex

	whitelistMu    sync.Mutex
	whitelistCache map[string]bool // fileHash -> safe

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(
	cfg *config.Config,
	store kvstore.Store,
	cache *resilience.ScoreCache,
	whitelist capabilities.WhitelistChecker,
	lowPrio capabilities.PriorityClassifier,
	tl *timeline.Store,
	publisher streaming.Publisher,
) *Ingester {
	return &Ingester{
		cfg:            cfg,
		store:          store,
		cache:          cache,
		whitelist:      whitelist,
		lowPrio:        lowPrio,
		queue:          queue.NewPriorityQueue[*model.IngestTask](),
		timeline:       tl,
		publisher:      publisher,
		whitelistCache: make(map[string]bool),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Queue exposes the unique priority queue for the Submitter to consume.
func (ig *Ingester) Queue() *queue.PriorityQueue[*model.IngestTask] { return ig.queue }

// Intake is the m-ingest consumer entry point.
func (ig *Ingester) Intake(ctx context.Context, req model.SubmissionRequest) error {
	start := time.Now()
	defer func() { observability.IngestLatency.Observe(time.Since(start).Seconds()) }()

	task := &model.IngestTask{
		Request:    req,
		IngestTime: time.Now(),
		Score:      math.NaN(),
	}

	root, ok := req.RootFile()
	if !ok {
		return ig.drop(ctx, task, "no files named in submission")
	}

	if err := ig.validate(req, root); err != nil {
		return ig.drop(ctx, task, err.Error())
	}

	task.ScanKey = scankey.Compute(root.Sha256, req.Params)

	// Size gate — unless ignore_size or never_drop, reject oversized
	// files outright before any cache/dedup work.
	if root.Size > ig.cfg.MaxFileSize && !req.Params.IgnoreSize && !req.Params.NeverDrop {
		return ig.drop(ctx, task, "File too large")
	}

	ig.keyLocks.Lock(task.ScanKey)
	defer ig.keyLocks.Unlock(task.ScanKey)

	return ig.admit(ctx, task, root)
}

// admit runs the cache probe, priority resolution, duplicate folding,
// shedding, and whitelist gates, in spec order, and either finalizes a
// duplicate or pushes the task onto the unique queue. Called with the
// task's ScanKey lock held.
func (ig *Ingester) admit(ctx context.Context, task *model.IngestTask, root model.SubmissionFile) error {
	var lookup resilience.Lookup
	if !task.Request.Params.IgnoreCache {
		var err error
		lookup, err = ig.cache.Get(ctx, task.ScanKey)
		if err != nil {
			return ig.retry(ctx, task, fmt.Sprintf("cache probe error: %v", err))
		}
		if lookup.Expired {
			_ = ig.cache.Evict(ctx, task.ScanKey)
			lookup = resilience.Lookup{}
		}
	}

	if lookup.Found {
		task.Score = lookup.Entry.Score
	}

	ig.resolvePriority(task, lookup)

	// Duplicate folding happens after priority assignment, so a task
	// finalized from a fresh cache hit carries its resolved priority.
	// finalize itself does not resubmit; resubmission is done by the
	// SubmissionDispatcher.
	if lookup.Found && !lookup.Stale {
		task.PSID = lookup.Entry.PSid
		observability.AdmissionDecisions.WithLabelValues("admitted", "cache_hit").Inc()
		return ig.finalize(ctx, lookup.Entry.Sid, lookup.Entry.PSid, lookup.Entry.Score, task)
	}

	if dropped, reason := ig.shouldDrop(task, root); dropped {
		observability.AdmissionDecisions.WithLabelValues("dropped", reason).Inc()
		return ig.drop(ctx, task, reason)
	}

	if safe, reason := ig.whitelistVerdict(root.Sha256, task); safe {
		observability.AdmissionDecisions.WithLabelValues("dropped", "whitelist").Inc()
		return ig.drop(ctx, task, reason)
	}

	existing, found, err := ig.store.GetScanning(ctx, task.ScanKey)
	if err != nil {
		return ig.retry(ctx, task, fmt.Sprintf("scanning table read error: %v", err))
	}
	if found {
		if err := ig.store.PushDuplicate(ctx, task.ScanKey, task); err != nil {
			return ig.retry(ctx, task, fmt.Sprintf("duplicate queue push error: %v", err))
		}
		observability.AdmissionDecisions.WithLabelValues("admitted", "folded_duplicate").Inc()
		_ = existing
		return nil
	}

	if err := ig.store.PutScanning(ctx, task.ScanKey, task); err != nil {
		return ig.retry(ctx, task, fmt.Sprintf("scanning table write error: %v", err))
	}

	ig.queue.Push(task, task.Priority)
	observability.QueueDepth.WithLabelValues(fmt.Sprint(task.Priority)).Set(float64(ig.queue.Len()))
	observability.AdmissionDecisions.WithLabelValues("admitted", "unique").Inc()
	ig.timeline.Record(timeline.Event{Sid: task.PSID, FileHash: root.Sha256, Stage: timeline.StageAdmitted})
	ig.publish(ctx, "m-unique", task)
	return nil
}

func (ig *Ingester) validate(req model.SubmissionRequest, root model.SubmissionFile) error {
	if len(req.Files) == 0 {
		return ErrNoFiles
	}
	if len(root.Sha256) != 64 {
		return ErrInvalidFileHash
	}
	if _, err := hex.DecodeString(root.Sha256); err != nil {
		return ErrInvalidFileHash
	}
	for _, v := range req.Metadata {
		if len(v) > ig.cfg.MaxValueSize {
			return ErrMetadataTooLarge
		}
	}
	if len(req.Params.Classification) > ig.cfg.MaxMetadataLength {
		return ErrClassificationLen
	}
	return nil
}

// resolvePriority implements spec.md §4.1's priority resolution order:
// explicit hint, then score-table, then is_low_priority, then default
// medium; aged-out tasks have their resolved priority divided by 10
// (floor 1).
func (ig *Ingester) resolvePriority(task *model.IngestTask, lookup resilience.Lookup) {
	priority := ig.cfg.PriorityNames["medium"]

	switch {
	case task.Request.Params.PriorityHint >= 0:
		priority = task.Request.Params.PriorityHint
	case lookup.Found:
		if name, ok := ig.cfg.PriorityForScore(lookup.Entry.Score); ok {
			if p, ok := ig.cfg.PriorityNames[name]; ok {
				priority = p
			}
		}
	case ig.lowPrio != nil && ig.lowPrio.IsLowPriority(task):
		priority = ig.cfg.PriorityNames["low"]
	}

	if task.Age(time.Now()) > ig.cfg.ExpireAfter {
		priority = priority / 10
		if priority < 1 {
			priority = 1
		}
	}

	task.Priority = priority
}

// shouldDrop implements spec.md §4.1's drop() admission gate.
func (ig *Ingester) shouldDrop(task *model.IngestTask, root model.SubmissionFile) (bool, string) {
	if task.Request.Params.NeverDrop {
		return false, ""
	}

	if task.Priority <= 1 {
		return true, "priority below shedding floor"
	}

	if band, ok := ig.cfg.BandFor(task.Priority); ok {
		queued := ig.queuedInBand(band)
		p := tanhDropProbability(queued, band.Threshold)
		ig.rngMu.Lock()
		roll := ig.rng.Float64()
		ig.rngMu.Unlock()
		if roll < p {
			return true, "Skipped"
		}
	}

	if root.Size > ig.cfg.MaxFileSize || root.Size == 0 {
		return true, "Skipped"
	}

	return false, ""
}

// tanhDropProbability computes tanh((queued-threshold)/threshold * 2),
// clamped to [0, 1): below threshold this is negative, so the drop
// probability floors at 0 rather than going negative.
func tanhDropProbability(queued, threshold int) float64 {
	if threshold <= 0 {
		return 0
	}
	x := float64(queued-threshold) / float64(threshold) * 2
	p := math.Tanh(x)
	if p < 0 {
		return 0
	}
	return p
}

// queuedInBand counts tasks currently queued whose priority falls
// within band — an O(n) scan of the heap's backing slice snapshot,
// acceptable since band population is expected to be in the hundreds.
func (ig *Ingester) queuedInBand(band config.PriorityBand) int {
	return ig.queue.CountInRange(band.Low, band.High)
}

func (ig *Ingester) whitelistVerdict(fileHash string, task *model.IngestTask) (safe bool, reason string) {
	ig.whitelistMu.Lock()
	if v, ok := ig.whitelistCache[fileHash]; ok {
		ig.whitelistMu.Unlock()
		if v {
			return true, "Whitelisted"
		}
		return false, ""
	}
	ig.whitelistMu.Unlock()

	if ig.whitelist == nil {
		return false, ""
	}

	verdict, err := ig.whitelist.Verdict(fileHash)
	if err != nil {
		log.Printf("[ingest] whitelist check error for %s: %v", fileHash, err)
		return false, ""
	}

	ig.whitelistMu.Lock()
	ig.whitelistCache[fileHash] = verdict
	ig.whitelistMu.Unlock()

	if verdict {
		return true, "Whitelisted"
	}
	return false, ""
}

func (ig *Ingester) drop(ctx context.Context, task *model.IngestTask, reason string) error {
	task.FailureReason = reason
	ig.timeline.Record(timeline.Event{FileHash: rootHashOf(task), Stage: timeline.StageDropped, Metadata: map[string]string{"reason": reason}})
	ig.publish(ctx, "m-drop", task)
	return nil
}

// retry implements spec.md §4.1/§7's transient-failure path: increment
// retries, schedule redelivery at now+retry_delay, or drop once
// max_retries/expire_after is exceeded.
func (ig *Ingester) retry(ctx context.Context, task *model.IngestTask, reason string) error {
	task.Retries++
	observability.RetryCount.WithLabelValues("ingest_transient").Inc()

	if task.Retries > ig.cfg.MaxRetries || task.Age(time.Now()) > ig.cfg.ExpireAfter {
		if task.ScanKey != "" {
			_ = ig.store.DeleteDuplicates(ctx, task.ScanKey)
		}
		return ig.drop(ctx, task, fmt.Sprintf("retry budget exhausted: %s", reason))
	}

	task.RetryAt = time.Now().Add(ig.cfg.RetryDelay)
	ig.timeline.Record(timeline.Event{FileHash: rootHashOf(task), Stage: timeline.StageRetried, Metadata: map[string]string{"reason": reason}})
	ig.publish(ctx, "m-retry", task)

	captured := task
	time.AfterFunc(ig.cfg.RetryDelay, func() {
		ig.redeliver(context.Background(), captured)
	})
	return nil
}

// redeliver re-enters the admission pipeline for a task that already
// passed validation and ScanKey computation, on the same task value —
// preserving its Retries count and original IngestTime, so the
// max_retries/expire_after caps in retry() actually bound how many
// times a transient failure is retried instead of resetting on every
// attempt.
func (ig *Ingester) redeliver(ctx context.Context, task *model.IngestTask) {
	root, ok := task.Request.RootFile()
	if !ok {
		_ = ig.drop(ctx, task, "no files named in submission")
		return
	}
	ig.keyLocks.Lock(task.ScanKey)
	defer ig.keyLocks.Unlock(task.ScanKey)
	_ = ig.admit(ctx, task, root)
}

func (ig *Ingester) publish(ctx context.Context, topic string, payload interface{}) {
	if ig.publisher == nil {
		return
	}
	if err := ig.publisher.Publish(ctx, topic, payload); err != nil {
		log.Printf("[ingest] publish to %s failed (best-effort): %v", topic, err)
	}
}

func rootHashOf(task *model.IngestTask) string {
	if root, ok := task.Request.RootFile(); ok {
		return root.Sha256
	}
	return ""
}
