package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/ridgeline/triagecore/capabilities"
	"github.com/ridgeline/triagecore/circuitbreaker"
	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/observability"
	"github.com/ridgeline/triagecore/scankey"
	"github.com/ridgeline/triagecore/timeline"
)

// ServiceSink pushes a ServiceTask onto its named per-service queue
// (service-queue-<name> in spec.md §6).
type ServiceSink interface {
	Dispatch(ctx context.Context, task *model.ServiceTask) error
}

// CompletionSink pushes {sid} onto the submission-completion queue.
type CompletionSink interface {
	Complete(ctx context.Context, sid string) error
}

// Watcher is the narrow surface FileDispatcher needs to refresh the
// submission's max_time deadline on every FileTask it handles.
type Watcher interface {
	Touch(ctx context.Context, key, queue string, message []byte, timeout time.Duration) error
}

// FileDispatcher is the spec.md §4.3 component.
type FileDispatcher struct {
	cfg       *config.Config
	store     kvstore.Store
	tables    *tableStore
	schedules capabilities.ScheduleBuilder
	svcConfig capabilities.ServiceConfigBuilder
	limits    capabilities.ServiceLimits
	services  ServiceSink
	completed CompletionSink
	watcher   Watcher
	fileQueue FileQueue
	timeline  *timeline.Store
	breakers  *circuitbreaker.Registry
}

func New(
	cfg *config.Config,
	store kvstore.Store,
	schedules capabilities.ScheduleBuilder,
	svcConfig capabilities.ServiceConfigBuilder,
	limits capabilities.ServiceLimits,
	services ServiceSink,
	completed CompletionSink,
	watcher Watcher,
	fileQueue FileQueue,
	tl *timeline.Store,
) *FileDispatcher {
	return &FileDispatcher{
		cfg:       cfg,
		store:     store,
		tables:    newTableStore(store),
		schedules: schedules,
		svcConfig: svcConfig,
		limits:    limits,
		services:  services,
		completed: completed,
		watcher:   watcher,
		fileQueue: fileQueue,
		timeline:  tl,
		breakers:  circuitbreaker.NewRegistry(cfg.ServiceFailureLimit, cfg.CircuitCooldown),
	}
}

// SnapshotDispatchTable satisfies incident.SubmissionSource, giving the
// incident package read access to this package's internal table
// representation without exposing mutation.
func (fd *FileDispatcher) SnapshotDispatchTable(ctx context.Context, sid string) (map[string]map[string]*model.DispatchEntry, error) {
	return fd.tables.snapshot(ctx, sid)
}

// GetSubmission satisfies the rest of incident.SubmissionSource by
// passing through to the backing store.
func (fd *FileDispatcher) GetSubmission(ctx context.Context, sid string) (*model.SubmissionRecord, bool, error) {
	return fd.store.GetSubmission(ctx, sid)
}

// Handle is the dispatch-file consumer entry point (spec.md §4.3).
func (fd *FileDispatcher) Handle(ctx context.Context, ft *model.FileTask) error {
	if err := fd.watcher.Touch(ctx, submissionWatchKey(ft.Sid), "submission", []byte(ft.Sid), fd.cfg.MaxTime); err != nil {
		log.Printf("[dispatch] failed to refresh max_time watch for sid=%s: %v", ft.Sid, err)
	}

	rec, found, err := fd.store.GetSubmission(ctx, ft.Sid)
	if err != nil {
		return err
	}
	if !found {
		log.Printf("[dispatch] no submission record for sid=%s, dropping file task", ft.Sid)
		return nil
	}

	schedule, err := fd.schedules.BuildSchedule(ft.FileType, rec.Params.Services)
	if err != nil {
		return err
	}

	var done bool
	err = fd.tables.withTable(ctx, ft.Sid, func(t *table) error {
		if _, seen := t.Files[ft.FileHash]; !seen {
			t.Files[ft.FileHash] = ft.FileType
			t.Remaining++
		}

		fd.walkSchedule(ctx, t, ft, schedule, rec)

		// Entries can be finished outside walkSchedule (service results,
		// terminal errors), so the counter is recomputed from the files
		// rather than adjusted on a transition seen here.
		remaining := 0
		for h := range t.Files {
			if !t.fileFinished(h) {
				remaining++
			}
		}
		t.Remaining = remaining

		done = !t.Completed && t.Remaining <= 0 && t.allFinished()
		if done {
			t.Completed = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if done {
		return fd.maybeComplete(ctx, ft.Sid)
	}
	return nil
}

// FileQueueSource is the consume side of the dispatch-file queue.
type FileQueueSource interface {
	Pop(ctx context.Context) (*model.FileTask, error)
}

// Run blocks popping FileTasks from src and handling each until ctx is
// cancelled.
func (fd *FileDispatcher) Run(ctx context.Context, src FileQueueSource) {
	for {
		ft, err := src.Pop(ctx)
		if err != nil {
			return // ctx cancelled
		}
		if err := fd.Handle(ctx, ft); err != nil {
			log.Printf("[dispatch] failed to handle file task (sid=%s, file=%s): %v", ft.Sid, ft.FileHash, err)
		}
	}
}

// HandleTimeout re-walks every file currently known to sid's
// DispatchTable — the Watcher's max_time re-injection path (spec.md
// §4.5/§7: "pipeline re-drives from current state, idempotent").
func (fd *FileDispatcher) HandleTimeout(ctx context.Context, sid string) error {
	_, found, err := fd.store.GetSubmission(ctx, sid)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var files map[string]string
	if err := fd.tables.withTable(ctx, sid, func(t *table) error {
		files = make(map[string]string, len(t.Files))
		for h, ft := range t.Files {
			files[h] = ft
		}
		return nil
	}); err != nil {
		return err
	}

	observability.SubmissionDecisions.WithLabelValues("timed_out").Inc()
	fd.timeline.Record(timeline.Event{Sid: sid, Stage: timeline.StageTimedOut})

	for fileHash, fileType := range files {
		if err := fd.Handle(ctx, &model.FileTask{Sid: sid, FileHash: fileHash, FileType: fileType}); err != nil {
			log.Printf("[dispatch] timeout re-drive failed for sid=%s file=%s: %v", sid, fileHash, err)
		}
	}
	return nil
}

// walkSchedule implements the group-ordered schedule walk and
// short-circuit/dispatch decisions. Called with the submission's table
// lock held.
func (fd *FileDispatcher) walkSchedule(ctx context.Context, t *table, ft *model.FileTask, schedule model.Schedule, rec *model.SubmissionRecord) {
	now := time.Now()

	for _, group := range schedule {
		var outstanding []string
		fileDropped := false

		for _, service := range group {
			entry, exists := t.entry(ft.FileHash, service)
			if !exists {
				entry = &model.DispatchEntry{Status: model.StatusPending}
				t.setEntry(ft.FileHash, service, entry)
			}

			if entry.IsFinished() {
				if entry.DropFile {
					fileDropped = true
				}
				continue
			}

			svcConfig := fd.svcConfig.BuildServiceConfig(service, rec.Params.ServiceConfig)
			resultKey := scankey.ResultKey(ft.FileHash, service, svcConfig)

			if exists, err := fd.store.ResultExists(ctx, resultKey); err == nil && exists {
				entry.Status = model.StatusFinished
				entry.ResultKey = resultKey
				observability.DispatchDecisions.WithLabelValues("finished").Inc()
				continue
			}

			errorKey := scankey.ErrorKey(ft.Sid, ft.FileHash, service)
			if terminal, exists, err := fd.store.GetError(ctx, errorKey); err == nil && exists && terminal {
				entry.Status = model.StatusFinished
				entry.ErrorKey = errorKey
				observability.DispatchDecisions.WithLabelValues("finished").Inc()
				continue
			}

			limit, ok := fd.limits.ServiceFailureLimit(service)
			if !ok {
				limit = fd.cfg.ServiceFailureLimit
			}
			if entry.FailureCount > limit {
				entry.Status = model.StatusFinished
				entry.ErrorKey = errorKey
				_ = fd.store.PutError(ctx, errorKey, true)
				observability.ServiceFailures.WithLabelValues(service).Inc()
				observability.DispatchDecisions.WithLabelValues("finished").Inc()
				continue
			}

			breaker := fd.breakers.For(service)
			observability.ServiceCircuitState.WithLabelValues(service).Set(float64(breaker.State()))
			if !breaker.Allow() {
				entry.Status = model.StatusFinished
				entry.ErrorKey = errorKey
				_ = fd.store.PutError(ctx, errorKey, true)
				observability.DispatchDecisions.WithLabelValues("dropped").Inc()
				log.Printf("[dispatch] service %s circuit open, short-circuiting (sid=%s, file=%s)", service, ft.Sid, ft.FileHash)
				continue
			}

			outstanding = append(outstanding, service)
			fd.dispatchOrRedispatch(ctx, entry, ft, service, svcConfig, now)
		}

		if fileDropped {
			fd.dropRemainingGroups(t, ft.FileHash, schedule)
			observability.DispatchDecisions.WithLabelValues("dropped").Inc()
			return
		}

		if len(outstanding) > 0 {
			observability.DispatchDecisions.WithLabelValues("held_for_parent").Inc()
			return // later groups wait for this one
		}
	}
}

func (fd *FileDispatcher) dispatchOrRedispatch(ctx context.Context, entry *model.DispatchEntry, ft *model.FileTask, service string, svcConfig map[string]string, now time.Time) {
	timeoutSeconds, ok := fd.limits.ServiceTimeout(service)
	timeout := fd.cfg.ServiceTimeout
	if ok {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	switch entry.Status {
	case model.StatusPending:
		entry.Status = model.StatusDispatched
		entry.DispatchTime = now
		fd.push(ctx, ft, service, svcConfig)
		observability.DispatchDecisions.WithLabelValues("dispatched").Inc()

	case model.StatusDispatched:
		if now.Sub(entry.DispatchTime) >= timeout {
			entry.FailureCount++
			entry.DispatchTime = now
			fd.breakers.For(service).RecordFailure()
			fd.push(ctx, ft, service, svcConfig)
			observability.ServiceFailures.WithLabelValues(service).Inc()
			observability.DispatchDecisions.WithLabelValues("dispatched").Inc()
		}
		// else: already in flight, nothing to do.
	}
}

func (fd *FileDispatcher) push(ctx context.Context, ft *model.FileTask, service string, svcConfig map[string]string) {
	task := &model.ServiceTask{
		Sid:           ft.Sid,
		FileHash:      ft.FileHash,
		FileType:      ft.FileType,
		Depth:         ft.Depth,
		ServiceName:   service,
		ServiceConfig: svcConfig,
	}
	if err := fd.services.Dispatch(ctx, task); err != nil {
		log.Printf("[dispatch] failed to push service task (sid=%s, service=%s): %v", ft.Sid, service, err)
	}
	fd.timeline.Record(timeline.Event{Sid: ft.Sid, FileHash: ft.FileHash, Service: service, Stage: timeline.StageDispatched})
}

// dropRemainingGroups marks every service in every group not yet
// finished as finished-with-no-result, implementing spec.md §4.3's
// drop_file short-circuit: "a finished result whose payload sets
// drop_file causes the dispatcher to mark all later groups finished
// for that file."
func (fd *FileDispatcher) dropRemainingGroups(t *table, fileHash string, schedule model.Schedule) {
	for _, group := range schedule {
		for _, service := range group {
			entry, exists := t.entry(fileHash, service)
			if !exists {
				entry = &model.DispatchEntry{}
				t.setEntry(fileHash, service, entry)
			}
			if !entry.IsFinished() {
				entry.Status = model.StatusFinished
			}
		}
	}
}

func (fd *FileDispatcher) maybeComplete(ctx context.Context, sid string) error {
	if err := fd.completed.Complete(ctx, sid); err != nil {
		return err
	}
	observability.SubmissionDecisions.WithLabelValues("completed").Inc()
	fd.timeline.Record(timeline.Event{Sid: sid, Stage: timeline.StageServiceDone})
	return nil
}

func submissionWatchKey(sid string) string { return "submission:" + sid }
