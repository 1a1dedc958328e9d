package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ridgeline/triagecore/capabilities"
	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/timeline"
)

const fileHash = "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"

type recordingServiceSink struct {
	mu        sync.Mutex
	dispatched []*model.ServiceTask
}

func (s *recordingServiceSink) Dispatch(_ context.Context, task *model.ServiceTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, task)
	return nil
}

func (s *recordingServiceSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatched)
}

type recordingCompletionSink struct {
	mu        sync.Mutex
	completed []string
}

func (c *recordingCompletionSink) Complete(_ context.Context, sid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed = append(c.completed, sid)
	return nil
}

func (c *recordingCompletionSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.completed)
}

type noopWatcher struct{}

func (noopWatcher) Touch(context.Context, string, string, []byte, time.Duration) error { return nil }

type fakeFileQueue struct {
	mu     sync.Mutex
	pushed []*model.FileTask
}

func (q *fakeFileQueue) Push(_ context.Context, task *model.FileTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, task)
	return nil
}

func newTestDispatcher(t *testing.T, services []string) (*FileDispatcher, kvstore.Store, *recordingServiceSink, *recordingCompletionSink) {
	t.Helper()
	cfg := config.Default()
	store := kvstore.NewMemoryStore()
	sink := &recordingServiceSink{}
	completion := &recordingCompletionSink{}
	tl := timeline.NewStore()

	fd := New(&cfg, store, capabilities.FlatScheduleBuilder{}, capabilities.PassthroughServiceConfig{},
		capabilities.StaticServiceLimits{Cfg: &cfg}, sink, completion, noopWatcher{}, &fakeFileQueue{}, tl)

	rec := &model.SubmissionRecord{Sid: "sid-1", ScanKey: "sk-1", RootSha256: fileHash, Params: model.SubmissionParams{Services: services}}
	if err := store.PutSubmission(context.Background(), rec); err != nil {
		t.Fatalf("seed submission: %v", err)
	}
	return fd, store, sink, completion
}

func TestHandleDispatchesEachRequestedService(t *testing.T) {
	fd, _, sink, _ := newTestDispatcher(t, []string{"av", "yara"})

	if err := fd.Handle(context.Background(), &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if sink.count() != 2 {
		t.Fatalf("expected both services dispatched in their single flat group, got %d", sink.count())
	}
}

func TestHandleCompletesOnceAllServicesFinish(t *testing.T) {
	fd, store, _, completion := newTestDispatcher(t, []string{"av"})
	ctx := context.Background()

	if err := fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if completion.count() != 0 {
		t.Fatalf("expected no completion before the service result arrives")
	}

	if err := fd.HandleServiceResult(ctx, "sid-1", fileHash, "pe", "av", 0, model.ServiceResult{}); err != nil {
		t.Fatalf("handle service result: %v", err)
	}

	if completion.count() != 1 {
		t.Fatalf("expected exactly one completion signal, got %d", completion.count())
	}

	_ = store
}

func TestHandleServiceResultIsIdempotentAgainstDoubleCompletion(t *testing.T) {
	fd, _, _, completion := newTestDispatcher(t, []string{"av"})
	ctx := context.Background()

	fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"})
	fd.HandleServiceResult(ctx, "sid-1", fileHash, "pe", "av", 0, model.ServiceResult{})

	// A redelivered result for an already-finished service must not
	// fire a second completion signal.
	fd.HandleServiceResult(ctx, "sid-1", fileHash, "pe", "av", 0, model.ServiceResult{})

	if completion.count() != 1 {
		t.Fatalf("expected exactly one completion despite a duplicate result delivery, got %d", completion.count())
	}
}

func TestDropFileShortCircuitsRemainingGroups(t *testing.T) {
	fd, _, sink, completion := newTestDispatcher(t, []string{"unpack", "av"})
	ctx := context.Background()

	if err := fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected both services in the flat group dispatched, got %d", sink.count())
	}

	if err := fd.HandleServiceResult(ctx, "sid-1", fileHash, "pe", "unpack", 0, model.ServiceResult{DropFile: true}); err != nil {
		t.Fatalf("handle service result: %v", err)
	}
	if err := fd.HandleServiceResult(ctx, "sid-1", fileHash, "pe", "av", 0, model.ServiceResult{}); err != nil {
		t.Fatalf("handle service result: %v", err)
	}

	if completion.count() != 1 {
		t.Fatalf("expected drop_file to still let the submission complete once all groups are marked finished, got %d", completion.count())
	}
}

func TestExtractedChildEnqueuedWithinDepthAndCountLimits(t *testing.T) {
	fd, store, _, _ := newTestDispatcher(t, []string{"unpack"})
	ctx := context.Background()
	fq := &fakeFileQueue{}
	fd.fileQueue = fq

	fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "archive"})

	child := model.ExtractedFile{Sha256: "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd", FileType: "pe"}
	if err := fd.HandleServiceResult(ctx, "sid-1", fileHash, "archive", "unpack", 0, model.ServiceResult{Extracted: []model.ExtractedFile{child}}); err != nil {
		t.Fatalf("handle service result: %v", err)
	}

	if len(fq.pushed) != 1 || fq.pushed[0].FileHash != child.Sha256 || fq.pushed[0].Depth != 1 {
		t.Fatalf("expected the extracted child enqueued at depth 1, got %+v", fq.pushed)
	}
	_ = store
}

func TestExtractedChildRejectedBeyondMaxExtractionDepth(t *testing.T) {
	cfg := config.Default()
	cfg.MaxExtractionDepth = 1
	store := kvstore.NewMemoryStore()
	sink := &recordingServiceSink{}
	completion := &recordingCompletionSink{}
	tl := timeline.NewStore()
	fq := &fakeFileQueue{}
	fd := New(&cfg, store, capabilities.FlatScheduleBuilder{}, capabilities.PassthroughServiceConfig{},
		capabilities.StaticServiceLimits{Cfg: &cfg}, sink, completion, noopWatcher{}, fq, tl)

	rec := &model.SubmissionRecord{Sid: "sid-1", ScanKey: "sk-1", Params: model.SubmissionParams{Services: []string{"unpack"}}}
	store.PutSubmission(context.Background(), rec)

	ctx := context.Background()
	// Handle at depth 1 already (simulating a previously-extracted file).
	fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "archive", Depth: 1})

	child := model.ExtractedFile{Sha256: "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee", FileType: "pe"}
	fd.HandleServiceResult(ctx, "sid-1", fileHash, "archive", "unpack", 1, model.ServiceResult{Extracted: []model.ExtractedFile{child}})

	if len(fq.pushed) != 0 {
		t.Fatalf("expected a child beyond max_extraction_depth to be rejected, not enqueued: %+v", fq.pushed)
	}
}

func TestHandleServiceErrorTerminalFinishesEntry(t *testing.T) {
	fd, _, _, completion := newTestDispatcher(t, []string{"av"})
	ctx := context.Background()

	fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"})

	if err := fd.HandleServiceError(ctx, "sid-1", fileHash, "pe", "av", 0, model.ServiceError{ErrorKey: "e-1", Terminal: true}); err != nil {
		t.Fatalf("handle service error: %v", err)
	}

	if completion.count() != 1 {
		t.Fatalf("expected a terminal error to still complete the submission, got %d", completion.count())
	}
}

func TestHandleTimeoutRewalksKnownFiles(t *testing.T) {
	fd, _, sink, _ := newTestDispatcher(t, []string{"av"})
	ctx := context.Background()

	fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"})
	before := sink.count()

	if err := fd.HandleTimeout(ctx, "sid-1"); err != nil {
		t.Fatalf("handle timeout: %v", err)
	}

	// av is StatusDispatched but within its timeout window, so the
	// re-walk must not redispatch it yet.
	if sink.count() != before {
		t.Fatalf("expected timeout re-walk to not redispatch a service still within its timeout, before=%d after=%d", before, sink.count())
	}
}

func TestCircuitBreakerShortCircuitsDisabledService(t *testing.T) {
	cfg := config.Default()
	cfg.ServiceFailureLimit = 100 // avoid the separate FailureCount short-circuit
	store := kvstore.NewMemoryStore()
	sink := &recordingServiceSink{}
	completion := &recordingCompletionSink{}
	tl := timeline.NewStore()
	fd := New(&cfg, store, capabilities.FlatScheduleBuilder{}, capabilities.PassthroughServiceConfig{},
		capabilities.StaticServiceLimits{Cfg: &cfg}, sink, completion, noopWatcher{}, &fakeFileQueue{}, tl)

	rec := &model.SubmissionRecord{Sid: "sid-1", Params: model.SubmissionParams{Services: []string{"av"}}}
	store.PutSubmission(context.Background(), rec)

	// Trip the av breaker directly, as repeated service failures would.
	for i := 0; i < cfg.ServiceFailureLimit+1; i++ {
		fd.breakers.For("av").RecordFailure()
		if fd.breakers.For("av").State() == 2 { // Open
			break
		}
	}

	ctx := context.Background()
	if err := fd.Handle(ctx, &model.FileTask{Sid: "sid-1", FileHash: fileHash, FileType: "pe"}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if sink.count() != 0 {
		t.Fatalf("expected an open circuit to prevent dispatch entirely, got %d dispatches", sink.count())
	}
	if completion.count() != 1 {
		t.Fatalf("expected the file to still complete (short-circuited as finished), got %d", completion.count())
	}
}
