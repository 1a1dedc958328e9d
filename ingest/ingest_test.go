package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ridgeline/triagecore/capabilities"
	"github.com/ridgeline/triagecore/config"
	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/resilience"
	"github.com/ridgeline/triagecore/timeline"
)

const validHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

type fakePublisher struct {
	published []string
}

func (p *fakePublisher) Publish(_ context.Context, topic string, _ interface{}) error {
	p.published = append(p.published, topic)
	return nil
}
func (p *fakePublisher) Close() error { return nil }

func newTestIngester(t *testing.T) (*Ingester, *fakePublisher) {
	t.Helper()
	cfg := config.Default()
	store := kvstore.NewMemoryStore()
	cache := resilience.NewScoreCache(store, &cfg)
	tl := timeline.NewStore()
	pub := &fakePublisher{}
	ig := New(&cfg, store, cache, capabilities.NullWhitelist{}, capabilities.ConfigPriorityClassifier{Cfg: &cfg}, tl, pub)
	return ig, pub
}

func TestIntakeAdmitsValidRequest(t *testing.T) {
	ig, pub := newTestIngester(t)
	req := model.SubmissionRequest{
		Files:  []model.SubmissionFile{{Sha256: validHash, Size: 100}},
		Params: model.SubmissionParams{PriorityHint: -1},
	}

	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("intake: %v", err)
	}
	if ig.Queue().Len() != 1 {
		t.Fatalf("expected task admitted onto unique queue, Len=%d", ig.Queue().Len())
	}

	found := false
	for _, topic := range pub.published {
		if topic == "m-unique" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an m-unique publish event, got %v", pub.published)
	}
}

func TestIntakeRejectsNoFiles(t *testing.T) {
	ig, pub := newTestIngester(t)
	if err := ig.Intake(context.Background(), model.SubmissionRequest{}); err != nil {
		t.Fatalf("intake: %v", err)
	}
	if ig.Queue().Len() != 0 {
		t.Fatalf("expected no files to be dropped, not queued")
	}
	if len(pub.published) == 0 || pub.published[len(pub.published)-1] != "m-drop" {
		t.Fatalf("expected an m-drop publish event, got %v", pub.published)
	}
}

func TestIntakeRejectsInvalidHash(t *testing.T) {
	ig, _ := newTestIngester(t)
	req := model.SubmissionRequest{Files: []model.SubmissionFile{{Sha256: "not-hex", Size: 1}}}
	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("intake: %v", err)
	}
	if ig.Queue().Len() != 0 {
		t.Fatalf("expected an invalid hash to be dropped, not queued")
	}
}

func TestIntakeRejectsOversizedFile(t *testing.T) {
	ig, _ := newTestIngester(t)
	cfg := config.Default()
	req := model.SubmissionRequest{
		Files:  []model.SubmissionFile{{Sha256: validHash, Size: cfg.MaxFileSize + 1}},
		Params: model.SubmissionParams{PriorityHint: -1},
	}
	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("intake: %v", err)
	}
	if ig.Queue().Len() != 0 {
		t.Fatalf("expected an oversized file to be dropped")
	}
}

func TestIntakeNeverDropBypassesSizeGate(t *testing.T) {
	ig, _ := newTestIngester(t)
	cfg := config.Default()
	req := model.SubmissionRequest{
		Files:  []model.SubmissionFile{{Sha256: validHash, Size: cfg.MaxFileSize + 1}},
		Params: model.SubmissionParams{PriorityHint: -1, NeverDrop: true},
	}
	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("intake: %v", err)
	}
	if ig.Queue().Len() != 1 {
		t.Fatalf("expected never_drop to bypass the size gate, Len=%d", ig.Queue().Len())
	}
}

func TestIntakeFoldsDuplicateIntoScanningEntry(t *testing.T) {
	ig, pub := newTestIngester(t)
	req := model.SubmissionRequest{
		Files:  []model.SubmissionFile{{Sha256: validHash, Size: 10}},
		Params: model.SubmissionParams{PriorityHint: -1},
	}

	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("first intake: %v", err)
	}
	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("second intake: %v", err)
	}

	if ig.Queue().Len() != 1 {
		t.Fatalf("expected the duplicate to fold rather than enqueue again, Len=%d", ig.Queue().Len())
	}

	foldedCount := 0
	for _, topic := range pub.published {
		if topic == "m-unique" {
			foldedCount++
		}
	}
	if foldedCount != 1 {
		t.Fatalf("expected exactly one m-unique publish across both intakes, got %d", foldedCount)
	}
}

func TestIntakeRespectsExplicitPriorityHint(t *testing.T) {
	ig, _ := newTestIngester(t)
	req := model.SubmissionRequest{
		Files:  []model.SubmissionFile{{Sha256: validHash, Size: 10}},
		Params: model.SubmissionParams{PriorityHint: 2},
	}
	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("intake: %v", err)
	}
	_, priority, ok := ig.Queue().Peek()
	if !ok || priority != 2 {
		t.Fatalf("expected explicit priority hint 2 to be honored, got %d ok=%v", priority, ok)
	}
}

func TestHandleCompletionNotifiesAboveThreshold(t *testing.T) {
	ig, pub := newTestIngester(t)
	threshold := 50.0
	req := model.SubmissionRequest{
		Files:             []model.SubmissionFile{{Sha256: validHash, Size: 10}},
		Params:            model.SubmissionParams{PriorityHint: -1},
		NotificationQueue: "alerts",
		NotificationThreshold: &threshold,
	}
	if err := ig.Intake(context.Background(), req); err != nil {
		t.Fatalf("intake: %v", err)
	}

	msg := model.CompleteMessage{ScanKey: scanKeyOfQueued(ig), Sid: "sid-1", Score: 75, RootSha256: validHash}
	if err := ig.HandleCompletion(context.Background(), msg); err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	found := false
	for _, topic := range pub.published {
		if strings.HasPrefix(topic, "nq-alerts") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a notification above threshold to publish to nq-alerts, got %v", pub.published)
	}
}

func scanKeyOfQueued(ig *Ingester) string {
	v, _, _ := ig.Queue().Peek()
	return v.ScanKey
}

func TestRetryDropsTaskAfterMaxRetriesExhausted(t *testing.T) {
	ig, pub := newTestIngester(t)
	cfg := config.Default()
	task := &model.IngestTask{
		Request:    model.SubmissionRequest{Files: []model.SubmissionFile{{Sha256: validHash, Size: 10}}},
		ScanKey:    "scankey-1",
		IngestTime: time.Now(),
	}

	var err error
	for i := 0; i <= cfg.MaxRetries; i++ {
		err = ig.retry(context.Background(), task, "transient failure")
	}
	if err != nil {
		t.Fatalf("retry: %v", err)
	}

	if task.Retries != cfg.MaxRetries+1 {
		t.Fatalf("expected Retries to accumulate across calls on the same task, got %d", task.Retries)
	}
	if len(pub.published) == 0 || pub.published[len(pub.published)-1] != "m-drop" {
		t.Fatalf("expected the task dropped once retries exceed max_retries, got %v", pub.published)
	}
	if ig.Queue().Len() != 0 {
		t.Fatalf("expected an exhausted retry to never be requeued")
	}
}
