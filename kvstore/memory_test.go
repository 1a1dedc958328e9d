package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/ridgeline/triagecore/model"
)

func TestMemoryStoreSetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", "v1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	v, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok || v != "v1" {
		t.Fatalf("expected v1, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestMemoryStoreGetExpiresAfterTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k1", "v1", 10*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	_, ok, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatalf("expected the key to have expired")
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "k1", "v1", 0)
	if err := s.Delete(ctx, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, "k1"); ok {
		t.Fatalf("expected deleted key to not exist")
	}
}

func TestMemoryStoreScanKeysMatchesPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Set(ctx, "submission:a", "1", 0)
	s.Set(ctx, "submission:b", "2", 0)
	s.Set(ctx, "other:c", "3", 0)

	keys, err := s.ScanKeys(ctx, "submission:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 matching keys, got %v", keys)
	}
}

func TestMemoryStoreScanningRoundTripIsACopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &model.IngestTask{ScanKey: "sk-1"}
	s.PutScanning(ctx, "sk-1", task)
	task.ScanKey = "mutated"

	got, ok, err := s.GetScanning(ctx, "sk-1")
	if err != nil || !ok {
		t.Fatalf("get scanning: ok=%v err=%v", ok, err)
	}
	if got.ScanKey != "sk-1" {
		t.Fatalf("expected the stored copy to be unaffected by later mutation of the caller's task, got %q", got.ScanKey)
	}
}

func TestMemoryStoreDrainDuplicatesEmptiesQueue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.PushDuplicate(ctx, "sk-1", &model.IngestTask{ScanKey: "sk-1"})
	s.PushDuplicate(ctx, "sk-1", &model.IngestTask{ScanKey: "sk-1"})

	drained, err := s.DrainDuplicates(ctx, "sk-1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(drained) != 2 {
		t.Fatalf("expected 2 drained duplicates, got %d", len(drained))
	}

	again, _ := s.DrainDuplicates(ctx, "sk-1")
	if len(again) != 0 {
		t.Fatalf("expected the duplicate queue to be empty after draining, got %d", len(again))
	}
}

func TestMemoryStoreResultAndErrorExistence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if exists, _ := s.ResultExists(ctx, "rk-1"); exists {
		t.Fatalf("expected no result recorded yet")
	}
	s.PutResult(ctx, "rk-1")
	if exists, _ := s.ResultExists(ctx, "rk-1"); !exists {
		t.Fatalf("expected the result to now be recorded")
	}

	s.PutError(ctx, "ek-1", true)
	terminal, ok, err := s.GetError(ctx, "ek-1")
	if err != nil || !ok || !terminal {
		t.Fatalf("expected a terminal error recorded, got terminal=%v ok=%v err=%v", terminal, ok, err)
	}
}

func TestMemoryStoreScheduleLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	fireAt := time.Now().Add(time.Hour)

	s.PutSchedule(ctx, WatcherSchedule{Key: "k1", Queue: "submission", Message: []byte("sid-1"), FireAt: fireAt})

	sched, ok, err := s.GetSchedule(ctx, "k1")
	if err != nil || !ok || sched.Queue != "submission" {
		t.Fatalf("expected schedule fetched back, ok=%v err=%v sched=%+v", ok, err, sched)
	}

	all, err := s.ScanSchedules(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected one scanned schedule, got %v err=%v", all, err)
	}

	s.DeleteSchedule(ctx, "k1")
	if _, ok, _ := s.GetSchedule(ctx, "k1"); ok {
		t.Fatalf("expected schedule deleted")
	}
}
