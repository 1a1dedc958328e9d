package watcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ridgeline/triagecore/coordination"
	"github.com/ridgeline/triagecore/kvstore"
)

type fakeCoordinator struct {
	mu    sync.Mutex
	locks map[string]string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{locks: make(map[string]string)}
}

func (c *fakeCoordinator) GetLockOwner(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[key], nil
}

func (c *fakeCoordinator) AcquireLease(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.locks[key]; held {
		return false, nil
	}
	c.locks[key] = value
	return true, nil
}

func (c *fakeCoordinator) RenewLease(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locks[key] == value, nil
}

func (c *fakeCoordinator) ReleaseLease(_ context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[key] == value {
		delete(c.locks, key)
	}
	return nil
}

func (c *fakeCoordinator) ScanLocks(_ context.Context, _ string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.locks))
	for k := range c.locks {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeEpochStore struct{ epoch int64 }

func (e *fakeEpochStore) IncrementDurableEpoch(context.Context, string) (int64, error) {
	return atomic.AddInt64(&e.epoch, 1), nil
}
func (e *fakeEpochStore) GetDurableEpoch(context.Context, string) (int64, error) {
	return atomic.LoadInt64(&e.epoch), nil
}

type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, queue string, message []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, queue+":"+string(message))
	return nil
}

func (d *recordingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func TestTouchThenCancelNeverFires(t *testing.T) {
	store := kvstore.NewMemoryStore()
	elector := coordination.NewLeaderElector(newFakeCoordinator(), &fakeEpochStore{}, "node-a", 30*time.Millisecond)
	deliverer := &recordingDeliverer{}
	w := New(store, deliverer, elector, 10*time.Millisecond)

	ctx := context.Background()
	if err := w.Touch(ctx, "k1", "submission", []byte("sid-1"), 20*time.Millisecond); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := w.Cancel(ctx, "k1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	go w.Run(runCtx)
	<-runCtx.Done()

	if deliverer.count() != 0 {
		t.Fatalf("expected a cancelled schedule to never fire, got %d deliveries", deliverer.count())
	}
}

func TestScheduleFiresAfterDeadline(t *testing.T) {
	store := kvstore.NewMemoryStore()
	elector := coordination.NewLeaderElector(newFakeCoordinator(), &fakeEpochStore{}, "node-a", 30*time.Millisecond)
	deliverer := &recordingDeliverer{}
	w := New(store, deliverer, elector, 10*time.Millisecond)

	ctx := context.Background()
	if err := w.Touch(ctx, "k1", "submission", []byte("sid-1"), 20*time.Millisecond); err != nil {
		t.Fatalf("touch: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	go w.Run(runCtx)
	<-runCtx.Done()

	if deliverer.count() != 1 {
		t.Fatalf("expected the schedule to fire exactly once, got %d", deliverer.count())
	}
}

func TestSetDelivererLateBindsBeforeRun(t *testing.T) {
	store := kvstore.NewMemoryStore()
	elector := coordination.NewLeaderElector(newFakeCoordinator(), &fakeEpochStore{}, "node-a", 30*time.Millisecond)
	w := New(store, nil, elector, 10*time.Millisecond)

	deliverer := &recordingDeliverer{}
	w.SetDeliverer(deliverer)

	ctx := context.Background()
	w.Touch(ctx, "k1", "submission", []byte("sid-1"), 5*time.Millisecond)

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	go w.Run(runCtx)
	<-runCtx.Done()

	if deliverer.count() != 1 {
		t.Fatalf("expected the late-bound deliverer to receive the fired schedule, got %d", deliverer.count())
	}
}

func TestRecoverySweepFiresAlreadyPastDeadlines(t *testing.T) {
	store := kvstore.NewMemoryStore()
	// Arm a schedule directly in the past, simulating a crash recovery
	// scenario where the deadline elapsed before any replica was
	// sweeping.
	store.PutSchedule(context.Background(), kvstore.WatcherSchedule{
		Key:     "k1",
		Queue:   "submission",
		Message: []byte("sid-1"),
		FireAt:  time.Now().Add(-time.Hour),
	})

	elector := coordination.NewLeaderElector(newFakeCoordinator(), &fakeEpochStore{}, "node-a", 30*time.Millisecond)
	deliverer := &recordingDeliverer{}
	w := New(store, deliverer, elector, 50*time.Millisecond)

	runCtx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	go w.Run(runCtx)
	<-runCtx.Done()

	if deliverer.count() != 1 {
		t.Fatalf("expected the recovery sweep to fire an already-past-deadline schedule immediately, got %d", deliverer.count())
	}
}
