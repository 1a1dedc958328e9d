package coordination

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func putLock(t *testing.T, coord *fakeCoordinator, key string, meta LockMetadata) string {
	t.Helper()
	raw, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal lock metadata: %v", err)
	}
	val := string(raw)
	coord.mu.Lock()
	coord.locks[key] = val
	coord.mu.Unlock()
	return val
}

func TestJanitorReleasesFencedLock(t *testing.T) {
	coord := newFakeCoordinator()
	epochs := &fakeEpochStore{epoch: 5}

	putLock(t, coord, "triage:lock:watcher-leader", LockMetadata{
		OwnerNode: "node-old",
		Epoch:     1, // stale term, current epoch is 5
		ExpiresAt: time.Now().Add(time.Hour),
	})

	j := NewLockJanitor(coord, epochs, time.Second)
	j.sweep(context.Background())

	if owner, _ := coord.GetLockOwner(context.Background(), "triage:lock:watcher-leader"); owner != "" {
		t.Fatalf("expected a fenced (old-epoch) lock to be released, still held: %s", owner)
	}
}

func TestJanitorReleasesStaleExpiredLock(t *testing.T) {
	coord := newFakeCoordinator()
	epochs := &fakeEpochStore{epoch: 1}

	putLock(t, coord, "triage:lock:watcher-leader", LockMetadata{
		OwnerNode: "node-crashed",
		Epoch:     1,
		ExpiresAt: time.Now().Add(-time.Minute), // well past TTL + grace
	})

	j := NewLockJanitor(coord, epochs, time.Second)
	j.sweep(context.Background())

	if owner, _ := coord.GetLockOwner(context.Background(), "triage:lock:watcher-leader"); owner != "" {
		t.Fatalf("expected an expired-TTL lock to be reclaimed, still held: %s", owner)
	}
}

func TestJanitorLeavesHealthyLockAlone(t *testing.T) {
	coord := newFakeCoordinator()
	epochs := &fakeEpochStore{epoch: 1}

	putLock(t, coord, "triage:lock:watcher-leader", LockMetadata{
		OwnerNode: "node-live",
		Epoch:     1,
		ExpiresAt: time.Now().Add(time.Hour),
	})

	j := NewLockJanitor(coord, epochs, time.Second)
	j.sweep(context.Background())

	if owner, _ := coord.GetLockOwner(context.Background(), "triage:lock:watcher-leader"); owner == "" {
		t.Fatalf("expected a healthy, current-epoch lock to remain held")
	}
}
