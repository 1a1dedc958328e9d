package coordination

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"
)

// LockJanitor periodically force-releases locks that are either fenced
// (held under an epoch older than the current durable epoch — the
// owner's term has since ended) or merely stale (expired past its TTL
// plus clock-skew grace, the owner presumably crashed without
// releasing). Grounded on
// control_plane/coordination/janitor.go, unchanged in logic.
type LockJanitor struct {
	coordinator Coordinator
	epochs      EpochStore
	interval    time.Duration
}

func NewLockJanitor(c Coordinator, epochs EpochStore, interval time.Duration) *LockJanitor {
	return &LockJanitor{coordinator: c, epochs: epochs, interval: interval}
}

func (j *LockJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *LockJanitor) sweep(ctx context.Context) {
	currentEpoch, err := j.epochs.GetDurableEpoch(ctx, "watcher_leader")
	if err != nil {
		log.Printf("[watcher janitor] failed to read durable epoch: %v", err)
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, "triage:lock:*")
	if err != nil {
		log.Printf("[watcher janitor] scan failed: %v", err)
		return
	}

	for _, key := range keys {
		if strings.HasSuffix(key, ":epoch") {
			continue
		}

		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LockMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("[watcher janitor] unreadable lock %s: %v", key, err)
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("[watcher janitor] fencing lock %s (epoch %d < current %d)", key, meta.Epoch, currentEpoch)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("[watcher janitor] failed to release fenced lock %s: %v", key, err)
			}
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("[watcher janitor] reclaiming stale lock %s (expired %s)", key, meta.ExpiresAt)
			if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
				log.Printf("[watcher janitor] failed to release stale lock %s: %v", key, err)
			}
		}
	}
}
