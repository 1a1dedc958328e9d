// Package idempotency guards the Submitter against creating two
// SubmissionRecords for the same admitted IngestTask — the Ingester's
// at-least-once delivery into the Submitter's queue means the same
// task can arrive twice after a crash/retry. Grounded on
// control_plane/idempotency/store.go's Backend interface + sync.Map
// fallback, repurposed from an HTTP-request-id key space to an
// IngestTask key space (ScanKey + submit attempt).
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/ridgeline/triagecore/observability"
)

// Record is what gets cached against an idempotency key: the sid a
// prior attempt already created, so a replay can return it instead of
// creating a second SubmissionRecord.
type Record struct {
	Sid       string    `json:"sid"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend is the durable half of the store; kvstore.Store satisfies
// this structurally.
type Backend interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

const ttl = 24 * time.Hour

// Store is a two-tier idempotency cache: a durable Backend plus an
// in-memory fallback so a transient backend outage doesn't let through
// a duplicate submission.
type Store struct {
	backend Backend
	cache   sync.Map // key -> localEntry
}

type localEntry struct {
	record    Record
	createdAt time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Get returns the record cached for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Record, bool) {
	if s.backend != nil {
		val, found, err := s.backend.Get(ctx, key)
		if err != nil {
			log.Printf("[idempotency] backend error reading %s: %v, falling back to local cache", key, err)
		} else if found {
			var rec Record
			if err := json.Unmarshal([]byte(val), &rec); err == nil {
				return rec, true
			}
		}
	}

	if v, ok := s.cache.Load(key); ok {
		le := v.(localEntry)
		if time.Since(le.createdAt) <= ttl {
			return le.record, true
		}
		s.cache.Delete(key)
	}
	return Record{}, false
}

// Acquire records key -> rec if key is not already present, reporting
// whether this call is the one that won (false means another attempt
// already holds the key — the caller should use the existing record
// instead of creating a new SubmissionRecord).
func (s *Store) Acquire(ctx context.Context, key string, rec Record) (won bool) {
	if existing, found := s.Get(ctx, key); found {
		_ = existing
		return false
	}

	s.cache.Store(key, localEntry{record: rec, createdAt: time.Now()})
	observability.IdempotencyLockAcquired.Inc()

	if s.backend != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			return true
		}
		if err := s.backend.Set(ctx, key, string(data), ttl); err != nil {
			log.Printf("[idempotency] backend error writing %s: %v", key, err)
		}
	}
	return true
}
