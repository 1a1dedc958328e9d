// Package kvstore implements the spec.md §6 "Key/Value store": atomic
// set/get/delete/exists plus pattern scan, and the specific hashes the
// core needs on top of it (scanning table, dispatch tables,
// FileScoreEntry cache, SubmissionRecord store, result/error stores,
// duplicate queues, Watcher schedules).
//
// Two concrete backends are provided: RedisStore (fast, used for
// everything by default — mirrors the teacher's store/redis.go, which
// implements the full Store interface so it can run standalone) and
// PostgresStore (durable, implements only the persisted-record subset —
// mirrors store/postgres.go). MemoryStore backs unit tests.
package kvstore

import (
	"context"
	"time"

	"github.com/ridgeline/triagecore/model"
)

// WatcherSchedule is one armed Watcher entry (spec.md §4.5).
type WatcherSchedule struct {
	Key      string    `json:"key"`
	Queue    string    `json:"queue"`
	Message  []byte    `json:"message"`
	FireAt   time.Time `json:"fire_at"`
}

// Store is the full interface the pipeline needs from a backing store.
type Store interface {
	// Generic KV (idempotency records, whitelist cache, process caches).
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Scanning table: ScanKey -> in-flight IngestTask.
	PutScanning(ctx context.Context, scanKey string, task *model.IngestTask) error
	GetScanning(ctx context.Context, scanKey string) (*model.IngestTask, bool, error)
	DeleteScanning(ctx context.Context, scanKey string) error

	// Duplicate queue: folded IngestTasks waiting on an in-flight ScanKey.
	PushDuplicate(ctx context.Context, scanKey string, task *model.IngestTask) error
	// DrainDuplicates atomically snapshots and clears the duplicate
	// queue for scanKey and returns the snapshot.
	DrainDuplicates(ctx context.Context, scanKey string) ([]*model.IngestTask, error)
	DeleteDuplicates(ctx context.Context, scanKey string) error

	// FileScoreEntry cache.
	PutScore(ctx context.Context, scanKey string, entry *model.FileScoreEntry) error
	GetScore(ctx context.Context, scanKey string) (*model.FileScoreEntry, bool, error)
	DeleteScore(ctx context.Context, scanKey string) error

	// SubmissionRecord store.
	PutSubmission(ctx context.Context, rec *model.SubmissionRecord) error
	GetSubmission(ctx context.Context, sid string) (*model.SubmissionRecord, bool, error)

	// DispatchTable, stored as one opaque JSON blob per submission; the
	// dispatch package owns locking and the transition logic, this layer
	// only persists/loads the blob.
	PutDispatchTable(ctx context.Context, sid string, blob []byte) error
	GetDispatchTable(ctx context.Context, sid string) ([]byte, bool, error)
	DeleteDispatchTable(ctx context.Context, sid string) error

	// Result / error stores, keyed by scankey.ResultKey / scankey.ErrorKey.
	PutResult(ctx context.Context, resultKey string) error
	ResultExists(ctx context.Context, resultKey string) (bool, error)
	PutError(ctx context.Context, errorKey string, terminal bool) error
	GetError(ctx context.Context, errorKey string) (terminal bool, exists bool, err error)

	// Watcher schedules.
	PutSchedule(ctx context.Context, sched WatcherSchedule) error
	GetSchedule(ctx context.Context, key string) (*WatcherSchedule, bool, error)
	DeleteSchedule(ctx context.Context, key string) error
	ScanSchedules(ctx context.Context) ([]WatcherSchedule, error)
}

const (
	nsScanning   = "triage:scanning:"
	nsDuplicate  = "triage:dup:"
	nsScore      = "triage:score:"
	nsSubmission = "triage:sub:"
	nsDispatch   = "triage:dispatch:"
	nsResult     = "triage:result:"
	nsError      = "triage:error:"
	nsSchedule   = "triage:watch:"
)
