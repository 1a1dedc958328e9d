// Package dispatch implements the FileDispatcher (spec.md §4.3): for
// one (submission, file) it computes the ordered service schedule,
// dispatches the next outstanding service, handles extracted children,
// and detects file/submission completion.
//
// Grounded on control_plane/scheduler/scheduler.go's processNextTask
// layered gate shape (health check → failure-domain/circuit check →
// rate limit → dispatch) and its SchedulingDecision structured-log
// record, reused for the Schedule-group-walk gate shape and dispatch
// decision logging.
package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ridgeline/triagecore/kvstore"
	"github.com/ridgeline/triagecore/model"
)

// table is the decoded, in-memory form of one submission's
// DispatchTable (spec.md §3): a (file hash, service) -> DispatchEntry
// map plus the set of files discovered via extraction and a
// remaining-task counter.
type table struct {
	Entries   map[string]map[string]*model.DispatchEntry `json:"entries"` // file_hash -> service -> entry
	Files     map[string]string                          `json:"files"`  // file_hash -> file_type
	Remaining int                                         `json:"remaining"`
	Extracted int                                         `json:"extracted"` // count of child files extracted so far, for max_extracted
	Completed bool                                        `json:"completed"` // true once the submission-complete message has been sent
}

func newTable() *table {
	return &table{
		Entries: make(map[string]map[string]*model.DispatchEntry),
		Files:   make(map[string]string),
	}
}

func (t *table) entry(fileHash, service string) (*model.DispatchEntry, bool) {
	services, ok := t.Entries[fileHash]
	if !ok {
		return nil, false
	}
	e, ok := services[service]
	return e, ok
}

func (t *table) setEntry(fileHash, service string, e *model.DispatchEntry) {
	services, ok := t.Entries[fileHash]
	if !ok {
		services = make(map[string]*model.DispatchEntry)
		t.Entries[fileHash] = services
	}
	services[service] = e
}

// allFinished reports whether every (file, service) entry across every
// known file is in the finished state.
func (t *table) allFinished() bool {
	for _, services := range t.Entries {
		for _, e := range services {
			if !e.IsFinished() {
				return false
			}
		}
	}
	return true
}

// fileFinished reports whether fileHash's schedule has been fully
// walked and every entry in it is finished. Because walkSchedule only
// ever creates entries for a group once every earlier group is fully
// finished (it returns as soon as a group has an outstanding service),
// "every existing entry for this file is finished" is equivalent to
// "this file's schedule is complete" — there is no way for a later
// group's entries to exist while an earlier group is still open.
func (t *table) fileFinished(fileHash string) bool {
	services, ok := t.Entries[fileHash]
	if !ok || len(services) == 0 {
		return false
	}
	for _, e := range services {
		if !e.IsFinished() {
			return false
		}
	}
	return true
}

// tableStore persists DispatchTable blobs, guarded by a per-submission
// lock matching spec.md §5's "per-submission lock around DispatchTable
// read-modify-write" requirement.
type tableStore struct {
	backend kvstore.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTableStore(backend kvstore.Store) *tableStore {
	return &tableStore{backend: backend, locks: make(map[string]*sync.Mutex)}
}

func (ts *tableStore) lockFor(sid string) *sync.Mutex {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	l, ok := ts.locks[sid]
	if !ok {
		l = &sync.Mutex{}
		ts.locks[sid] = l
	}
	return l
}

// withTable loads sid's table (creating one if absent), runs fn under
// the submission's lock, and persists the (possibly mutated) result.
func (ts *tableStore) withTable(ctx context.Context, sid string, fn func(t *table) error) error {
	lock := ts.lockFor(sid)
	lock.Lock()
	defer lock.Unlock()

	t, err := ts.load(ctx, sid)
	if err != nil {
		return err
	}

	if err := fn(t); err != nil {
		return err
	}

	return ts.save(ctx, sid, t)
}

func (ts *tableStore) load(ctx context.Context, sid string) (*table, error) {
	blob, found, err := ts.backend.GetDispatchTable(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !found {
		return newTable(), nil
	}
	t := newTable()
	if err := json.Unmarshal(blob, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (ts *tableStore) save(ctx context.Context, sid string, t *table) error {
	blob, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return ts.backend.PutDispatchTable(ctx, sid, blob)
}

// snapshot returns a read-only copy of sid's DispatchTable for
// diagnostics (incident.Capture's SnapshotDispatchTable call).
func (ts *tableStore) snapshot(ctx context.Context, sid string) (map[string]map[string]*model.DispatchEntry, error) {
	t, err := ts.load(ctx, sid)
	if err != nil {
		return nil, err
	}
	return t.Entries, nil
}
