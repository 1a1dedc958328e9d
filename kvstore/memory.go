package kvstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/ridgeline/triagecore/model"
)

type memEntry struct {
	value   string
	expires time.Time // zero means no TTL
}

// MemoryStore is an in-memory Store, used by unit tests and by
// single-process development runs. It implements every Store method.
type MemoryStore struct {
	mu sync.RWMutex

	kv         map[string]memEntry
	scanning   map[string]*model.IngestTask
	duplicates map[string][]*model.IngestTask
	scores     map[string]*model.FileScoreEntry
	submits    map[string]*model.SubmissionRecord
	dispatch   map[string][]byte
	results    map[string]bool
	errors     map[string]bool // true == terminal
	schedules  map[string]WatcherSchedule
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		kv:         make(map[string]memEntry),
		scanning:   make(map[string]*model.IngestTask),
		duplicates: make(map[string][]*model.IngestTask),
		scores:     make(map[string]*model.FileScoreEntry),
		submits:    make(map[string]*model.SubmissionRecord),
		dispatch:   make(map[string][]byte),
		results:    make(map[string]bool),
		errors:     make(map[string]bool),
		schedules:  make(map[string]WatcherSchedule),
	}
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.kv[key] = memEntry{value: value, expires: exp}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return "", false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(s.kv, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *MemoryStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range s.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func cloneTask(t *model.IngestTask) *model.IngestTask {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *MemoryStore) PutScanning(_ context.Context, scanKey string, task *model.IngestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanning[scanKey] = cloneTask(task)
	return nil
}

func (s *MemoryStore) GetScanning(_ context.Context, scanKey string) (*model.IngestTask, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.scanning[scanKey]
	return cloneTask(t), ok, nil
}

func (s *MemoryStore) DeleteScanning(_ context.Context, scanKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scanning, scanKey)
	return nil
}

func (s *MemoryStore) PushDuplicate(_ context.Context, scanKey string, task *model.IngestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicates[scanKey] = append(s.duplicates[scanKey], cloneTask(task))
	return nil
}

func (s *MemoryStore) DrainDuplicates(_ context.Context, scanKey string) ([]*model.IngestTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.duplicates[scanKey]
	delete(s.duplicates, scanKey)
	return snap, nil
}

func (s *MemoryStore) DeleteDuplicates(_ context.Context, scanKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.duplicates, scanKey)
	return nil
}

func (s *MemoryStore) PutScore(_ context.Context, scanKey string, entry *model.FileScoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *entry
	s.scores[scanKey] = &c
	return nil
}

func (s *MemoryStore) GetScore(_ context.Context, scanKey string) (*model.FileScoreEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.scores[scanKey]
	if !ok {
		return nil, false, nil
	}
	c := *e
	return &c, true, nil
}

func (s *MemoryStore) DeleteScore(_ context.Context, scanKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scores, scanKey)
	return nil
}

func (s *MemoryStore) PutSubmission(_ context.Context, rec *model.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.submits[rec.Sid] = &c
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, sid string) (*model.SubmissionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.submits[sid]
	if !ok {
		return nil, false, nil
	}
	c := *r
	return &c, true, nil
}

func (s *MemoryStore) PutDispatchTable(_ context.Context, sid string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	s.dispatch[sid] = cp
	return nil
}

func (s *MemoryStore) GetDispatchTable(_ context.Context, sid string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.dispatch[sid]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true, nil
}

func (s *MemoryStore) DeleteDispatchTable(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dispatch, sid)
	return nil
}

func (s *MemoryStore) PutResult(_ context.Context, resultKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[resultKey] = true
	return nil
}

func (s *MemoryStore) ResultExists(_ context.Context, resultKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[resultKey], nil
}

func (s *MemoryStore) PutError(_ context.Context, errorKey string, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[errorKey] = terminal
	return nil
}

func (s *MemoryStore) GetError(_ context.Context, errorKey string) (bool, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	terminal, ok := s.errors[errorKey]
	return terminal, ok, nil
}

func (s *MemoryStore) PutSchedule(_ context.Context, sched WatcherSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[sched.Key] = sched
	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, key string) (*WatcherSchedule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[key]
	if !ok {
		return nil, false, nil
	}
	c := sc
	return &c, true, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, key)
	return nil
}

func (s *MemoryStore) ScanSchedules(_ context.Context) ([]WatcherSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WatcherSchedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	return out, nil
}

// marshalTask is the package-internal JSON encoding RedisStore uses for
// IngestTask values; MemoryStore does not call it.
func marshalTask(t *model.IngestTask) (string, error) {
	b, err := json.Marshal(t)
	return string(b), err
}
