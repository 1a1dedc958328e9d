package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/observability"
)

// RedisStore implements Store using Redis. It is the default backend —
// like the teacher's store/redis.go, it implements every method so it
// can run standalone without a durable tier behind it.
type RedisStore struct {
	client *redis.Client

	drainSHA string
}

// drainDuplicatesScript atomically snapshots and clears a duplicate
// queue list, mirroring the CRITICAL atomicity note in spec.md §4.1:
// "the drain MUST snapshot the queue before iterating because finalize
// may itself push onto a duplicate queue."
const drainDuplicatesScript = `
local vals = redis.call("lrange", KEYS[1], 0, -1)
redis.call("del", KEYS[1])
return vals
`

// NewRedisStore dials Redis and preloads the drain Lua script, mirroring
// store.NewRedisStore's eager ScriptLoad for its versioned-set script.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, drainDuplicatesScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload drain-duplicates script: " + err.Error())
	}

	return &RedisStore{client: client, drainSHA: sha}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) observeLatency(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	start := time.Now()
	defer s.observeLatency(start)
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	start := time.Now()
	defer s.observeLatency(start)
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) PutScanning(ctx context.Context, scanKey string, task *model.IngestTask) error {
	val, err := marshalTask(task)
	if err != nil {
		return fmt.Errorf("marshal ingest task: %w", err)
	}
	return s.client.Set(ctx, nsScanning+scanKey, val, 0).Err()
}

func (s *RedisStore) GetScanning(ctx context.Context, scanKey string) (*model.IngestTask, bool, error) {
	val, err := s.client.Get(ctx, nsScanning+scanKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t model.IngestTask
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, false, fmt.Errorf("unmarshal ingest task: %w", err)
	}
	return &t, true, nil
}

func (s *RedisStore) DeleteScanning(ctx context.Context, scanKey string) error {
	return s.client.Del(ctx, nsScanning+scanKey).Err()
}

func (s *RedisStore) PushDuplicate(ctx context.Context, scanKey string, task *model.IngestTask) error {
	val, err := marshalTask(task)
	if err != nil {
		return fmt.Errorf("marshal duplicate task: %w", err)
	}
	return s.client.RPush(ctx, nsDuplicate+scanKey, val).Err()
}

func (s *RedisStore) DrainDuplicates(ctx context.Context, scanKey string) ([]*model.IngestTask, error) {
	res, err := s.client.EvalSha(ctx, s.drainSHA, []string{nsDuplicate + scanKey}).Result()
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]*model.IngestTask, 0, len(raw))
	for _, item := range raw {
		str, ok := item.(string)
		if !ok {
			continue
		}
		var t model.IngestTask
		if err := json.Unmarshal([]byte(str), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *RedisStore) DeleteDuplicates(ctx context.Context, scanKey string) error {
	return s.client.Del(ctx, nsDuplicate+scanKey).Err()
}

func (s *RedisStore) PutScore(ctx context.Context, scanKey string, entry *model.FileScoreEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal score entry: %w", err)
	}
	return s.client.Set(ctx, nsScore+scanKey, data, 0).Err()
}

func (s *RedisStore) GetScore(ctx context.Context, scanKey string) (*model.FileScoreEntry, bool, error) {
	data, err := s.client.Get(ctx, nsScore+scanKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e model.FileScoreEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal score entry: %w", err)
	}
	return &e, true, nil
}

func (s *RedisStore) DeleteScore(ctx context.Context, scanKey string) error {
	return s.client.Del(ctx, nsScore+scanKey).Err()
}

func (s *RedisStore) PutSubmission(ctx context.Context, rec *model.SubmissionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal submission record: %w", err)
	}
	return s.client.Set(ctx, nsSubmission+rec.Sid, data, 0).Err()
}

func (s *RedisStore) GetSubmission(ctx context.Context, sid string) (*model.SubmissionRecord, bool, error) {
	data, err := s.client.Get(ctx, nsSubmission+sid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rec model.SubmissionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal submission record: %w", err)
	}
	return &rec, true, nil
}

func (s *RedisStore) PutDispatchTable(ctx context.Context, sid string, blob []byte) error {
	return s.client.Set(ctx, nsDispatch+sid, blob, 0).Err()
}

func (s *RedisStore) GetDispatchTable(ctx context.Context, sid string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, nsDispatch+sid).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) DeleteDispatchTable(ctx context.Context, sid string) error {
	return s.client.Del(ctx, nsDispatch+sid).Err()
}

func (s *RedisStore) PutResult(ctx context.Context, resultKey string) error {
	return s.client.Set(ctx, nsResult+resultKey, "1", 0).Err()
}

func (s *RedisStore) ResultExists(ctx context.Context, resultKey string) (bool, error) {
	n, err := s.client.Exists(ctx, nsResult+resultKey).Result()
	return n > 0, err
}

func (s *RedisStore) PutError(ctx context.Context, errorKey string, terminal bool) error {
	v := "0"
	if terminal {
		v = "1"
	}
	return s.client.Set(ctx, nsError+errorKey, v, 0).Err()
}

func (s *RedisStore) GetError(ctx context.Context, errorKey string) (bool, bool, error) {
	val, err := s.client.Get(ctx, nsError+errorKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return val == "1", true, nil
}

func (s *RedisStore) PutSchedule(ctx context.Context, sched WatcherSchedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("marshal watcher schedule: %w", err)
	}
	return s.client.Set(ctx, nsSchedule+sched.Key, data, 0).Err()
}

func (s *RedisStore) GetSchedule(ctx context.Context, key string) (*WatcherSchedule, bool, error) {
	data, err := s.client.Get(ctx, nsSchedule+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var sc WatcherSchedule
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, false, fmt.Errorf("unmarshal watcher schedule: %w", err)
	}
	return &sc, true, nil
}

func (s *RedisStore) DeleteSchedule(ctx context.Context, key string) error {
	return s.client.Del(ctx, nsSchedule+key).Err()
}

func (s *RedisStore) ScanSchedules(ctx context.Context) ([]WatcherSchedule, error) {
	iter := s.client.Scan(ctx, 0, nsSchedule+"*", 0).Iterator()
	var out []WatcherSchedule
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sc WatcherSchedule
		if err := json.Unmarshal(data, &sc); err == nil {
			out = append(out, sc)
		}
	}
	return out, iter.Err()
}
