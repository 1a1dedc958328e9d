package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ridgeline/triagecore/model"
)

// PostgresStore implements the durable subset of Store: the
// FileScoreEntry cache and the SubmissionRecord store, the two records
// spec.md §6 calls out as needing to survive a Redis flush. Everything
// else on the interface is ephemeral pipeline-internal state that
// belongs on the fast tier only, so those methods return an explicit
// "not implemented" error rather than pretending to persist it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool against connString, mirroring the
// teacher's store.NewPostgresStore pool-sizing defaults.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

var errNotPersisted = errors.New("kvstore: this record type is not persisted to postgres, use the redis tier")

func (s *PostgresStore) Set(context.Context, string, string, time.Duration) error { return errNotPersisted }
func (s *PostgresStore) Get(context.Context, string) (string, bool, error)        { return "", false, errNotPersisted }
func (s *PostgresStore) Delete(context.Context, string) error                     { return errNotPersisted }
func (s *PostgresStore) Exists(context.Context, string) (bool, error)             { return false, errNotPersisted }
func (s *PostgresStore) ScanKeys(context.Context, string) ([]string, error)        { return nil, errNotPersisted }

func (s *PostgresStore) PutScanning(context.Context, string, *model.IngestTask) error { return errNotPersisted }
func (s *PostgresStore) GetScanning(context.Context, string) (*model.IngestTask, bool, error) {
	return nil, false, errNotPersisted
}
func (s *PostgresStore) DeleteScanning(context.Context, string) error { return errNotPersisted }

func (s *PostgresStore) PushDuplicate(context.Context, string, *model.IngestTask) error {
	return errNotPersisted
}
func (s *PostgresStore) DrainDuplicates(context.Context, string) ([]*model.IngestTask, error) {
	return nil, errNotPersisted
}
func (s *PostgresStore) DeleteDuplicates(context.Context, string) error { return errNotPersisted }

func (s *PostgresStore) PutDispatchTable(context.Context, string, []byte) error { return errNotPersisted }
func (s *PostgresStore) GetDispatchTable(context.Context, string) ([]byte, bool, error) {
	return nil, false, errNotPersisted
}
func (s *PostgresStore) DeleteDispatchTable(context.Context, string) error { return errNotPersisted }

func (s *PostgresStore) PutResult(context.Context, string) error          { return errNotPersisted }
func (s *PostgresStore) ResultExists(context.Context, string) (bool, error) {
	return false, errNotPersisted
}
func (s *PostgresStore) PutError(context.Context, string, bool) error { return errNotPersisted }
func (s *PostgresStore) GetError(context.Context, string) (bool, bool, error) {
	return false, false, errNotPersisted
}

func (s *PostgresStore) PutSchedule(context.Context, WatcherSchedule) error { return errNotPersisted }
func (s *PostgresStore) GetSchedule(context.Context, string) (*WatcherSchedule, bool, error) {
	return nil, false, errNotPersisted
}
func (s *PostgresStore) DeleteSchedule(context.Context, string) error { return errNotPersisted }
func (s *PostgresStore) ScanSchedules(context.Context) ([]WatcherSchedule, error) {
	return nil, errNotPersisted
}

// --- FileScoreEntry cache ---

func (s *PostgresStore) PutScore(ctx context.Context, scanKey string, entry *model.FileScoreEntry) error {
	query := `
		INSERT INTO file_score_entries (scan_key, score, sid, psid, error_count, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scan_key) DO UPDATE SET
			score = EXCLUDED.score,
			sid = EXCLUDED.sid,
			psid = EXCLUDED.psid,
			error_count = EXCLUDED.error_count,
			recorded_at = EXCLUDED.recorded_at
	`
	_, err := s.pool.Exec(ctx, query, scanKey, entry.Score, entry.Sid, entry.PSid, entry.ErrorCount, entry.Time)
	return err
}

func (s *PostgresStore) GetScore(ctx context.Context, scanKey string) (*model.FileScoreEntry, bool, error) {
	query := `SELECT scan_key, score, sid, psid, error_count, recorded_at FROM file_score_entries WHERE scan_key = $1`
	var e model.FileScoreEntry
	err := s.pool.QueryRow(ctx, query, scanKey).Scan(&e.ScanKey, &e.Score, &e.Sid, &e.PSid, &e.ErrorCount, &e.Time)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (s *PostgresStore) DeleteScore(ctx context.Context, scanKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM file_score_entries WHERE scan_key = $1`, scanKey)
	return err
}

// IncrementDurableEpoch hands out a monotonic fencing token for
// resourceID, surviving a Redis flush — the Watcher's leader election
// uses this so a fencing epoch can never rewind even if the fast tier
// loses its lock state entirely.
func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM leader_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}

// --- SubmissionRecord store ---

func (s *PostgresStore) PutSubmission(ctx context.Context, rec *model.SubmissionRecord) error {
	params, err := json.Marshal(rec.Params)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return err
	}
	resultKeys, err := json.Marshal(rec.ResultKeys)
	if err != nil {
		return err
	}
	errorKeys, err := json.Marshal(rec.ErrorKeys)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO submission_records
			(sid, scan_key, root_sha256, params, metadata, files, result_keys, error_keys, state,
			 notification_queue, notification_threshold, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sid) DO UPDATE SET
			result_keys = EXCLUDED.result_keys,
			error_keys = EXCLUDED.error_keys,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.pool.Exec(ctx, query,
		rec.Sid, rec.ScanKey, rec.RootSha256, params, metadata, files, resultKeys, errorKeys, rec.State,
		rec.NotificationQueue, rec.NotificationThreshold, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetSubmission(ctx context.Context, sid string) (*model.SubmissionRecord, bool, error) {
	query := `
		SELECT sid, scan_key, root_sha256, params, metadata, files, result_keys, error_keys, state,
		       notification_queue, notification_threshold, created_at, updated_at
		FROM submission_records WHERE sid = $1
	`
	var rec model.SubmissionRecord
	var params, metadata, files, resultKeys, errorKeys []byte
	err := s.pool.QueryRow(ctx, query, sid).Scan(
		&rec.Sid, &rec.ScanKey, &rec.RootSha256, &params, &metadata, &files, &resultKeys, &errorKeys, &rec.State,
		&rec.NotificationQueue, &rec.NotificationThreshold, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	if err := json.Unmarshal(params, &rec.Params); err != nil {
		return nil, false, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, false, err
		}
	}
	if err := json.Unmarshal(files, &rec.Files); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(resultKeys, &rec.ResultKeys); err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(errorKeys, &rec.ErrorKeys); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}
