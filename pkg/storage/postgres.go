package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/ledgerlink/pkg/types"
	_ "github.com/lib/pq"
)

// Schema creates the tables PostgresStore needs. Every table keeps the full
// record as JSON in data, plus the columns the queries filter on.
const Schema = `
CREATE TABLE IF NOT EXISTS sync_jobs (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	provider        TEXT NOT NULL,
	operation       TEXT NOT NULL,
	status          TEXT NOT NULL,
	next_attempt_at TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	archived_at     TIMESTAMPTZ,
	data            JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS sync_jobs_due ON sync_jobs (status, next_attempt_at) WHERE archived_at IS NULL;
CREATE TABLE IF NOT EXISTS dead_letters (
	job_id         TEXT PRIMARY KEY,
	provider       TEXT NOT NULL,
	operation      TEXT NOT NULL,
	resolved       BOOLEAN NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL,
	data           JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS rate_windows (
	provider TEXT PRIMARY KEY,
	data     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS identities (
	provider TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	data     JSONB NOT NULL,
	PRIMARY KEY (provider, actor_id)
);
CREATE TABLE IF NOT EXISTS drift_records (
	id       TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	status   TEXT NOT NULL,
	data     JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_actions (
	seq  BIGSERIAL PRIMARY KEY,
	data JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS worker_heartbeats (
	worker_id TEXT PRIMARY KEY,
	data      JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);
`

// PostgresStore implements Store using PostgreSQL. Job claims use
// FOR UPDATE SKIP LOCKED so several worker processes can share one queue.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects with the lib/pq driver and applies Schema
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates missing tables
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// querier is satisfied by *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanJSON[T any](row interface{ Scan(...interface{}) error }) (*T, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func collectJSON[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scanJSON[T](rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Job operations

const jobColumns = "id, idempotency_key, provider, operation, status, next_attempt_at, created_at, completed_at, data"

func jobArgs(job *types.SyncJob) ([]interface{}, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		job.ID, job.IdempotencyKey, string(job.Provider), string(job.Operation), string(job.Status),
		job.NextAttemptAt, job.CreatedAt, nullTime(job.CompletedAt), data,
	}, nil
}

func updateJob(ctx context.Context, q querier, job *types.SyncJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		"UPDATE sync_jobs SET status = $2, next_attempt_at = $3, completed_at = $4, data = $5 WHERE id = $1",
		job.ID, string(job.Status), job.NextAttemptAt, nullTime(job.CompletedAt), data)
	return err
}

func (s *PostgresStore) InsertJob(ctx context.Context, job *types.SyncJob) (*types.SyncJob, bool, error) {
	args, err := jobArgs(job)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_jobs ("+jobColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (idempotency_key) DO NOTHING",
		args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	if n == 1 {
		return job, true, nil
	}

	existing, err := s.GetJobByKey(ctx, job.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*types.SyncJob, error) {
	job, err := scanJSON[types.SyncJob](s.db.QueryRowContext(ctx, "SELECT data FROM sync_jobs WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJobByKey(ctx context.Context, key string) (*types.SyncJob, error) {
	job, err := scanJSON[types.SyncJob](s.db.QueryRowContext(ctx, "SELECT data FROM sync_jobs WHERE idempotency_key = $1", key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job with key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MutateJob(ctx context.Context, id string, fn JobMutation) (*types.SyncJob, error) {
	var job *types.SyncJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = scanJSON[types.SyncJob](tx.QueryRowContext(ctx,
			"SELECT data FROM sync_jobs WHERE id = $1 AND archived_at IS NULL FOR UPDATE", id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}

		entry, err := fn(job)
		if err != nil {
			return err
		}
		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		return upsertDeadLetter(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ClaimJobs locks due pending rows, skipping rows another claimer holds, and
// marks them in-flight in the same transaction
func (s *PostgresStore) ClaimJobs(ctx context.Context, now time.Time, max int) ([]*types.SyncJob, error) {
	var claimed []*types.SyncJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT data FROM sync_jobs
			WHERE status = $1 AND next_attempt_at <= $2 AND archived_at IS NULL
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED`,
			string(types.JobStatusPending), now, max)
		if err != nil {
			return err
		}
		jobs, err := collectJSON[types.SyncJob](rows)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			job.Status = types.JobStatusInFlight
			job.StartedAt = now
			job.UpdatedAt = now
			if err := updateJob(ctx, tx, job); err != nil {
				return err
			}
		}
		claimed = jobs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.SyncJob, error) {
	where := []string{"archived_at IS NULL"}
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Provider != "" {
		add("provider = $%d", string(filter.Provider))
	}
	if filter.Operation != "" {
		add("operation = $%d", string(filter.Operation))
	}
	if !filter.CreatedBefore.IsZero() {
		add("created_at < $%d", filter.CreatedBefore)
	}

	query := "SELECT data FROM sync_jobs WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJSON[types.SyncJob](rows)
}

func (s *PostgresStore) CountJobs(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM sync_jobs WHERE archived_at IS NULL GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[types.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// ArchiveJobs flags old succeeded rows as archived. They keep their unique
// idempotency key so archived work is still deduplicated.
func (s *PostgresStore) ArchiveJobs(ctx context.Context, completedBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_jobs SET archived_at = NOW() WHERE status = $1 AND completed_at < $2 AND archived_at IS NULL",
		string(types.JobStatusSucceeded), completedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to archive jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Dead-letter operations

func upsertDeadLetter(ctx context.Context, q querier, entry *types.DeadLetterEntry) error {
	existing, err := scanJSON[types.DeadLetterEntry](q.QueryRowContext(ctx,
		"SELECT data FROM dead_letters WHERE job_id = $1", entry.JobID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	mergeDeadLetter(existing, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO dead_letters (job_id, provider, operation, resolved, last_failed_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (job_id) DO UPDATE SET
			resolved = EXCLUDED.resolved,
			last_failed_at = EXCLUDED.last_failed_at,
			data = EXCLUDED.data`,
		entry.JobID, string(entry.Provider), string(entry.Operation), entry.Resolved, entry.LastFailedAt, data)
	return err
}

func (s *PostgresStore) GetDeadLetter(ctx context.Context, jobID string) (*types.DeadLetterEntry, error) {
	entry, err := scanJSON[types.DeadLetterEntry](s.db.QueryRowContext(ctx,
		"SELECT data FROM dead_letters WHERE job_id = $1", jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dead letter %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*types.DeadLetterEntry, error) {
	var where []string
	var args []interface{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if !filter.IncludeResolved {
		add("resolved = $%d", false)
	}
	if filter.Provider != "" {
		add("provider = $%d", string(filter.Provider))
	}
	if filter.Operation != "" {
		add("operation = $%d", string(filter.Operation))
	}
	if !filter.FailedBefore.IsZero() {
		add("last_failed_at < $%d", filter.FailedBefore)
	}

	query := "SELECT data FROM dead_letters"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_failed_at"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return collectJSON[types.DeadLetterEntry](rows)
}

func (s *PostgresStore) UpdateDeadLetter(ctx context.Context, entry *types.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE dead_letters SET resolved = $2, data = $3 WHERE job_id = $1",
		entry.JobID, entry.Resolved, data)
	if err != nil {
		return fmt.Errorf("failed to update dead letter: %w", err)
	}
	return nil
}

// Rate-limit window operations

func (s *PostgresStore) lockWindow(ctx context.Context, tx *sql.Tx, provider types.Provider) (*types.RateLimitWindow, error) {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO rate_windows (provider, data) VALUES ($1, $2) ON CONFLICT (provider) DO NOTHING",
		string(provider), []byte(`{}`)); err != nil {
		return nil, err
	}
	w, err := scanJSON[types.RateLimitWindow](tx.QueryRowContext(ctx,
		"SELECT data FROM rate_windows WHERE provider = $1 FOR UPDATE", string(provider)))
	if err != nil {
		return nil, err
	}
	w.Provider = provider
	return w, nil
}

func saveWindow(ctx context.Context, tx *sql.Tx, w *types.RateLimitWindow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "UPDATE rate_windows SET data = $2 WHERE provider = $1", string(w.Provider), data)
	return err
}

func (s *PostgresStore) AcquireWindow(ctx context.Context, provider types.Provider, now time.Time, size time.Duration, allowed int) (*types.RateLimitWindow, bool, error) {
	var w *types.RateLimitWindow
	var ok bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if w, err = s.lockWindow(ctx, tx, provider); err != nil {
			return err
		}
		ok = rollWindow(w, now, size, allowed)
		return saveWindow(ctx, tx, w)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire rate window: %w", err)
	}
	return w, ok, nil
}

func (s *PostgresStore) GetWindow(ctx context.Context, provider types.Provider) (*types.RateLimitWindow, error) {
	w, err := scanJSON[types.RateLimitWindow](s.db.QueryRowContext(ctx,
		"SELECT data FROM rate_windows WHERE provider = $1", string(provider)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rate window %s: %w", provider, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate window: %w", err)
	}
	w.Provider = provider
	return w, nil
}

func (s *PostgresStore) SetRetryAfter(ctx context.Context, provider types.Provider, until time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.lockWindow(ctx, tx, provider)
		if err != nil {
			return err
		}
		if until.After(w.RetryAfterUntil) {
			w.RetryAfterUntil = until
		}
		return saveWindow(ctx, tx, w)
	})
}

// Identity operations

func (s *PostgresStore) GetIdentity(ctx context.Context, provider types.Provider, actorID string) (*types.IdentityMapping, error) {
	m, err := scanJSON[types.IdentityMapping](s.db.QueryRowContext(ctx,
		"SELECT data FROM identities WHERE provider = $1 AND actor_id = $2", string(provider), actorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %s/%s: %w", provider, actorID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get identity: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) PutIdentity(ctx context.Context, mapping *types.IdentityMapping) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (provider, actor_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (provider, actor_id) DO UPDATE SET data = EXCLUDED.data`,
		string(mapping.Provider), mapping.ActorID, data)
	if err != nil {
		return fmt.Errorf("failed to put identity: %w", err)
	}
	return nil
}

// Drift operations

func (s *PostgresStore) GetDrift(ctx context.Context, id string) (*types.DriftRecord, error) {
	rec, err := scanJSON[types.DriftRecord](s.db.QueryRowContext(ctx,
		"SELECT data FROM drift_records WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("drift record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get drift record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) PutDrift(ctx context.Context, record *types.DriftRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drift_records (id, provider, status, data) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		record.ID, string(record.Provider), string(record.Status), data)
	if err != nil {
		return fmt.Errorf("failed to put drift record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDrift(ctx context.Context, filter DriftFilter) ([]*types.DriftRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM drift_records
		WHERE ($1 = '' OR status = $1) AND ($2 = '' OR provider = $2)
		ORDER BY id`,
		string(filter.Status), string(filter.Provider))
	if err != nil {
		return nil, fmt.Errorf("failed to list drift records: %w", err)
	}
	return collectJSON[types.DriftRecord](rows)
}

// Agent action operations

func (s *PostgresStore) AppendAction(ctx context.Context, action *types.AgentAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return err
	}
	var seq int64
	err = s.db.QueryRowContext(ctx,
		"INSERT INTO agent_actions (data) VALUES ($1) RETURNING seq", data).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to append action: %w", err)
	}
	action.Seq = uint64(seq)
	return nil
}

// ListActions returns the most recent actions, newest first
func (s *PostgresStore) ListActions(ctx context.Context, limit int) ([]*types.AgentAction, error) {
	query := "SELECT seq, data FROM agent_actions ORDER BY seq DESC"
	var args []interface{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	var actions []*types.AgentAction
	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, err
		}
		var action types.AgentAction
		if err := json.Unmarshal(data, &action); err != nil {
			return nil, err
		}
		action.Seq = uint64(seq)
		actions = append(actions, &action)
	}
	return actions, rows.Err()
}

// Heartbeat operations

func (s *PostgresStore) PutHeartbeat(ctx context.Context, hb *types.WorkerHeartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, data) VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET data = EXCLUDED.data`,
		hb.WorkerID, data)
	if err != nil {
		return fmt.Errorf("failed to put heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListHeartbeats(ctx context.Context) ([]*types.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM worker_heartbeats")
	if err != nil {
		return nil, fmt.Errorf("failed to list heartbeats: %w", err)
	}
	hbs, err := collectJSON[types.WorkerHeartbeat](rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(hbs, func(i, j int) bool { return hbs[i].WorkerID < hbs[j].WorkerID })
	return hbs, nil
}

// Meta operations

func (s *PostgresStore) PutMeta(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to put meta: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = $1", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meta %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meta: %w", err)
	}
	return value, nil
}
