package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/ledgerlink/pkg/types"
)

// ErrNotFound is returned (wrapped) when a keyed record does not exist
var ErrNotFound = errors.New("not found")

// JobMutation is applied to a job inside a store transaction. Returning a
// non-nil dead-letter entry writes it in the same transaction as the job.
// An error aborts the transaction and leaves the job untouched.
type JobMutation func(job *types.SyncJob) (*types.DeadLetterEntry, error)

// JobFilter selects jobs for listing. Zero fields match everything.
type JobFilter struct {
	Status        types.JobStatus
	Provider      types.Provider
	Operation     types.Operation
	CreatedBefore time.Time
	Limit         int
}

// DeadLetterFilter selects dead-letter entries. Resolved entries are skipped
// unless IncludeResolved is set.
type DeadLetterFilter struct {
	Provider        types.Provider
	Operation       types.Operation
	FailedBefore    time.Time
	IncludeResolved bool
	Limit           int
}

// DriftFilter selects drift records
type DriftFilter struct {
	Status   types.DriftStatus
	Provider types.Provider
}

// Store defines the interface for engine state storage.
// BoltStore backs single-node installs, PostgresStore lets several worker
// processes share one queue.
type Store interface {
	// Jobs
	InsertJob(ctx context.Context, job *types.SyncJob) (*types.SyncJob, bool, error)
	GetJob(ctx context.Context, id string) (*types.SyncJob, error)
	GetJobByKey(ctx context.Context, key string) (*types.SyncJob, error)
	MutateJob(ctx context.Context, id string, fn JobMutation) (*types.SyncJob, error)
	ClaimJobs(ctx context.Context, now time.Time, max int) ([]*types.SyncJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.SyncJob, error)
	CountJobs(ctx context.Context) (map[types.JobStatus]int, error)
	ArchiveJobs(ctx context.Context, completedBefore time.Time) (int, error)

	// Dead letters
	GetDeadLetter(ctx context.Context, jobID string) (*types.DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*types.DeadLetterEntry, error)
	UpdateDeadLetter(ctx context.Context, entry *types.DeadLetterEntry) error

	// Rate-limit windows
	AcquireWindow(ctx context.Context, provider types.Provider, now time.Time, size time.Duration, allowed int) (*types.RateLimitWindow, bool, error)
	GetWindow(ctx context.Context, provider types.Provider) (*types.RateLimitWindow, error)
	SetRetryAfter(ctx context.Context, provider types.Provider, until time.Time) error

	// Identity mappings
	GetIdentity(ctx context.Context, provider types.Provider, actorID string) (*types.IdentityMapping, error)
	PutIdentity(ctx context.Context, mapping *types.IdentityMapping) error

	// Drift records
	GetDrift(ctx context.Context, id string) (*types.DriftRecord, error)
	PutDrift(ctx context.Context, record *types.DriftRecord) error
	ListDrift(ctx context.Context, filter DriftFilter) ([]*types.DriftRecord, error)

	// Agent audit trail
	AppendAction(ctx context.Context, action *types.AgentAction) error
	ListActions(ctx context.Context, limit int) ([]*types.AgentAction, error)

	// Worker heartbeats
	PutHeartbeat(ctx context.Context, hb *types.WorkerHeartbeat) error
	ListHeartbeats(ctx context.Context) ([]*types.WorkerHeartbeat, error)

	// Meta holds small singleton documents such as the last cycle report
	PutMeta(ctx context.Context, key string, value []byte) error
	GetMeta(ctx context.Context, key string) ([]byte, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*BoltStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Open returns the store selected by driver: "bolt" opens path as a data
// directory, "postgres" connects to dsn and applies the schema
func Open(ctx context.Context, driver, path, dsn string) (Store, error) {
	switch driver {
	case "bolt":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return NewBoltStore(path)
	case "postgres":
		return OpenPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// rollWindow advances w to the window containing now and consumes one call
// when capacity remains. Shared by the store backends.
func rollWindow(w *types.RateLimitWindow, now time.Time, size time.Duration, allowed int) bool {
	start := now.Truncate(size)
	if w.WindowStart.IsZero() || !start.Equal(w.WindowStart) {
		w.WindowStart = start
		w.Consumed = 0
	}
	w.Allowed = allowed
	if w.Consumed >= w.Allowed {
		return false
	}
	w.Consumed++
	return true
}

// mergeDeadLetter keeps the first failure time of an earlier entry for the same job
func mergeDeadLetter(existing, entry *types.DeadLetterEntry) {
	if existing != nil && !existing.FirstFailedAt.IsZero() && existing.FirstFailedAt.Before(entry.FirstFailedAt) {
		entry.FirstFailedAt = existing.FirstFailedAt
	}
}

func matchJob(job *types.SyncJob, f JobFilter) bool {
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Provider != "" && job.Provider != f.Provider {
		return false
	}
	if f.Operation != "" && job.Operation != f.Operation {
		return false
	}
	if !f.CreatedBefore.IsZero() && !job.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

func matchDeadLetter(e *types.DeadLetterEntry, f DeadLetterFilter) bool {
	if e.Resolved && !f.IncludeResolved {
		return false
	}
	if f.Provider != "" && e.Provider != f.Provider {
		return false
	}
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if !f.FailedBefore.IsZero() && !e.LastFailedAt.Before(f.FailedBefore) {
		return false
	}
	return true
}
