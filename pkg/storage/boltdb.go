package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/ledgerlink/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketJobs        = []byte("jobs")
	bucketJobKeys     = []byte("job_keys") // idempotency key -> job id
	bucketArchive     = []byte("archive")
	bucketDeadLetters = []byte("dead_letters")
	bucketWindows     = []byte("rate_windows")
	bucketIdentities  = []byte("identities")
	bucketDrift       = []byte("drift")
	bucketActions     = []byte("actions")
	bucketHeartbeats  = []byte("heartbeats")
	bucketMeta        = []byte("meta")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "ledgerlink.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketJobKeys,
			bucketArchive,
			bucketDeadLetters,
			bucketWindows,
			bucketIdentities,
			bucketDrift,
			bucketActions,
			bucketHeartbeats,
			bucketMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is open and readable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs) == nil {
			return fmt.Errorf("bucket %s missing", bucketJobs)
		}
		return nil
	})
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Job operations

func (s *BoltStore) InsertJob(ctx context.Context, job *types.SyncJob) (*types.SyncJob, bool, error) {
	var existing *types.SyncJob
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketJobKeys)
		if id := keys.Get([]byte(job.IdempotencyKey)); id != nil {
			found, err := loadJob(tx, string(id))
			if err != nil {
				return err
			}
			existing = found
			return nil
		}
		if err := putJSON(tx.Bucket(bucketJobs), []byte(job.ID), job); err != nil {
			return err
		}
		return keys.Put([]byte(job.IdempotencyKey), []byte(job.ID))
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert job: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}
	return job, true, nil
}

// loadJob reads a job from the live bucket, falling back to the archive
func loadJob(tx *bolt.Tx, id string) (*types.SyncJob, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		data = tx.Bucket(bucketArchive).Get([]byte(id))
	}
	if data == nil {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	var job types.SyncJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) GetJob(ctx context.Context, id string) (*types.SyncJob, error) {
	var job *types.SyncJob
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = loadJob(tx, id)
		return err
	})
	return job, err
}

func (s *BoltStore) GetJobByKey(ctx context.Context, key string) (*types.SyncJob, error) {
	var job *types.SyncJob
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketJobKeys).Get([]byte(key))
		if id == nil {
			return fmt.Errorf("job with key %s: %w", key, ErrNotFound)
		}
		var err error
		job, err = loadJob(tx, string(id))
		return err
	})
	return job, err
}

func (s *BoltStore) MutateJob(ctx context.Context, id string, fn JobMutation) (*types.SyncJob, error) {
	var job types.SyncJob
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		entry, err := fn(&job)
		if err != nil {
			return err
		}
		if err := putJSON(b, []byte(id), &job); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		dl := tx.Bucket(bucketDeadLetters)
		if prev := dl.Get([]byte(entry.JobID)); prev != nil {
			var existing types.DeadLetterEntry
			if err := json.Unmarshal(prev, &existing); err != nil {
				return err
			}
			mergeDeadLetter(&existing, entry)
		}
		return putJSON(dl, []byte(entry.JobID), entry)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimJobs marks up to max due pending jobs in-flight, oldest first, in one
// write transaction. bbolt serializes writers so two claimers never see the
// same pending job.
func (s *BoltStore) ClaimJobs(ctx context.Context, now time.Time, max int) ([]*types.SyncJob, error) {
	var claimed []*types.SyncJob
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)

		var due []*types.SyncJob
		err := b.ForEach(func(k, v []byte) error {
			var job types.SyncJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusPending && !job.NextAttemptAt.After(now) {
				due = append(due, &job)
			}
			return nil
		})
		if err != nil {
			return err
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		})
		if len(due) > max {
			due = due[:max]
		}

		for _, job := range due {
			job.Status = types.JobStatusInFlight
			job.StartedAt = now
			job.UpdatedAt = now
			if err := putJSON(b, []byte(job.ID), job); err != nil {
				return err
			}
		}
		claimed = due
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return claimed, nil
}

func (s *BoltStore) ListJobs(ctx context.Context, filter JobFilter) ([]*types.SyncJob, error) {
	var jobs []*types.SyncJob
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.SyncJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if matchJob(&job, filter) {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *BoltStore) CountJobs(ctx context.Context) (map[types.JobStatus]int, error) {
	counts := make(map[types.JobStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job struct {
				Status types.JobStatus `json:"status"`
			}
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			counts[job.Status]++
			return nil
		})
	})
	return counts, err
}

// ArchiveJobs moves succeeded jobs completed before the cutoff into the
// archive bucket. The idempotency index keeps pointing at them.
func (s *BoltStore) ArchiveJobs(ctx context.Context, completedBefore time.Time) (int, error) {
	moved := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		archive := tx.Bucket(bucketArchive)

		var ids [][]byte
		err := jobs.ForEach(func(k, v []byte) error {
			var job types.SyncJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == types.JobStatusSucceeded && job.CompletedAt.Before(completedBefore) {
				if err := archive.Put(append([]byte(nil), k...), append([]byte(nil), v...)); err != nil {
					return err
				}
				ids = append(ids, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Deleting inside ForEach is not allowed
		for _, id := range ids {
			if err := jobs.Delete(id); err != nil {
				return err
			}
		}
		moved = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to archive jobs: %w", err)
	}
	return moved, nil
}

// Dead-letter operations

func (s *BoltStore) GetDeadLetter(ctx context.Context, jobID string) (*types.DeadLetterEntry, error) {
	var entry types.DeadLetterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDeadLetters).Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("dead letter %s: %w", jobID, ErrNotFound)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*types.DeadLetterEntry, error) {
	var entries []*types.DeadLetterEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			var entry types.DeadLetterEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if matchDeadLetter(&entry, filter) {
				entries = append(entries, &entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastFailedAt.Before(entries[j].LastFailedAt)
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *BoltStore) UpdateDeadLetter(ctx context.Context, entry *types.DeadLetterEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDeadLetters), []byte(entry.JobID), entry)
	})
}

// Rate-limit window operations

func (s *BoltStore) AcquireWindow(ctx context.Context, provider types.Provider, now time.Time, size time.Duration, allowed int) (*types.RateLimitWindow, bool, error) {
	var w types.RateLimitWindow
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWindows)
		if data := b.Get([]byte(provider)); data != nil {
			if err := json.Unmarshal(data, &w); err != nil {
				return err
			}
		}
		w.Provider = provider
		ok = rollWindow(&w, now, size, allowed)
		return putJSON(b, []byte(provider), &w)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire rate window: %w", err)
	}
	return &w, ok, nil
}

func (s *BoltStore) GetWindow(ctx context.Context, provider types.Provider) (*types.RateLimitWindow, error) {
	var w types.RateLimitWindow
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWindows).Get([]byte(provider))
		if data == nil {
			return fmt.Errorf("rate window %s: %w", provider, ErrNotFound)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SetRetryAfter records a provider retry-after deadline. An earlier deadline
// never shortens one already recorded.
func (s *BoltStore) SetRetryAfter(ctx context.Context, provider types.Provider, until time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWindows)
		var w types.RateLimitWindow
		if data := b.Get([]byte(provider)); data != nil {
			if err := json.Unmarshal(data, &w); err != nil {
				return err
			}
		}
		w.Provider = provider
		if until.After(w.RetryAfterUntil) {
			w.RetryAfterUntil = until
		}
		return putJSON(b, []byte(provider), &w)
	})
}

// Identity operations

func identityKey(provider types.Provider, actorID string) []byte {
	return []byte(string(provider) + "/" + actorID)
}

func (s *BoltStore) GetIdentity(ctx context.Context, provider types.Provider, actorID string) (*types.IdentityMapping, error) {
	var m types.IdentityMapping
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentities).Get(identityKey(provider, actorID))
		if data == nil {
			return fmt.Errorf("identity %s/%s: %w", provider, actorID, ErrNotFound)
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) PutIdentity(ctx context.Context, mapping *types.IdentityMapping) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketIdentities), identityKey(mapping.Provider, mapping.ActorID), mapping)
	})
}

// Drift operations

func (s *BoltStore) GetDrift(ctx context.Context, id string) (*types.DriftRecord, error) {
	var rec types.DriftRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDrift).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("drift record %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) PutDrift(ctx context.Context, record *types.DriftRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDrift), []byte(record.ID), record)
	})
}

func (s *BoltStore) ListDrift(ctx context.Context, filter DriftFilter) ([]*types.DriftRecord, error) {
	var records []*types.DriftRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDrift).ForEach(func(k, v []byte) error {
			var rec types.DriftRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if filter.Status != "" && rec.Status != filter.Status {
				return nil
			}
			if filter.Provider != "" && rec.Provider != filter.Provider {
				return nil
			}
			records = append(records, &rec)
			return nil
		})
	})
	return records, err
}

// Agent action operations

func (s *BoltStore) AppendAction(ctx context.Context, action *types.AgentAction) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketActions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		action.Seq = seq
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return putJSON(b, key, action)
	})
}

// ListActions returns the most recent actions, newest first
func (s *BoltStore) ListActions(ctx context.Context, limit int) ([]*types.AgentAction, error) {
	var actions []*types.AgentAction
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketActions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(actions) >= limit {
				break
			}
			var action types.AgentAction
			if err := json.Unmarshal(v, &action); err != nil {
				return err
			}
			actions = append(actions, &action)
		}
		return nil
	})
	return actions, err
}

// Heartbeat operations

func (s *BoltStore) PutHeartbeat(ctx context.Context, hb *types.WorkerHeartbeat) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHeartbeats), []byte(hb.WorkerID), hb)
	})
}

func (s *BoltStore) ListHeartbeats(ctx context.Context) ([]*types.WorkerHeartbeat, error) {
	var hbs []*types.WorkerHeartbeat
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeartbeats).ForEach(func(k, v []byte) error {
			var hb types.WorkerHeartbeat
			if err := json.Unmarshal(v, &hb); err != nil {
				return err
			}
			hbs = append(hbs, &hb)
			return nil
		})
	})
	return hbs, err
}

// Meta operations

func (s *BoltStore) PutMeta(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

func (s *BoltStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("meta %s: %w", key, ErrNotFound)
		}
		// Bolt values are only valid for the life of the transaction
		value = append([]byte(nil), data...)
		return nil
	})
	return value, err
}
