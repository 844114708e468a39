/*
Package storage persists LedgerLink's engine state.

Two implementations satisfy the Store interface:

  - BoltStore keeps everything in a single bbolt file (<dataDir>/ledgerlink.db)
    for single-node installs. Each record type lives in its own bucket and is
    stored as JSON, keyed by its natural id.
  - PostgresStore uses lib/pq and lets several worker processes share one
    queue. Rows carry the full record as JSONB alongside the columns queries
    filter on.

# Buckets and tables

	jobs / sync_jobs              job id            SyncJob
	job_keys                      idempotency key   job id (bolt only, postgres uses a UNIQUE column)
	archive                       job id            archived SyncJob (postgres: archived_at column)
	dead_letters                  job id            DeadLetterEntry
	rate_windows                  provider          RateLimitWindow
	identities                    provider/actor    IdentityMapping
	drift / drift_records         provider/metric/period  DriftRecord
	actions / agent_actions       sequence          AgentAction (append-only)
	heartbeats                    worker id         WorkerHeartbeat
	meta                          name              small singleton documents

# Transactions

Operations that must be atomic are expressed as single store calls rather
than read-modify-write sequences in callers:

  - InsertJob inserts or returns the existing job for an idempotency key.
  - ClaimJobs selects due pending jobs and marks them in-flight. bbolt runs
    it in one write transaction; Postgres uses FOR UPDATE SKIP LOCKED.
  - MutateJob applies a JobMutation to a locked job and, when the mutation
    returns a DeadLetterEntry, writes it in the same transaction.
  - AcquireWindow rolls and increments a fixed rate-limit window.

Missing records are reported with errors wrapping ErrNotFound:

	job, err := store.GetJob(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		// unknown job
	}
*/
package storage
