package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/config"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrJobNotFound is returned for an unknown job id
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a job is not in a state that
	// allows the requested change
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrInvalidRequest wraps every enqueue validation failure
	ErrInvalidRequest = errors.New("invalid enqueue request")
)

// EnqueueRequest is what a collaborator submits
type EnqueueRequest struct {
	Operation      types.Operation `json:"operation"`
	Provider       types.Provider  `json:"provider"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ActorID        string          `json:"actor_id,omitempty"`
}

// Validate checks the request before a key is derived or anything is stored
func (r *EnqueueRequest) Validate() error {
	if r.Operation == "" {
		return errors.New("operation is required")
	}
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if len(r.Payload) == 0 || !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

// Queue is the durable sync job queue and dead-letter store. All state lives
// in the store; the queue holds no per-job memory, so several processes can
// share one store.
type Queue struct {
	store  storage.Store
	clock  clock.Clock
	cfg    *config.Config
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a queue. broker may be nil.
func New(store storage.Store, clk clock.Clock, cfg *config.Config, broker *events.Broker) *Queue {
	return &Queue{
		store:  store,
		clock:  clk,
		cfg:    cfg,
		broker: broker,
		logger: log.WithComponent("queue"),
	}
}

// Policy returns the retry schedule configured for a provider
func (q *Queue) Policy(p types.Provider) BackoffPolicy {
	return PolicyFor(q.cfg.Provider(p))
}

// Enqueue stores a new pending job unless a job with the same idempotency key
// exists. An existing pending, in-flight or succeeded job is returned as is
// with created=false. A dead-lettered job is re-armed in place: back to
// pending with a fresh attempt budget and its dead letter resolved.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*types.SyncJob, bool, error) {
	if err := req.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.IdempotencyKey == "" {
		key, err := IdempotencyKey(req)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		req.IdempotencyKey = key
	}

	now := q.clock.Now()
	job := &types.SyncJob{
		ID:             uuid.New().String(),
		Operation:      req.Operation,
		Provider:       req.Provider,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		ActorID:        req.ActorID,
		Status:         types.JobStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return nil, false, err
	}
	metrics.JobsEnqueued.WithLabelValues(string(req.Provider), fmt.Sprint(created)).Inc()

	if created {
		q.logger.Debug().
			Str("job_id", stored.ID).
			Str("operation", string(stored.Operation)).
			Str("provider", string(stored.Provider)).
			Msg("Job enqueued")
		return stored, true, nil
	}

	if stored.Status != types.JobStatusDeadLettered {
		return stored, false, nil
	}

	rearmed, err := q.rearm(ctx, stored.ID)
	if err != nil {
		return nil, false, err
	}
	return rearmed, false, nil
}

func (q *Queue) rearm(ctx context.Context, jobID string) (*types.SyncJob, error) {
	now := q.clock.Now()
	wasDead := false
	job, err := q.store.MutateJob(ctx, jobID, func(job *types.SyncJob) (*types.DeadLetterEntry, error) {
		// Another replayer may have re-armed it first
		if job.Status != types.JobStatusDeadLettered {
			return nil, nil
		}
		wasDead = true
		job.Status = types.JobStatusPending
		job.Attempts = 0
		job.Backoffs = nil
		job.NextAttemptAt = now
		job.CompletedAt = time.Time{}
		job.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return nil, q.wrap(jobID, err)
	}
	if !wasDead {
		return job, nil
	}

	if err := q.resolveDeadLetter(ctx, jobID, types.ResolutionReplayed, "replay", ""); err != nil && !errors.Is(err, ErrJobNotFound) {
		return nil, err
	}
	q.logger.Info().Str("job_id", jobID).Msg("Dead-lettered job re-armed")
	return job, nil
}

// DequeueBatch claims up to max due pending jobs, oldest first, marking them
// in-flight in the same store transaction
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]*types.SyncJob, error) {
	if max <= 0 {
		return nil, nil
	}
	return q.store.ClaimJobs(ctx, q.clock.Now(), max)
}

// Complete acknowledges a delivered job
func (q *Queue) Complete(ctx context.Context, jobID string) (*types.SyncJob, error) {
	now := q.clock.Now()
	job, err := q.store.MutateJob(ctx, jobID, func(job *types.SyncJob) (*types.DeadLetterEntry, error) {
		if job.Status != types.JobStatusInFlight {
			return nil, fmt.Errorf("%w: complete from %s", ErrInvalidTransition, job.Status)
		}
		job.Status = types.JobStatusSucceeded
		job.CompletedAt = now
		job.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return nil, q.wrap(jobID, err)
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Provider), "succeeded").Inc()
	return job, nil
}

// Fail records a delivery failure. Transient failures are rescheduled with
// backoff (never sooner than a provider retry-after hint) until the
// provider's attempt ceiling; permanent failures, and transient ones that
// exhaust the ceiling, move the job to the dead-letter store in the same
// transaction. Nothing is deleted.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) (*types.SyncJob, error) {
	perr := provider.Classify(cause)
	if perr == nil {
		perr = &provider.Error{Kind: types.ErrorPermanentUnknown, Detail: "failure without cause"}
	}
	now := q.clock.Now()

	var dead *types.DeadLetterEntry
	job, err := q.store.MutateJob(ctx, jobID, func(job *types.SyncJob) (*types.DeadLetterEntry, error) {
		if job.Status != types.JobStatusInFlight {
			return nil, fmt.Errorf("%w: fail from %s", ErrInvalidTransition, job.Status)
		}
		dead = nil

		job.Attempts++
		job.LastError = perr.JobError(now)
		job.UpdatedAt = now
		if job.FirstFailedAt.IsZero() {
			job.FirstFailedAt = now
		}

		policy := q.Policy(job.Provider)
		if perr.Kind.Transient() && job.Attempts < policy.MaxAttempts {
			wait := max(policy.Delay(job.IdempotencyKey, job.Attempts-1), perr.RetryAfter)
			job.Backoffs = append(job.Backoffs, wait)
			job.Status = types.JobStatusPending
			job.NextAttemptAt = now.Add(wait)
			return nil, nil
		}

		job.Status = types.JobStatusDeadLettered
		job.CompletedAt = now
		dead = &types.DeadLetterEntry{
			JobID:          job.ID,
			IdempotencyKey: job.IdempotencyKey,
			Provider:       job.Provider,
			Operation:      job.Operation,
			Kind:           perr.Kind,
			Detail:         job.LastError.Detail,
			Attempts:       job.Attempts,
			FirstFailedAt:  job.FirstFailedAt,
			LastFailedAt:   now,
			Escalated:      perr.Kind == types.ErrorPermanentAuth,
		}
		return dead, nil
	})
	if err != nil {
		return nil, q.wrap(jobID, err)
	}

	logger := q.logger.With().
		Str("job_id", job.ID).
		Str("provider", string(job.Provider)).
		Str("kind", string(perr.Kind)).
		Int("attempts", job.Attempts).
		Logger()

	if dead == nil {
		metrics.JobsProcessed.WithLabelValues(string(job.Provider), "retried").Inc()
		logger.Warn().
			Time("next_attempt_at", job.NextAttemptAt).
			Msgf("Job failed, retrying: %s", perr.Detail)
		return job, nil
	}

	metrics.JobsProcessed.WithLabelValues(string(job.Provider), "dead-lettered").Inc()
	q.broker.Publish(&events.Event{
		Type:    events.EventJobDeadLettered,
		Message: dead.Detail,
		Metadata: map[string]string{
			"job_id":   job.ID,
			"provider": string(job.Provider),
			"kind":     string(perr.Kind),
		},
	})

	if dead.Escalated {
		logger.Error().Msgf("Provider rejected credentials, escalating: %s", dead.Detail)
		q.broker.Publish(&events.Event{
			Type:     events.EventAuthEscalation,
			Message:  "credentials rejected by " + string(job.Provider),
			Metadata: map[string]string{"job_id": job.ID, "provider": string(job.Provider)},
		})
	} else {
		logger.Error().Msgf("Job dead-lettered: %s", dead.Detail)
	}
	return job, nil
}

// Defer returns a claimed job to pending without counting an attempt. It is
// how rate-limit backpressure is applied.
func (q *Queue) Defer(ctx context.Context, jobID string, wait time.Duration) (*types.SyncJob, error) {
	now := q.clock.Now()
	job, err := q.store.MutateJob(ctx, jobID, func(job *types.SyncJob) (*types.DeadLetterEntry, error) {
		if job.Status != types.JobStatusInFlight {
			return nil, fmt.Errorf("%w: defer from %s", ErrInvalidTransition, job.Status)
		}
		job.Status = types.JobStatusPending
		job.NextAttemptAt = now.Add(wait)
		job.UpdatedAt = now
		return nil, nil
	})
	if err != nil {
		return nil, q.wrap(jobID, err)
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Provider), "deferred").Inc()
	return job, nil
}

// RequeueStale returns in-flight jobs claimed more than olderThan ago to
// pending. Their worker is presumed dead; the attempt is not counted.
func (q *Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	now := q.clock.Now()
	cutoff := now.Add(-olderThan)

	inflight, err := q.store.ListJobs(ctx, storage.JobFilter{Status: types.JobStatusInFlight})
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight jobs: %w", err)
	}

	requeued := 0
	for _, candidate := range inflight {
		if !candidate.StartedAt.Before(cutoff) {
			continue
		}
		started := candidate.StartedAt
		moved := false
		_, err := q.store.MutateJob(ctx, candidate.ID, func(job *types.SyncJob) (*types.DeadLetterEntry, error) {
			// Skip jobs that finished or were re-claimed since the listing
			if job.Status != types.JobStatusInFlight || !job.StartedAt.Equal(started) {
				return nil, nil
			}
			job.Status = types.JobStatusPending
			job.NextAttemptAt = now
			job.UpdatedAt = now
			moved = true
			return nil, nil
		})
		if err != nil {
			return requeued, q.wrap(candidate.ID, err)
		}
		if moved {
			requeued++
			q.logger.Warn().
				Str("job_id", candidate.ID).
				Time("started_at", started).
				Msg("Requeued stale in-flight job")
		}
	}

	metrics.StaleRequeued.Add(float64(requeued))
	return requeued, nil
}

// Archive moves succeeded jobs older than retention out of the live set.
// Archived jobs still answer idempotency lookups.
func (q *Queue) Archive(ctx context.Context, retention time.Duration) (int, error) {
	n, err := q.store.ArchiveJobs(ctx, q.clock.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info().Int("archived", n).Msg("Archived succeeded jobs")
	}
	return n, nil
}

// Stats summarizes the queue. In-flight jobs started more than staleAfter
// ago are counted as stale.
func (q *Queue) Stats(ctx context.Context, staleAfter time.Duration) (types.QueueStats, error) {
	stats := types.QueueStats{EscalatedOpen: map[types.Provider]int{}}

	counts, err := q.store.CountJobs(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to count jobs: %w", err)
	}
	stats.ByStatus = counts

	oldest, err := q.store.ListJobs(ctx, storage.JobFilter{Status: types.JobStatusPending, Limit: 1})
	if err != nil {
		return stats, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	if len(oldest) > 0 {
		stats.OldestPending = oldest[0].CreatedAt
	}

	if counts[types.JobStatusInFlight] > 0 {
		cutoff := q.clock.Now().Add(-staleAfter)
		inflight, err := q.store.ListJobs(ctx, storage.JobFilter{Status: types.JobStatusInFlight})
		if err != nil {
			return stats, fmt.Errorf("failed to list in-flight jobs: %w", err)
		}
		for _, job := range inflight {
			if job.StartedAt.Before(cutoff) {
				stats.StaleInFlight++
			}
		}
	}

	open, err := q.store.ListDeadLetters(ctx, storage.DeadLetterFilter{})
	if err != nil {
		return stats, fmt.Errorf("failed to list dead letters: %w", err)
	}
	stats.DeadLetterOpen = len(open)
	for _, entry := range open {
		if entry.Escalated {
			stats.EscalatedOpen[entry.Provider]++
		}
	}
	return stats, nil
}

// Get returns a job by id, including archived jobs
func (q *Queue) Get(ctx context.Context, jobID string) (*types.SyncJob, error) {
	job, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, q.wrap(jobID, err)
	}
	return job, nil
}

// List returns live jobs matching filter
func (q *Queue) List(ctx context.Context, filter storage.JobFilter) ([]*types.SyncJob, error) {
	return q.store.ListJobs(ctx, filter)
}

// DeadLetters returns dead-letter entries matching filter
func (q *Queue) DeadLetters(ctx context.Context, filter storage.DeadLetterFilter) ([]*types.DeadLetterEntry, error) {
	return q.store.ListDeadLetters(ctx, filter)
}

// ResolveDeadLetter closes a dead letter without touching its job. The job
// stays dead-lettered so it is never retried automatically.
func (q *Queue) ResolveDeadLetter(ctx context.Context, jobID, by, note string) (*types.DeadLetterEntry, error) {
	if err := q.resolveDeadLetter(ctx, jobID, types.ResolutionManual, by, note); err != nil {
		return nil, err
	}
	entry, err := q.store.GetDeadLetter(ctx, jobID)
	if err != nil {
		return nil, q.wrap(jobID, err)
	}
	q.broker.Publish(&events.Event{
		Type:     events.EventDeadLetterSolved,
		Message:  note,
		Metadata: map[string]string{"job_id": jobID, "by": by, "resolution": string(types.ResolutionManual)},
	})
	return entry, nil
}

func (q *Queue) resolveDeadLetter(ctx context.Context, jobID string, resolution types.Resolution, by, note string) error {
	entry, err := q.store.GetDeadLetter(ctx, jobID)
	if err != nil {
		return q.wrap(jobID, err)
	}
	if entry.Resolved {
		return nil
	}
	entry.Resolved = true
	entry.Resolution = resolution
	entry.ResolvedBy = by
	entry.ResolvedAt = q.clock.Now()
	entry.Note = note
	if err := q.store.UpdateDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("failed to resolve dead letter %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) wrap(jobID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return err
}
