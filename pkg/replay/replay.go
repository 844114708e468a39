package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/events"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/metrics"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// Source selects which jobs a replay draws from
type Source string

const (
	SourceDeadLetter Source = "dead-letter"
	SourceHistory    Source = "history"
)

// Filter selects the jobs to replay. Zero fields match everything.
type Filter struct {
	Source    Source
	Provider  types.Provider
	Operation types.Operation
	MinAge    time.Duration // only jobs that failed (or were created) at least this long ago
	Limit     int

	// Retryable keeps only dead letters whose failure was transient. Permanent
	// and escalated entries are counted in Summary.Held and left for an operator.
	Retryable bool
}

// Summary reports what a replay did
type Summary struct {
	Selected   int       `json:"selected"`
	Held       int       `json:"held,omitempty"`
	Rearmed    int       `json:"rearmed"`
	Created    int       `json:"created"`
	NoOps      int       `json:"no_ops"`
	Batches    int       `json:"batches"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors,omitempty"`
	Cancelled  bool      `json:"cancelled"`
	JobIDs     []string  `json:"job_ids,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Engine re-submits jobs under their original idempotency keys. It only
// enqueues; delivery goes through the workers and the rate limiter.
type Engine struct {
	queue  *queue.Queue
	clock  clock.Clock
	broker *events.Broker
	logger zerolog.Logger
}

// New creates a replay engine. broker may be nil.
func New(q *queue.Queue, clk clock.Clock, broker *events.Broker) *Engine {
	return &Engine{
		queue:  q,
		clock:  clk,
		broker: broker,
		logger: log.WithComponent("replay"),
	}
}

// Replay re-enqueues the selected jobs in batches of batchSize, sleeping
// interBatchDelay between batches. Cancellation is honoured between batches
// only; a batch that has started is finished.
func (e *Engine) Replay(ctx context.Context, filter Filter, batchSize int, interBatchDelay time.Duration) (Summary, error) {
	var summary Summary
	if batchSize < 1 {
		return summary, fmt.Errorf("batch size must be at least 1")
	}

	candidates, held, err := e.selectJobs(ctx, filter)
	if err != nil {
		return summary, err
	}
	summary.Selected = len(candidates)
	summary.Held = held

	for start := 0; start < len(candidates); start += batchSize {
		if start > 0 {
			if err := e.clock.Sleep(ctx, interBatchDelay); err != nil {
				summary.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		end := min(start+batchSize, len(candidates))
		// The batch runs to completion even if ctx is cancelled midway
		batchCtx := context.WithoutCancel(ctx)
		for _, c := range candidates[start:end] {
			e.replayOne(batchCtx, c, &summary)
		}
		summary.Batches++
	}

	summary.FinishedAt = e.clock.Now()
	logger := e.logger.Info()
	if summary.Cancelled {
		logger = e.logger.Warn()
	}
	logger.
		Str("source", string(filter.Source)).
		Int("selected", summary.Selected).
		Int("held", summary.Held).
		Int("rearmed", summary.Rearmed).
		Int("created", summary.Created).
		Int("no_ops", summary.NoOps).
		Int("failed", summary.Failed).
		Bool("cancelled", summary.Cancelled).
		Msg("Replay finished")

	e.broker.Publish(&events.Event{
		Type:    events.EventReplayCompleted,
		Message: fmt.Sprintf("%d re-armed, %d no-op", summary.Rearmed+summary.Created, summary.NoOps),
		Metadata: map[string]string{
			"source":    string(filter.Source),
			"cancelled": fmt.Sprint(summary.Cancelled),
		},
	})

	if summary.Cancelled {
		return summary, ctx.Err()
	}
	return summary, nil
}

// candidate is a job picked for replay and the status it had when picked
type candidate struct {
	req    queue.EnqueueRequest
	status types.JobStatus
}

func (e *Engine) replayOne(ctx context.Context, c candidate, summary *Summary) {
	job, created, err := e.queue.Enqueue(ctx, c.req)
	if err != nil {
		summary.Failed++
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", c.req.IdempotencyKey, err))
		e.logger.Error().Err(err).Str("idempotency_key", c.req.IdempotencyKey).Msg("Replay enqueue failed")
		return
	}

	summary.JobIDs = append(summary.JobIDs, job.ID)
	switch {
	case created:
		summary.Created++
		metrics.ReplayedJobs.WithLabelValues("created").Inc()
	case c.status == types.JobStatusDeadLettered && job.Status == types.JobStatusPending:
		summary.Rearmed++
		metrics.ReplayedJobs.WithLabelValues("rearmed").Inc()
	default:
		summary.NoOps++
		metrics.ReplayedJobs.WithLabelValues("no-op").Inc()
	}
}

// selectJobs turns the filter into enqueue requests carrying the original
// keys. held counts dead letters left out by filter.Retryable.
func (e *Engine) selectJobs(ctx context.Context, filter Filter) (candidates []candidate, held int, err error) {
	now := e.clock.Now()
	var cutoff time.Time
	if filter.MinAge > 0 {
		cutoff = now.Add(-filter.MinAge)
	}

	switch filter.Source {
	case SourceDeadLetter, "":
		listLimit := filter.Limit
		if filter.Retryable {
			// The limit applies after held entries are dropped
			listLimit = 0
		}
		entries, err := e.queue.DeadLetters(ctx, storage.DeadLetterFilter{
			Provider:     filter.Provider,
			Operation:    filter.Operation,
			FailedBefore: cutoff,
			Limit:        listLimit,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list dead letters: %w", err)
		}
		for _, entry := range entries {
			if filter.Retryable && (entry.Escalated || !entry.Kind.Transient()) {
				held++
				continue
			}
			if filter.Limit > 0 && len(candidates) >= filter.Limit {
				break
			}
			job, err := e.queue.Get(ctx, entry.JobID)
			if err != nil {
				if errors.Is(err, queue.ErrJobNotFound) {
					e.logger.Warn().Str("job_id", entry.JobID).Msg("Dead letter without job, skipping")
					continue
				}
				return nil, 0, err
			}
			candidates = append(candidates, candidate{req: requestFor(job), status: job.Status})
		}

	case SourceHistory:
		jobs, err := e.queue.List(ctx, storage.JobFilter{
			Status:        types.JobStatusSucceeded,
			Provider:      filter.Provider,
			Operation:     filter.Operation,
			CreatedBefore: cutoff,
			Limit:         filter.Limit,
		})
		if err != nil {
			return nil, 0, fmt.Errorf("failed to list succeeded jobs: %w", err)
		}
		for _, job := range jobs {
			candidates = append(candidates, candidate{req: requestFor(job), status: job.Status})
		}

	default:
		return nil, 0, fmt.Errorf("unknown replay source %q", filter.Source)
	}
	return candidates, held, nil
}

func requestFor(job *types.SyncJob) queue.EnqueueRequest {
	return queue.EnqueueRequest{
		Operation:      job.Operation,
		Provider:       job.Provider,
		Payload:        job.Payload,
		IdempotencyKey: job.IdempotencyKey,
		ActorID:        job.ActorID,
	}
}

// Resolve closes a dead letter without replaying it
func (e *Engine) Resolve(ctx context.Context, jobID, by, note string) (*types.DeadLetterEntry, error) {
	if by == "" {
		return nil, fmt.Errorf("resolver identity is required")
	}
	return e.queue.ResolveDeadLetter(ctx, jobID, by, note)
}
