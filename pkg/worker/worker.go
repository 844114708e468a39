package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/ledgerlink/pkg/clock"
	"github.com/cuemby/ledgerlink/pkg/log"
	"github.com/cuemby/ledgerlink/pkg/provider"
	"github.com/cuemby/ledgerlink/pkg/queue"
	"github.com/cuemby/ledgerlink/pkg/ratelimit"
	"github.com/cuemby/ledgerlink/pkg/storage"
	"github.com/cuemby/ledgerlink/pkg/types"
	"github.com/rs/zerolog"
)

// Limiter gates provider calls
type Limiter interface {
	TryAcquire(ctx context.Context, p types.Provider) (ratelimit.Decision, error)
	ObserveRetryAfter(ctx context.Context, p types.Provider, d time.Duration) error
}

// Pool runs a fixed number of workers draining the sync queue
type Pool struct {
	name      string
	queue     *queue.Queue
	registry  *provider.Registry
	limiter   Limiter
	store     storage.Store
	clock     clock.Clock
	count     int
	batchSize int
	idle      time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Config holds pool configuration
type Config struct {
	Name      string // prefix for worker ids, defaults to the hostname
	Queue     *queue.Queue
	Registry  *provider.Registry
	Limiter   Limiter
	Store     storage.Store // heartbeats; nil disables them
	Clock     clock.Clock
	Count     int
	BatchSize int
	Idle      time.Duration // pause when a poll finds nothing due
}

// NewPool creates a worker pool
func NewPool(cfg *Config) (*Pool, error) {
	if cfg.Queue == nil || cfg.Registry == nil || cfg.Limiter == nil {
		return nil, fmt.Errorf("worker pool requires a queue, a registry and a limiter")
	}

	name := cfg.Name
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		name = host
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}

	return &Pool{
		name:      name,
		queue:     cfg.Queue,
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		store:     cfg.Store,
		clock:     clk,
		count:     max(cfg.Count, 1),
		batchSize: max(cfg.BatchSize, 1),
		idle:      cfg.Idle,
		logger:    log.WithComponent("worker"),
	}, nil
}

// Start launches the workers. They run until Stop is called or ctx ends.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	for i := 0; i < p.count; i++ {
		hb := newHeartbeat(p.store, p.clock, fmt.Sprintf("%s-%d", p.name, i))
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, hb)
		}()
	}

	p.logger.Info().Int("workers", p.count).Int("batch_size", p.batchSize).Msg("Worker pool started")
	return nil
}

// Stop signals the workers and waits for their current batches to settle
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("Worker pool stopped")
}

func (p *Pool) run(ctx context.Context, hb *heartbeat) {
	logger := p.logger.With().Str("worker_id", hb.id).Logger()
	hb.beat(ctx)

	for ctx.Err() == nil {
		n, settled, err := p.runBatch(ctx)
		hb.processed(n)
		hb.beat(ctx)

		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Worker poll failed")
		}
		if settled > 0 && err == nil {
			continue
		}
		if err := p.clock.Sleep(ctx, p.idle); err != nil {
			return
		}
	}
}

// RunOnce claims one batch of due jobs and processes it, returning how many
// jobs were handled. If ctx ends partway through, the unprocessed claims are
// handed back to the queue.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	handled, _, err := p.runBatch(ctx)
	return handled, err
}

// runBatch also reports how many jobs reached a terminal or retry decision.
// Deferred jobs are handled but not settled.
func (p *Pool) runBatch(ctx context.Context) (handled, settled int, err error) {
	jobs, err := p.queue.DequeueBatch(ctx, p.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to dequeue: %w", err)
	}

	// Settle claimed jobs even when the caller is shutting down
	settle := context.WithoutCancel(ctx)
	for i, job := range jobs {
		if ctx.Err() != nil {
			p.release(settle, jobs[i:])
			break
		}
		if p.process(ctx, settle, job) {
			settled++
		}
		handled++
	}
	return handled, settled, nil
}

// Drain processes batches until a batch settles nothing, for one-shot runs.
// A batch that only defers jobs ends the drain, so a limiter that keeps
// failing cannot hold it in a loop.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, settled, err := p.runBatch(ctx)
		total += n
		if err != nil || settled == 0 || ctx.Err() != nil {
			return total, err
		}
	}
}

// process reports whether the job was settled rather than deferred
func (p *Pool) process(ctx, settle context.Context, job *types.SyncJob) bool {
	logger := p.logger.With().
		Str("job_id", job.ID).
		Str("operation", string(job.Operation)).
		Str("provider", string(job.Provider)).
		Logger()

	decision, err := p.limiter.TryAcquire(ctx, job.Provider)
	if err != nil {
		logger.Warn().Err(err).Msg("Rate limiter unavailable, deferring job")
		p.deferJob(settle, job, p.idle, logger)
		return false
	}
	if !decision.Allowed {
		logger.Debug().Dur("wait", decision.Wait).Msg("Rate limited, deferring job")
		p.deferJob(settle, job, decision.Wait, logger)
		return false
	}

	adapter, err := p.registry.Get(job.Provider)
	if err != nil {
		p.fail(settle, job, provider.Validation("%v", err), logger)
		return true
	}

	result, err := adapter.Execute(ctx, job)
	if err != nil {
		var perr *provider.Error
		if errors.As(err, &perr) && perr.RetryAfter > 0 {
			if err := p.limiter.ObserveRetryAfter(settle, job.Provider, perr.RetryAfter); err != nil {
				logger.Warn().Err(err).Msg("Failed to record retry-after")
			}
		}
		p.fail(settle, job, err, logger)
		return true
	}

	if _, err := p.queue.Complete(settle, job.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job succeeded")
		return true
	}
	logger.Info().Str("external_id", result.ExternalID).Msg("Job synced")
	return true
}

func (p *Pool) fail(ctx context.Context, job *types.SyncJob, cause error, logger zerolog.Logger) {
	failed, err := p.queue.Fail(ctx, job.ID, cause)
	if err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("Failed to record job failure")
		return
	}
	if failed.Status == types.JobStatusPending {
		logger.Warn().Err(cause).
			Int("attempts", failed.Attempts).
			Time("next_attempt_at", failed.NextAttemptAt).
			Msg("Job failed, will retry")
	}
}

func (p *Pool) deferJob(ctx context.Context, job *types.SyncJob, wait time.Duration, logger zerolog.Logger) {
	if _, err := p.queue.Defer(ctx, job.ID, wait); err != nil {
		logger.Error().Err(err).Msg("Failed to defer job")
	}
}

// release hands claimed but unprocessed jobs back without counting an attempt
func (p *Pool) release(ctx context.Context, jobs []*types.SyncJob) {
	for _, job := range jobs {
		if _, err := p.queue.Defer(ctx, job.ID, 0); err != nil {
			p.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to release claimed job")
		}
	}
	p.logger.Info().Int("jobs", len(jobs)).Msg("Released claimed jobs on shutdown")
}
