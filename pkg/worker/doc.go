/*
Package worker drains the sync queue.

A Pool runs a fixed number of workers. Each one loops:

	┌──────────────┐   nothing due    ┌──────────┐
	│ DequeueBatch │ ───────────────> │ idle     │
	└──────┬───────┘                  └──────────┘
	       │ per claimed job
	┌──────▼───────┐   denied         ┌──────────┐
	│ TryAcquire   │ ───────────────> │ Defer    │  (no attempt counted)
	└──────┬───────┘                  └──────────┘
	┌──────▼───────┐   error          ┌──────────┐
	│ Execute      │ ───────────────> │ Fail     │  (queue decides retry or
	└──────┬───────┘                  └──────────┘   dead letter)
	┌──────▼───────┐
	│ Complete     │
	└──────────────┘

A provider error carrying Retry-After is reported to the limiter before the
job is failed, so other workers stop calling that provider too.

Workers publish a heartbeat after every poll: start time, last-seen time and
jobs processed. The operations agent reads them to spot a stalled pool.

On Stop, a worker finishes the job it is executing and hands any other
claimed jobs back to the queue.

# Usage

	pool, err := worker.NewPool(&worker.Config{
		Queue:     q,
		Registry:  registry,
		Limiter:   limiter,
		Store:     store,
		Count:     cfg.Workers.Count,
		BatchSize: cfg.Workers.BatchSize,
		Idle:      cfg.Workers.Idle,
	})
	if err != nil {
		return err
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer pool.Stop()
*/
package worker
