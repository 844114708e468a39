/*
Package queue implements the durable sync job queue and its dead-letter
store.

# Lifecycle

	Enqueue ──► pending ──DequeueBatch──► in-flight ──Complete──► succeeded
	               ▲                          │
	               ├──── Fail (transient) ────┤
	               ├──── Defer ───────────────┤
	               ├──── RequeueStale ────────┤
	               │                          └─ Fail (permanent or
	               │                             attempts exhausted) ──► dead-lettered
	               └──────── Enqueue same key (re-arm) ◄─────────────────┘

Every transition is one store transaction, and the dead-letter entry for a
job is written in the same transaction that marks the job dead-lettered.

# Idempotency

A job is identified by its idempotency key. Callers may supply one; when
they do not, IdempotencyKey derives it from the operation, provider, actor
and the RFC 8785 canonical JSON of the payload. Enqueueing a key that
already exists returns the existing job, including archived ones, and
never creates a second job. The only exception is a dead-lettered job,
which is re-armed in place and its dead letter marked replayed.

# Retry schedule

Transient failures are retried after BackoffPolicy.Delay: the provider's
base delay doubled per previous failure with deterministic ±20% jitter,
capped, and never shorter than a retry-after hint from the provider. The
schedule is derived from the job key so it is reproducible.
*/
package queue
