/*
Package replay re-submits jobs through the sync queue under their original
idempotency keys.

Two sources are supported. Dead letters are re-armed in place: the job goes
back to pending with a fresh attempt budget and its entry is marked
replayed. History replays re-submit succeeded jobs, which the queue treats
as no-ops, so replaying history never duplicates an effect.

Replays run in batches with a pause between them. Cancellation takes effect
between batches; a batch that has started is always finished. Replays only
enqueue, so delivery is still paced by the workers and the rate limiter.
*/
package replay
