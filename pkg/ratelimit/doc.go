/*
Package ratelimit enforces each provider's call allowance before a worker
spends a request on it.

Providers configured in fixed mode share a counter per time window. The
counter lives in the engine store by default, or in Redis when several
worker hosts must draw from one allowance. Sliding mode uses an in-process
token bucket from golang.org/x/time/rate that refills calls per window.

A denial is not a failure. The worker defers the job by Decision.Wait
and no attempt is counted. When a provider answers with a retry-after
hint, ObserveRetryAfter stores the deadline and every TryAcquire is denied
until it passes, whatever the local counter says.
*/
package ratelimit
