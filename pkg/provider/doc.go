/*
Package provider holds what the adapters share: the failure taxonomy, the
HTTP client and the Adapter contract.

Every failure that leaves this package is an *Error carrying a
types.ErrorKind. Timeouts, connection failures, 408 and 5xx are
transient-network; 429 is transient-rate-limited; 401 and 403 are
permanent-auth; 400, 409, 412 and 422 are permanent-validation; anything
else is permanent-unknown. Provider wait hints (a Retry-After header in
seconds or HTTP-date form, or a retry_after body field) are carried in
Error.RetryAfter so the queue and rate limiter never wait less than the
provider asked.

Concrete adapters live in the accounting, timetracking and pos
subpackages. Adapters resolve actors through the identity map before
building a payload and record the provider's id for the actor after a
successful call.
*/
package provider
