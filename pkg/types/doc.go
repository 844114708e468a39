/*
Package types defines the core data structures used throughout LedgerLink.

Every other package speaks in these types: the queue stores SyncJobs and
DeadLetterEntries, the rate limiter persists RateLimitWindows, the identity map
keeps IdentityMappings, the drift detector writes DriftRecords and the agent
loop appends AgentActions and CycleReports.

# Core Types

Sync work:
  - SyncJob: one normalized change bound for a provider
  - JobStatus: pending, in-flight, succeeded, dead-lettered
  - DeadLetterEntry: a job that exhausted retries or failed permanently

Provider bookkeeping:
  - RateLimitWindow: per-provider call window and retry-after hint
  - IdentityMapping: (actor, provider) to external id

Auditing:
  - DriftRecord: ledger vs. provider disagreement for one period and metric
  - AgentAction, CycleReport, ProbeResult: agent loop audit trail

# Failure Taxonomy

ErrorKind is shared by adapters, the queue and the agent:

	transient-network        retried with backoff
	transient-rate-limited   retried with backoff (after the provider's hint)
	permanent-validation     dead-lettered immediately
	permanent-auth           dead-lettered immediately and escalated
	permanent-unknown        dead-lettered immediately

All types serialize to JSON; the storage backends persist them as JSON
documents.
*/
package types
