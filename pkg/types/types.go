package types

import (
	"encoding/json"
	"time"
)

// Provider names an external system of record
type Provider string

const (
	ProviderAccounting   Provider = "accounting"   // payroll / accounting
	ProviderTimeTracking Provider = "timetracking" // time and attendance
	ProviderPOS          Provider = "pos"          // point-of-sale / inventory
)

// Operation is a normalized change that can be propagated to a provider
type Operation string

const (
	OpCreatePayComponent Operation = "create-pay-component"
	OpCreatePayRun       Operation = "create-pay-run"
	OpMarkSent           Operation = "mark-sent"
	OpSubmitTimesheet    Operation = "submit-timesheet"
	OpSyncConsignment    Operation = "sync-consignment"
	OpUpdateStock        Operation = "update-stock"
)

// JobStatus represents the lifecycle state of a sync job
type JobStatus string

const (
	JobStatusPending      JobStatus = "pending"
	JobStatusInFlight     JobStatus = "in-flight"
	JobStatusSucceeded    JobStatus = "succeeded"
	JobStatusDeadLettered JobStatus = "dead-lettered"
)

// ErrorKind is the shared failure taxonomy used by adapters, the queue and the agent
type ErrorKind string

const (
	ErrorTransientNetwork     ErrorKind = "transient-network"
	ErrorTransientRateLimited ErrorKind = "transient-rate-limited"
	ErrorPermanentValidation  ErrorKind = "permanent-validation"
	ErrorPermanentAuth        ErrorKind = "permanent-auth"
	ErrorPermanentUnknown     ErrorKind = "permanent-unknown"
)

// Transient reports whether a failure of this kind may succeed on retry
func (k ErrorKind) Transient() bool {
	return k == ErrorTransientNetwork || k == ErrorTransientRateLimited
}

// JobError is the last failure recorded against a job
type JobError struct {
	Kind   ErrorKind `json:"kind"`
	Status int       `json:"status,omitempty"` // HTTP status, 0 when no response was received
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// SyncJob is one normalized change to propagate to a provider
type SyncJob struct {
	ID             string          `json:"id"`
	Operation      Operation       `json:"operation"`
	Provider       Provider        `json:"provider"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	ActorID        string          `json:"actor_id,omitempty"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	Status         JobStatus       `json:"status"`
	LastError      *JobError       `json:"last_error,omitempty"`
	FirstFailedAt  time.Time       `json:"first_failed_at,omitzero"`
	Backoffs       []time.Duration `json:"backoffs,omitempty"` // delays scheduled after each transient failure
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	StartedAt      time.Time       `json:"started_at,omitzero"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
}

// Settled reports whether the job will not be picked up again without intervention
func (j *SyncJob) Settled() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusDeadLettered
}

// Resolution describes how a dead letter was cleared
type Resolution string

const (
	ResolutionReplayed Resolution = "replayed"
	ResolutionManual   Resolution = "manual"
)

// DeadLetterEntry records a job that will not be retried automatically
type DeadLetterEntry struct {
	JobID          string     `json:"job_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Provider       Provider   `json:"provider"`
	Operation      Operation  `json:"operation"`
	Kind           ErrorKind  `json:"kind"`
	Detail         string     `json:"detail"`
	Attempts       int        `json:"attempts"`
	FirstFailedAt  time.Time  `json:"first_failed_at"`
	LastFailedAt   time.Time  `json:"last_failed_at"`
	Escalated      bool       `json:"escalated"` // credentials problem, every call to the provider will fail
	Resolved       bool       `json:"resolved"`
	Resolution     Resolution `json:"resolution,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time  `json:"resolved_at,omitzero"`
	Note           string     `json:"note,omitempty"`
}

// RateLimitWindow is the persisted fixed-window counter for one provider
type RateLimitWindow struct {
	Provider        Provider  `json:"provider"`
	WindowStart     time.Time `json:"window_start"`
	Consumed        int       `json:"consumed"`
	Allowed         int       `json:"allowed"`
	RetryAfterUntil time.Time `json:"retry_after_until,omitzero"`
}

// SupersededID is an external id that was replaced by a newer one
type SupersededID struct {
	ExternalID string    `json:"external_id"`
	ReplacedAt time.Time `json:"replaced_at"`
}

// IdentityMapping links an internal actor to a provider's id for that actor
type IdentityMapping struct {
	ActorID    string         `json:"actor_id"`
	Provider   Provider       `json:"provider"`
	ExternalID string         `json:"external_id"`
	VerifiedAt time.Time      `json:"verified_at"`
	Superseded []SupersededID `json:"superseded,omitempty"`
}

// Metric identifies what quantity a drift audit compares
type Metric string

const (
	MetricPayCents   Metric = "pay-cents"
	MetricHours      Metric = "hours"
	MetricStockUnits Metric = "stock-units"
)

// DriftStatus is the lifecycle state of a drift record
type DriftStatus string

const (
	DriftOpen   DriftStatus = "open"
	DriftClosed DriftStatus = "closed"
)

// DriftSeverity grades a delta against its tolerance
type DriftSeverity string

const (
	SeverityNone     DriftSeverity = "none"
	SeverityMinor    DriftSeverity = "minor"
	SeverityMajor    DriftSeverity = "major"
	SeverityCritical DriftSeverity = "critical"
)

// DriftRecord is a detected disagreement between the ledger and a provider
type DriftRecord struct {
	ID              string        `json:"id"`
	Provider        Provider      `json:"provider"`
	Metric          Metric        `json:"metric"`
	PeriodKey       string        `json:"period_key"`
	Internal        float64       `json:"internal"`
	Reported        float64       `json:"reported"`
	Delta           float64       `json:"delta"`
	Tolerance       float64       `json:"tolerance"`
	Severity        DriftSeverity `json:"severity"`
	Status          DriftStatus   `json:"status"`
	DetectedAt      time.Time     `json:"detected_at"`
	LastCheckedAt   time.Time     `json:"last_checked_at"`
	ClosedAt        time.Time     `json:"closed_at,omitzero"`
	ClosedReason    string        `json:"closed_reason,omitempty"`
	ClosedBy        string        `json:"closed_by,omitempty"`
	CorrectionJobID string        `json:"correction_job_id,omitempty"`
}

// DriftID builds the stable key of a drift record
func DriftID(provider Provider, metric Metric, periodKey string) string {
	return string(provider) + "/" + string(metric) + "/" + periodKey
}

// ActionName names something the agent loop can do
type ActionName string

const (
	ActionHeal      ActionName = "heal"
	ActionSync      ActionName = "sync"
	ActionReconcile ActionName = "reconcile"
	ActionAlert     ActionName = "alert"
)

// Outcome is the result of one agent action
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// AgentAction is one append-only audit entry written by the agent loop
type AgentAction struct {
	Seq       uint64                 `json:"seq"`
	Cycle     string                 `json:"cycle"`
	Timestamp time.Time              `json:"timestamp"`
	Action    ActionName             `json:"action"`
	Signal    map[string]ProbeResult `json:"signal"`
	Outcome   Outcome                `json:"outcome"`
	Detail    string                 `json:"detail,omitempty"`
}

// ProbeStatus is the result classification of one health probe
type ProbeStatus string

const (
	ProbeHealthy       ProbeStatus = "healthy"
	ProbeDegraded      ProbeStatus = "degraded"
	ProbeError         ProbeStatus = "error"
	ProbeNotConfigured ProbeStatus = "not-configured"
)

// ProbeResult is what a single probe observed
type ProbeResult struct {
	Status   ProbeStatus   `json:"status"`
	Message  string        `json:"message,omitempty"`
	Value    float64       `json:"value"` // primary numeric signal (count, ratio, magnitude)
	Duration time.Duration `json:"duration"`
}

// CycleReport is the structured summary of one agent cycle
type CycleReport struct {
	ID              string                 `json:"id"`
	Mode            string                 `json:"mode"`
	StartedAt       time.Time              `json:"started_at"`
	FinishedAt      time.Time              `json:"finished_at"`
	Probes          map[string]ProbeResult `json:"probes"`
	Recommendations []ActionName           `json:"recommendations,omitempty"`
	Actions         []AgentAction          `json:"actions,omitempty"`
	Errors          []string               `json:"errors,omitempty"`
}

// QueueStats summarizes the queue for probes and metrics
type QueueStats struct {
	ByStatus       map[JobStatus]int `json:"by_status"`
	OldestPending  time.Time         `json:"oldest_pending,omitzero"`
	StaleInFlight  int               `json:"stale_in_flight"`
	DeadLetterOpen int               `json:"dead_letter_open"`
	EscalatedOpen  map[Provider]int  `json:"escalated_open,omitempty"`
}

// WorkerHeartbeat is the liveness record published by each queue worker
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	StartedAt     time.Time `json:"started_at"`
	LastSeen      time.Time `json:"last_seen"`
	JobsProcessed int       `json:"jobs_processed"`
}
