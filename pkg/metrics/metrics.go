package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerlink_jobs_total",
			Help: "Number of live sync jobs by status",
		},
		[]string{"status"},
	)

	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_jobs_processed_total",
			Help: "Jobs processed by workers, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_jobs_enqueued_total",
			Help: "Enqueue calls by provider and whether a new job was created",
		},
		[]string{"provider", "created"},
	)

	DeadLettersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ledgerlink_dead_letters_open",
			Help: "Unresolved dead-letter entries",
		},
	)

	StaleRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgerlink_stale_jobs_requeued_total",
			Help: "In-flight jobs returned to pending by the heal action",
		},
	)

	// Provider metrics
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerlink_provider_call_duration_seconds",
			Help:    "Outbound provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_provider_errors_total",
			Help: "Provider call failures by provider and error kind",
		},
		[]string{"provider", "kind"},
	)

	// Rate limiter metrics
	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_ratelimit_denials_total",
			Help: "Permits refused by the rate limiter",
		},
		[]string{"provider"},
	)

	RateLimitSaturation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerlink_ratelimit_saturation",
			Help: "Consumed over allowed calls in the current window",
		},
		[]string{"provider"},
	)

	// Drift metrics
	DriftOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerlink_drift_open",
			Help: "Open drift records by severity",
		},
		[]string{"severity"},
	)

	DriftAudits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_drift_audits_total",
			Help: "Drift audits by provider and result",
		},
		[]string{"provider", "result"},
	)

	// Replay metrics
	ReplayedJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_replayed_jobs_total",
			Help: "Jobs re-submitted by the replay engine, by source",
		},
		[]string{"source"},
	)

	// Agent metrics
	AgentCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_agent_cycles_total",
			Help: "Agent cycles by mode",
		},
		[]string{"mode"},
	)

	AgentCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ledgerlink_agent_cycle_duration_seconds",
			Help:    "Time taken by one agent cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AgentActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_agent_actions_total",
			Help: "Agent actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	ProbeStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgerlink_probe_healthy",
			Help: "Whether the last run of a probe was healthy (1) or not (0)",
		},
		[]string{"probe"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgerlink_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgerlink_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(DeadLettersOpen)
	prometheus.MustRegister(StaleRequeued)
	prometheus.MustRegister(ProviderCallDuration)
	prometheus.MustRegister(ProviderErrors)
	prometheus.MustRegister(RateLimitDenials)
	prometheus.MustRegister(RateLimitSaturation)
	prometheus.MustRegister(DriftOpen)
	prometheus.MustRegister(DriftAudits)
	prometheus.MustRegister(ReplayedJobs)
	prometheus.MustRegister(AgentCycles)
	prometheus.MustRegister(AgentCycleDuration)
	prometheus.MustRegister(AgentActions)
	prometheus.MustRegister(ProbeStatus)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
