/*
Package metrics provides Prometheus metrics and process health for LedgerLink.

All metrics are registered with the default Prometheus registry at package
init and exposed by Handler, which pkg/api mounts at /metrics.

# Metrics Catalog

Queue:

	ledgerlink_jobs_total{status}                  gauge, refreshed by Collector
	ledgerlink_jobs_processed_total{provider,outcome}
	ledgerlink_jobs_enqueued_total{provider,created}
	ledgerlink_dead_letters_open                   gauge
	ledgerlink_stale_jobs_requeued_total

Providers and rate limiting:

	ledgerlink_provider_call_duration_seconds{provider}
	ledgerlink_provider_errors_total{provider,kind}
	ledgerlink_ratelimit_denials_total{provider}
	ledgerlink_ratelimit_saturation{provider}      gauge, consumed/allowed

Drift, replay and the agent loop:

	ledgerlink_drift_open{severity}                gauge
	ledgerlink_drift_audits_total{provider,result}
	ledgerlink_replayed_jobs_total{source}
	ledgerlink_agent_cycles_total{mode}
	ledgerlink_agent_cycle_duration_seconds
	ledgerlink_agent_actions_total{action,outcome}
	ledgerlink_probe_healthy{probe}                gauge, 1 or 0

HTTP surface:

	ledgerlink_api_requests_total{method,status}
	ledgerlink_api_request_duration_seconds{method}

# Timing

	timer := metrics.NewTimer()
	result, err := adapter.Execute(ctx, job)
	timer.ObserveDurationVec(metrics.ProviderCallDuration, string(job.Provider))

# Component Health

RegisterComponent and UpdateComponent record named component health that
HealthHandler and ReadyHandler report. Readiness requires every critical
component ("store" and "workers" by default, see SetCriticalComponents) to be
registered and healthy.
*/
package metrics
