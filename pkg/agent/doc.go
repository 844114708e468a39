/*
Package agent runs the operations loop that keeps the engine healthy.

Each cycle moves through the same phases:

	idle → checking-health → deciding → acting → reporting → idle

Checking health runs every probe in turn. A probe reports healthy,
degraded, error or not-configured together with a message and one numeric
signal. A probe that fails or panics becomes an error result; the remaining
probes still run.

	store              the store answers
	queue              pending depth, stale in-flight jobs, worker heartbeats
	dead-letter        open backlog against the alert threshold
	auth               open auth escalations per provider
	ratelimit:<name>   window saturation and any active retry-after
	drift              open drift records and the largest delta
	provider:<name>    HTTP reachability when a health url is configured

Deciding maps signals to actions: heal for stale in-flight jobs, sync when
the dead-letter backlog reaches the threshold, reconcile for open drift not
audited recently, alert for auth escalations. Heal, sync and reconcile each
sit behind a configuration flag. A disabled action is still recommended and
recorded, with outcome skipped.

An action never runs twice at once, and sync is not relaunched while jobs
re-armed by the previous replay are still queued.

Reporting appends one AgentAction per action to the audit log and stores
the cycle report for the status command.
*/
package agent
