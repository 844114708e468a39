/*
Package api exposes the engine to collaborators and to the platform it runs on.

Two listeners share one process:

	HTTP  (api.addr, default 127.0.0.1:9090)
	  POST /v1/jobs   enqueue a sync job
	  GET  /status    last agent cycle report
	  GET  /health    component health, 503 when any component is unhealthy
	  GET  /ready     readiness, 503 until the store and workers report in
	  GET  /live      liveness, always 200 while the process runs
	  GET  /metrics   Prometheus exposition

	gRPC  (api.grpc_addr, optional)
	  grpc.health.v1.Health
	    ""                  overall, follows the store probe
	    "ledgerlink.<probe>"  one service per agent probe

# Enqueue

POST /v1/jobs takes the enqueue request as JSON:

	{
	  "operation": "update-stock",
	  "provider": "pos",
	  "payload": {"product_id": "p-1", "count": 12},
	  "idempotency_key": "",
	  "actor_id": "staff-1"
	}

A missing idempotency key is derived from the payload's content. A new job
answers 201 with created=true; resubmitting the same content answers 200
with the existing job id and created=false. Unknown fields and invalid
requests answer 400.

# Health

The agent's cycle reports drive both listeners. Server.ObserveReport sets
per-probe gRPC serving status and mirrors each probe into the metrics
package's component health, so /health and /ready reflect the last cycle
without a second set of checks. Degraded counts as serving; only error
takes a component down.

# Metrics

Every route except /metrics is counted in ledgerlink_api_requests_total and
timed in ledgerlink_api_request_duration_seconds, labelled by method and
route. gRPC calls are recorded the same way through LoggingInterceptor.
*/
package api
