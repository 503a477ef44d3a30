// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings Redis and Postgres.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tasks and /v1/tasks/{task_id} to inspect tasks, with
//     POST .../retry and .../heal to relaunch or repair FAILED/BROKEN ones.
//   - POST /v1/sites/sync to reconcile the lease index on demand.
//   - GET /v1/sites/{site_id}/stats?days=N for daily fetch and outcome counts.
//   - GET /v1/rules/{rule_id}/history for the selector audit trail.
package api
