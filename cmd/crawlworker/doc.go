// Package main hosts the crawl worker entrypoint.
//
// Architecture overview:
//   - Lease index: sites live in a Redis sorted set scored by their next eligible time. The worker pool pops
//     eligible sites with a Lua script that pushes their score forward by the lease duration, runs one dispatch
//     cycle per site while a heartbeat keeps extending the lease, then reschedules the site by its rate limit.
//   - Dispatch: a cycle first injects due seeds as LIST tasks; otherwise it executes the highest-priority pending
//     task. The executor fetches through Colly (optionally promoting to headless Chrome), extracts links or fields
//     with goquery, and drives the task state machine through the relational store.
//   - Dedup: discovered links are checked against monthly Redis bloom bitmaps before they become tasks.
//   - Self-healing: when healing.enabled is set, a cron job scans BROKEN tasks, asks the configured LLM for a
//     new selector, verifies it against the live page, and relaunches the task after a verified repair.
//   - Maintenance: cron jobs resync the lease index, fail stuck tasks, archive finished ones, and refresh the
//     user-agent cache. A Redis lock keeps each job to one process at a time.
//   - Progress: when progress.enabled is set the executor emits task lifecycle events to a buffered hub that
//     feeds Prometheus series, debug logs, and the daily crawl_site_stats table.
//   - Tracing: task executions and repairs are traced with OpenTelemetry; spans go to Cloud Trace when
//     telemetry.project_id is set.
//   - Admin API: chi serves health, readiness, metrics, task inspection, retry/heal, site sync, site stats, and
//     rule history.
//
// Operational notes:
//   - Persistence: an empty db.dsn runs against the in-memory store, which is only suitable for local trials.
//   - Shutdown: SIGINT/SIGTERM stop the pool from leasing new sites, in-flight cycles are cancelled and their
//     tasks return to PENDING, queued sites are released, the HTTP server drains, and progress events and spans
//     are flushed within server.shutdown_timeout.
//   - Configuration: every key can be set through CRAWLER_ prefixed env vars, e.g. CRAWLER_REDIS_ADDR,
//     CRAWLER_DB_DSN, CRAWLER_WORKER_CONCURRENCY, CRAWLER_HEALING_ENABLED, CRAWLER_LLM_PROVIDER.
//   - Run locally: go run ./cmd/crawlworker -config config.yaml
package main
