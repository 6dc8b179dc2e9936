// Package main hosts the task engine entrypoint.
//
// Roles:
//   - standalone: one process owns the task store, polls it and runs task bodies. The admin API
//     (/v1/tasks) submits, lists, aborts and streams results.
//   - master: owns the task store and serves the worker protocol (/acquire-tasks-by-type,
//     /task-completed, /push-data-chunk, ...) plus the admin API. It never runs task bodies; a stale
//     sweep hands claims that outlive their timeout back to the queue.
//   - worker: polls a master over HTTP, runs task bodies locally and reports results inline or in
//     chunks. SIGTERM releases every in-flight task back to the master.
//
// Operational notes:
//   - Admission: every scraper type (or name, per scheduler.granularity) may carry a concurrency limit;
//     keys without one are claimed in batches of scheduler.max_batch.
//   - Durability: task ids come from a counter file next to the results directory and are never
//     reused, even when the file is lost; the store max id is the floor.
//   - Results: one NDJSON file per task under results.dir; identical submissions are served from
//     results.cache_dir unless the definition opts out.
//   - Observability: zap logs carry task ids; Prometheus metrics are exported on /metrics; lifecycle
//     events fan out to log, metrics, stats, Pub/Sub and archive sinks.
//
// Quick checklist:
//   - Configure env vars: TASKENGINE_MODE, TASKENGINE_SERVER_PORT, TASKENGINE_SCHEDULER_GRANULARITY,
//     TASKENGINE_STORE_DRIVER and TASKENGINE_STORE_DSN, TASKENGINE_WORKER_MASTER_URL for workers.
//   - Run locally: go run ./cmd/taskengine -config config.yaml -mode standalone
package main
