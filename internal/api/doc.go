// Package api hosts the HTTP server, middleware and handlers. Notable routes:
//   - GET /health for probes; 503 while the store is unreachable or the
//     process is shutting down.
//   - GET /metrics for Prometheus scraping.
//   - The worker protocol (acquire, report, push, shutdown, abort checks),
//     mounted in master mode only.
//   - /v1/tasks for submission, inspection, result download and abort.
//   - /v1/stats for per-key run statistics, when a repository is configured.
package api
