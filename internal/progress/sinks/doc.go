// Package sinks implements lifecycle event consumers: structured logging,
// Prometheus collectors, Pub/Sub notifications, per-key statistics and the
// result archive. Each sink satisfies progress.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
