// Package progress provides the lifecycle event type, the non-blocking hub and
// the emitter interface the scheduler uses to report task transitions. The hub
// batches events on a background goroutine and fans them out to pluggable sinks
// such as structured logs, Prometheus, Pub/Sub notifications or the result
// archive.
package progress
