// Package engine schedules tasks: it claims pending work under admission
// limits, runs task bodies, records outcomes, aggregates split work into its
// parent and recovers tasks abandoned by crashed or vanished executors.
//
// The Coordinator owns the task store and is shared by the standalone
// Executor and the Master. The Runner executes bodies and talks to a Source,
// which is the Coordinator itself in standalone mode and the master's HTTP
// API in worker mode.
package engine
