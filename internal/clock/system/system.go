// Package system provides the wall clock used by the scheduler.
package system

import "time"

// Clock implements task.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC truncated to microseconds, the
// precision Postgres keeps for timestamptz.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
