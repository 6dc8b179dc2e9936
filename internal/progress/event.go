// Package progress defines the task lifecycle events emitted by the scheduler.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle transition represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageSubmitted Stage = "TASK_SUBMITTED"
	StageClaimed   Stage = "TASK_CLAIMED"
	StageCacheHit  Stage = "TASK_CACHE_HIT"
	StageCompleted Stage = "TASK_COMPLETED"
	StageFailed    Stage = "TASK_FAILED"
	StageAborted   Stage = "TASK_ABORTED"
	StageReleased  Stage = "TASK_RELEASED"
	StageRecovered Stage = "TASK_RECOVERED"
)

// Terminal reports whether the stage ends a task.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageAborted:
		return true
	default:
		return false
	}
}

// Event captures one task lifecycle transition.
type Event struct {
	// TaskID is the persisted task id.
	TaskID int64
	// ParentTaskID is zero for root tasks.
	ParentTaskID int64
	// IsAllTask marks events about an aggregate parent.
	IsAllTask bool
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Key is the admission key in "kind:value" form.
	Key         string
	ScraperName string
	ResultCount int64
	IsLarge     bool
	// Dur is the run time for terminal stages.
	Dur time.Duration
	// Worker names the worker that reported the transition, if any.
	Worker string
	// Note carries low-volume context such as error text.
	Note string
}

// Root reports whether the event is about a task without a parent.
func (e Event) Root() bool {
	return e.ParentTaskID == 0
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID <= 0 {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSubmitted, StageClaimed, StageCacheHit, StageCompleted,
		StageFailed, StageAborted, StageReleased, StageRecovered:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
