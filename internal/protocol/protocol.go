// Package protocol holds the JSON messages exchanged between the master and
// its workers.
package protocol

import (
	"encoding/json"

	"github.com/JakeFAU/taskengine/internal/task"
)

// Master endpoints.
const (
	PathAcquireByType  = "/acquire-tasks-by-type"
	PathAcquireByName  = "/acquire-tasks-by-name"
	PathTaskCompleted  = "/task-completed"
	PathTaskFailed     = "/task-failed"
	PathPushDataChunk  = "/push-data-chunk"
	PathPushDataDone   = "/push-data-complete"
	PathWorkerShutdown = "/worker-shutdown"
	PathAbortStatus    = "/check-abortion-status"
	PathHealth         = "/health"
)

// Acquire query parameters.
const (
	ParamScraperType = "scraper_type"
	ParamScraperName = "scraper_name"
	ParamMaxTasks    = "max_tasks"
)

// Error codes carried by ErrorResponse so workers can tell configuration
// errors apart from transient failures.
const (
	CodeUnregistered = "unregistered"
	CodeKeyKind      = "key_kind_mismatch"
	CodeNotRunning   = "not_running"
)

// Health statuses.
const (
	HealthOK                  = "ok"
	HealthDatabaseUnreachable = "database_unreachable"
	HealthShuttingDown        = "shutting_down"
)

// AcquirePath returns the acquire endpoint serving kind.
func AcquirePath(kind task.KeyKind) (path, param string) {
	if kind == task.ByName {
		return PathAcquireByName, ParamScraperName
	}
	return PathAcquireByType, ParamScraperType
}

// AcquireResponse lists freshly claimed tasks.
type AcquireResponse struct {
	Tasks []task.Task `json:"tasks"`
}

// TaskCompleted reports a buffered result inline.
type TaskCompleted struct {
	TaskID       int64             `json:"taskId"`
	Result       []json.RawMessage `json:"result"`
	IsDontCache  bool              `json:"isDontCache"`
	ScraperName  string            `json:"scraperName"`
	TaskData     json.RawMessage   `json:"taskData,omitempty"`
	ParentTaskID *int64            `json:"parentTaskId,omitempty"`
	Capacity     int               `json:"capacity,omitempty"`
	WorkerID     string            `json:"workerId,omitempty"`
}

// TaskFailed reports a failed execution.
type TaskFailed struct {
	TaskID       int64  `json:"taskId"`
	Error        string `json:"error"`
	ParentTaskID *int64 `json:"parentTaskId,omitempty"`
	Capacity     int    `json:"capacity,omitempty"`
	WorkerID     string `json:"workerId,omitempty"`
}

// PushDataChunk appends records to a running task's result file.
type PushDataChunk struct {
	TaskID int64             `json:"taskId"`
	Chunk  []json.RawMessage `json:"chunk"`
}

// PushDataComplete finishes a task whose records were pushed in chunks.
type PushDataComplete struct {
	TaskID       int64           `json:"taskId"`
	ItemCount    int64           `json:"itemCount"`
	IsDontCache  bool            `json:"isDontCache"`
	ScraperName  string          `json:"scraperName"`
	TaskData     json.RawMessage `json:"taskData,omitempty"`
	ParentTaskID *int64          `json:"parentTaskId,omitempty"`
	Capacity     int             `json:"capacity,omitempty"`
	WorkerID     string          `json:"workerId,omitempty"`
}

// NextTasks carries tasks claimed on the back of a report.
type NextTasks struct {
	NextTasks []task.Task `json:"nextTasks"`
}

// WorkerShutdown hands a stopping worker's tasks back to the queue.
type WorkerShutdown struct {
	InProgressTaskIDs []int64 `json:"inProgressTaskIds"`
	WorkerID          string  `json:"workerId,omitempty"`
}

// WorkerShutdownResponse reports how many tasks were requeued.
type WorkerShutdownResponse struct {
	ReleasedCount int `json:"releasedCount"`
}

// AbortStatusRequest asks which running tasks should stop.
type AbortStatusRequest struct {
	TaskIDs []int64 `json:"taskIds"`
}

// AbortStatusResponse maps task ids to their abort flag.
type AbortStatusResponse map[int64]bool

// HealthResponse is served by the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
