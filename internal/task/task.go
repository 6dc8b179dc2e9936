// Package task defines the task model shared by the store, the scheduler and the
// worker protocol.
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a Task.
type Status string

// Supported task statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether no further transitions are expected from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Priority orders pending tasks; higher values are claimed first.
type Priority int

// Supported priorities.
const (
	PriorityDefault Priority = 0
	PriorityUrgent  Priority = 1
)

// Task is a persisted unit of work.
type Task struct {
	ID           int64           `json:"id"`
	Status       Status          `json:"status"`
	SortID       int64           `json:"sortId"`
	Priority     Priority        `json:"priority"`
	ScraperName  string          `json:"scraperName"`
	ScraperType  string          `json:"scraperType"`
	IsAllTask    bool            `json:"isAllTask"`
	ParentTaskID *int64          `json:"parentTaskId,omitempty"`
	IsLarge      bool            `json:"isLarge"`
	Data         json.RawMessage `json:"data,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ResultCount  int64           `json:"resultCount"`
	Error        string          `json:"error,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Duration is finishedAt-startedAt, or now-startedAt while the task runs.
func (t Task) Duration(now time.Time) time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := now
	if t.FinishedAt != nil {
		end = *t.FinishedAt
	}
	if end.Before(*t.StartedAt) {
		return 0
	}
	return end.Sub(*t.StartedAt)
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (t Task) Clone() Task {
	cp := t
	if t.ParentTaskID != nil {
		id := *t.ParentTaskID
		cp.ParentTaskID = &id
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		cp.FinishedAt = &ts
	}
	cp.Data = append(json.RawMessage(nil), t.Data...)
	cp.Metadata = append(json.RawMessage(nil), t.Metadata...)
	return cp
}

// KeyKind selects which task field identifies its admission category.
type KeyKind string

// Supported admission key kinds.
const (
	ByType KeyKind = "type"
	ByName KeyKind = "name"
)

// ParseKeyKind validates a configured granularity.
func ParseKeyKind(raw string) (KeyKind, error) {
	switch KeyKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ByType:
		return ByType, nil
	case ByName:
		return ByName, nil
	default:
		return "", fmt.Errorf("unknown admission granularity %q", raw)
	}
}

// AdmissionKey is the category a task counts against for concurrency limits.
type AdmissionKey struct {
	Kind  KeyKind
	Value string
}

// TypeKey builds a key scoped by scraper type.
func TypeKey(value string) AdmissionKey {
	return AdmissionKey{Kind: ByType, Value: value}
}

// NameKey builds a key scoped by scraper name.
func NameKey(value string) AdmissionKey {
	return AdmissionKey{Kind: ByName, Value: value}
}

// IsZero reports whether the key is unset.
func (k AdmissionKey) IsZero() bool {
	return k.Kind == "" && k.Value == ""
}

func (k AdmissionKey) String() string {
	return string(k.Kind) + ":" + k.Value
}

// KeyOf derives the admission key of t for the given kind.
func KeyOf(kind KeyKind, t Task) AdmissionKey {
	if kind == ByName {
		return NameKey(t.ScraperName)
	}
	return TypeKey(t.ScraperType)
}

// Matches reports whether t belongs to key k.
func (k AdmissionKey) Matches(t Task) bool {
	return KeyOf(k.Kind, t) == k
}

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrUnregistered marks a configuration error: no definition serves the key.
	ErrUnregistered = errors.New("no task definition registered")
)
