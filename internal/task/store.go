package task

import (
	"context"
	"slices"
	"time"
)

// Filter narrows List queries. Zero-valued fields do not constrain the result.
type Filter struct {
	Statuses      []Status
	Key           AdmissionKey
	ParentID      *int64
	IsAllTask     *bool
	StartedBefore time.Time
	Limit         int
}

// Match reports whether t satisfies every constraint of f.
func (f Filter) Match(t Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if !f.Key.IsZero() && !f.Key.Matches(t) {
		return false
	}
	if f.ParentID != nil && (t.ParentTaskID == nil || *t.ParentTaskID != *f.ParentID) {
		return false
	}
	if f.IsAllTask != nil && t.IsAllTask != *f.IsAllTask {
		return false
	}
	if !f.StartedBefore.IsZero() && (t.StartedAt == nil || !t.StartedAt.Before(f.StartedBefore)) {
		return false
	}
	return true
}

// Patch lists the columns a conditional update writes. Nil pointers are left
// untouched; an empty Status keeps the current status.
type Patch struct {
	Status         Status
	Priority       *Priority
	StartedAt      *time.Time
	ClearStartedAt bool
	FinishedAt     *time.Time
	ResultCount    *int64
	IsLarge        *bool
	Error          *string
	UpdatedAt      time.Time
}

// Apply writes the patch onto t.
func (p Patch) Apply(t *Task) {
	if p.Status != "" {
		t.Status = p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.ClearStartedAt {
		t.StartedAt = nil
	} else if p.StartedAt != nil {
		ts := *p.StartedAt
		t.StartedAt = &ts
	}
	if p.FinishedAt != nil {
		ts := *p.FinishedAt
		t.FinishedAt = &ts
	}
	if p.ResultCount != nil {
		t.ResultCount = *p.ResultCount
	}
	if p.IsLarge != nil {
		t.IsLarge = *p.IsLarge
	}
	if p.Error != nil {
		t.Error = *p.Error
	}
	if !p.UpdatedAt.IsZero() {
		t.UpdatedAt = p.UpdatedAt
	}
}

// Store persists tasks. Only the process that owns scheduling mutates it.
type Store interface {
	// Insert persists tasks whose ids were already allocated by the caller.
	Insert(ctx context.Context, tasks []Task) ([]Task, error)
	Get(ctx context.Context, id int64) (Task, error)
	// FindPending returns up to max pending non-parent tasks for key ordered by
	// priority desc, sortId desc.
	FindPending(ctx context.Context, key AdmissionKey, max int) ([]Task, error)
	// List returns tasks matching filter ordered by id.
	List(ctx context.Context, filter Filter) ([]Task, error)
	// UpdateStatus applies patch to ids whose current status is in from (any
	// status when from is empty) and returns the number of rows changed.
	UpdateStatus(ctx context.Context, ids []int64, from []Status, patch Patch) (int64, error)
	CountChildrenByStatus(ctx context.Context, parentID int64) (map[Status]int64, error)
	// Statuses returns the current status of each existing id.
	Statuses(ctx context.Context, ids []int64) (map[int64]Status, error)
	MaxID(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// Ptr returns a pointer to v; it keeps Patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
