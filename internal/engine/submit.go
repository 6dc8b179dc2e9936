package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/task"
)

var (
	// ErrFinished is returned when aborting a task that already ended.
	ErrFinished = errors.New("task already finished")
	// ErrInvalidSubmission marks a malformed submission.
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Submission describes new work. With Items set, a parent task is created
// together with one child per item and the parent aggregates their results.
type Submission struct {
	ScraperName string            `json:"scraperName"`
	Data        json.RawMessage   `json:"data,omitempty"`
	Items       []json.RawMessage `json:"items,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
	Priority    task.Priority     `json:"priority,omitempty"`
}

// Submit validates and stores a submission. The parent, if any, is first in
// the returned slice.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) ([]task.Task, error) {
	if c.ids == nil {
		return nil, errors.New("submit: no id allocator configured")
	}
	def, err := c.registry.Definition(sub.ScraperName)
	if err != nil {
		return nil, err
	}
	if sub.Priority != task.PriorityDefault && sub.Priority != task.PriorityUrgent {
		return nil, fmt.Errorf("submit: unknown priority %d: %w", sub.Priority, ErrInvalidSubmission)
	}
	for i, raw := range append([]json.RawMessage{sub.Data, sub.Metadata}, sub.Items...) {
		if len(raw) > 0 && !json.Valid(raw) {
			return nil, fmt.Errorf("submit: payload %d is not valid json: %w", i, ErrInvalidSubmission)
		}
	}

	n := 1
	if len(sub.Items) > 0 {
		n += len(sub.Items)
	}
	first, err := c.ids.NextN(n)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	now := c.clock.Now()
	base := now.UnixMilli() * 100
	newTask := func(id, sortID int64, data json.RawMessage) task.Task {
		return task.Task{
			ID:          id,
			Status:      task.StatusPending,
			SortID:      sortID,
			Priority:    sub.Priority,
			ScraperName: def.Name,
			ScraperType: def.Type,
			Data:        data,
			Metadata:    sub.Metadata,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	batch := make([]task.Task, 0, n)
	root := newTask(first, base, sub.Data)
	if len(sub.Items) > 0 {
		root.IsAllTask = true
	}
	batch = append(batch, root)
	for i, item := range sub.Items {
		child := newTask(first+1+int64(i), base-1-int64(i), item)
		parentID := first
		child.ParentTaskID = &parentID
		batch = append(batch, child)
	}

	stored, err := c.store.Insert(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	for _, t := range stored {
		c.emit(c.event(t, progress.StageSubmitted))
	}
	return stored, nil
}

// Abort stops a pending or running task. Aborting a parent also aborts every
// unfinished child. Running bodies observe the abort through IsAborted.
func (c *Coordinator) Abort(ctx context.Context, id int64) (task.Task, error) {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status.Terminal() {
		return t, fmt.Errorf("task %d: %w", id, ErrFinished)
	}
	open := []task.Status{task.StatusPending, task.StatusInProgress}

	if t.IsAllTask {
		unlock := c.parents.Lock(id)
		defer unlock()
		children, err := c.store.List(ctx, task.Filter{ParentID: &id, Statuses: open})
		if err != nil {
			return t, fmt.Errorf("list children of %d: %w", id, err)
		}
		ids := make([]int64, 0, len(children)+1)
		for _, ch := range children {
			ids = append(ids, ch.ID)
		}
		ids = append(ids, id)
		now := c.clock.Now()
		if _, err := c.store.UpdateStatus(ctx, ids, open,
			task.Patch{Status: task.StatusAborted, FinishedAt: &now, UpdatedAt: now}); err != nil {
			return t, fmt.Errorf("abort task %d: %w", id, err)
		}
		for _, ch := range children {
			ch.Status = task.StatusAborted
			c.emit(c.event(ch, progress.StageAborted))
		}
	} else {
		now := c.clock.Now()
		n, err := c.store.UpdateStatus(ctx, []int64{id}, open,
			task.Patch{Status: task.StatusAborted, FinishedAt: &now, UpdatedAt: now})
		if err != nil {
			return t, fmt.Errorf("abort task %d: %w", id, err)
		}
		if n == 0 {
			return t, fmt.Errorf("task %d: %w", id, ErrFinished)
		}
		if t.ParentTaskID != nil {
			if _, err := c.reconcileParent(ctx, *t.ParentTaskID); err != nil {
				return t, err
			}
		}
	}

	out, err := c.store.Get(ctx, id)
	if err != nil {
		return t, err
	}
	c.emit(c.event(out, progress.StageAborted))
	return out, nil
}
