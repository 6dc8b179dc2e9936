package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/task"
)

// lockParent takes the fan-in lock of t's parent. It must be held from the
// child's terminal status write until its results are merged, or a sibling
// could finalize the parent in between. Tasks without a parent get a no-op.
func (c *Coordinator) lockParent(t task.Task) func() {
	if t.ParentTaskID == nil {
		return func() {}
	}
	return c.parents.Lock(*t.ParentTaskID)
}

// fanInLocked merges a finished child into its parent and finalizes the parent
// once no sibling is pending or running. The caller holds the parent lock.
// Errors are logged; the child outcome is already stored.
func (c *Coordinator) fanInLocked(ctx context.Context, parentID int64, child task.Task) {
	if err := c.mergeChildLocked(ctx, parentID, child); err != nil {
		c.logger.Error("fan-in failed",
			zap.Int64("task_id", child.ID), zap.Int64("parent_task_id", parentID), zap.Error(err))
	}
}

func (c *Coordinator) mergeChildLocked(ctx context.Context, parentID int64, child task.Task) error {
	parent, err := c.store.Get(ctx, parentID)
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}
	if parent.Status.Terminal() {
		return nil
	}
	if child.Status == task.StatusCompleted && child.ResultCount > 0 {
		if err := c.results.StreamCopy(child.ID, parentID); err != nil && !errors.Is(err, results.ErrNotFound) {
			return fmt.Errorf("merge child results: %w", err)
		}
		count := parent.ResultCount + child.ResultCount
		now := c.clock.Now()
		if _, err := c.store.UpdateStatus(ctx, []int64{parentID},
			[]task.Status{task.StatusPending, task.StatusInProgress},
			task.Patch{ResultCount: &count, UpdatedAt: now}); err != nil {
			return fmt.Errorf("bump parent result count: %w", err)
		}
		parent.ResultCount = count
	}
	_, err = c.finalizeParentLocked(ctx, parent)
	return err
}

// finalizeParentLocked writes the terminal state of parent when every child
// has finished. The caller holds the parent lock.
func (c *Coordinator) finalizeParentLocked(ctx context.Context, parent task.Task) (bool, error) {
	counts, err := c.store.CountChildrenByStatus(ctx, parent.ID)
	if err != nil {
		return false, fmt.Errorf("count children of %d: %w", parent.ID, err)
	}
	if counts[task.StatusPending]+counts[task.StatusInProgress] > 0 {
		return false, nil
	}

	status := task.StatusCompleted
	var errText *string
	if failed := counts[task.StatusFailed]; failed > 0 {
		status = task.StatusFailed
		var total int64
		for _, n := range counts {
			total += n
		}
		msg := fmt.Sprintf("%d of %d subtasks failed", failed, total)
		errText = &msg
	}

	var kept int64
	if c.results.Exists(parent.ID) {
		kept, err = c.results.Dedupe(parent.ID)
	} else {
		err = c.results.Reset(parent.ID)
	}
	if err != nil {
		return false, err
	}
	isLarge, err := c.results.ClassifySize(parent.ID)
	if err != nil {
		return false, err
	}

	now := c.clock.Now()
	patch := task.Patch{
		Status:      status,
		FinishedAt:  &now,
		ResultCount: &kept,
		IsLarge:     &isLarge,
		Error:       errText,
		UpdatedAt:   now,
	}
	if parent.StartedAt == nil {
		patch.StartedAt = &now
	}
	n, err := c.store.UpdateStatus(ctx, []int64{parent.ID},
		[]task.Status{task.StatusPending, task.StatusInProgress}, patch)
	if err != nil {
		return false, fmt.Errorf("finalize parent %d: %w", parent.ID, err)
	}
	if n == 0 {
		return false, nil
	}
	patch.Apply(&parent)
	stage := progress.StageCompleted
	if status == task.StatusFailed {
		stage = progress.StageFailed
	}
	evt := c.event(parent, stage)
	if errText != nil {
		evt.Note = *errText
	}
	c.emit(evt)
	return true, nil
}

// ReconcileParents finalizes parents whose children all finished while no
// coordinator was running. It returns the number of parents finalized.
func (c *Coordinator) ReconcileParents(ctx context.Context) (int, error) {
	parents, err := c.store.List(ctx, task.Filter{
		Statuses:  []task.Status{task.StatusPending, task.StatusInProgress},
		IsAllTask: task.Ptr(true),
	})
	if err != nil {
		return 0, fmt.Errorf("list open parents: %w", err)
	}
	for _, p := range parents {
		if err := c.registry.CheckTask(p); err != nil {
			return 0, err
		}
	}
	finalized := 0
	for _, p := range parents {
		done, err := c.reconcileParent(ctx, p.ID)
		if err != nil {
			return finalized, err
		}
		if done {
			finalized++
		}
	}
	if finalized > 0 {
		c.logger.Info("reconciled finished parents", zap.Int("count", finalized))
	}
	return finalized, nil
}

func (c *Coordinator) reconcileParent(ctx context.Context, id int64) (bool, error) {
	unlock := c.parents.Lock(id)
	defer unlock()
	parent, err := c.store.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load parent %d: %w", id, err)
	}
	if parent.Status.Terminal() {
		return false, nil
	}
	return c.finalizeParentLocked(ctx, parent)
}
