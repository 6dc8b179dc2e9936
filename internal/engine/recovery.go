package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/task"
)

// RecoverCrashed resets every running non-parent task to pending. Only a
// standalone executor may call it: it assumes it was the sole executor, so
// anything still in progress was orphaned by a crash.
func (c *Coordinator) RecoverCrashed(ctx context.Context) (int, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	running, err := c.store.List(ctx, task.Filter{
		Statuses:  []task.Status{task.StatusInProgress},
		IsAllTask: task.Ptr(false),
	})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}
	if len(running) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(running))
	for _, t := range running {
		if err := c.registry.CheckTask(t); err != nil {
			return 0, err
		}
		ids = append(ids, t.ID)
	}
	now := c.clock.Now()
	n, err := c.store.UpdateStatus(ctx, ids, []task.Status{task.StatusInProgress},
		task.Patch{Status: task.StatusPending, ClearStartedAt: true, UpdatedAt: now})
	if err != nil {
		return 0, fmt.Errorf("reset crashed tasks: %w", err)
	}
	for _, t := range running {
		evt := c.event(t, progress.StageRecovered)
		evt.Note = "crash recovery"
		c.emit(evt)
	}
	c.logger.Info("reset tasks left in progress by a previous run", zap.Int64("count", n))
	return int(n), nil
}

// RecoverStale resets running non-parent tasks whose claim is older than the
// stale timeout of their admission key to pending with urgent priority. The
// update is conditional on the task still being in progress, so one
// staleness episode resets a task exactly once.
func (c *Coordinator) RecoverStale(ctx context.Context) (int, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	now := c.clock.Now()
	running, err := c.store.List(ctx, task.Filter{
		Statuses:      []task.Status{task.StatusInProgress},
		IsAllTask:     task.Ptr(false),
		StartedBefore: now.Add(-c.minStaleTimeout()),
	})
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	var stale []task.Task
	for _, t := range running {
		key := c.registry.KeyOf(t)
		if t.StartedAt != nil && t.StartedAt.Before(now.Add(-c.registry.StaleTimeout(key))) {
			stale = append(stale, t)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	ids := make([]int64, 0, len(stale))
	for _, t := range stale {
		ids = append(ids, t.ID)
	}
	n, err := c.store.UpdateStatus(ctx, ids, []task.Status{task.StatusInProgress}, task.Patch{
		Status:         task.StatusPending,
		Priority:       task.Ptr(task.PriorityUrgent),
		ClearStartedAt: true,
		UpdatedAt:      now,
	})
	if err != nil {
		return 0, fmt.Errorf("reset stale tasks: %w", err)
	}

	perKey := make(map[string]int)
	for _, t := range stale {
		key := c.registry.KeyOf(t).String()
		perKey[key]++
		evt := c.event(t, progress.StageRecovered)
		evt.Note = "stale claim"
		c.emit(evt)
	}
	for key, count := range perKey {
		metrics.ObserveStaleRecovered(key, count)
	}
	c.logger.Warn("reset stale tasks", zap.Int64("count", n))
	return int(n), nil
}

func (c *Coordinator) minStaleTimeout() time.Duration {
	shortest := c.registry.StaleTimeout(task.AdmissionKey{Kind: c.registry.Kind()})
	for _, key := range c.registry.Keys() {
		shortest = min(shortest, c.registry.StaleTimeout(key))
	}
	return shortest
}

// Release hands running tasks back to the queue with urgent priority. It is
// called by executors that shut down with work in flight.
func (c *Coordinator) Release(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	c.claimMu.Lock()
	defer c.claimMu.Unlock()

	statuses, err := c.store.Statuses(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load statuses: %w", err)
	}
	running := make([]int64, 0, len(ids))
	for _, id := range ids {
		if statuses[id] == task.StatusInProgress {
			running = append(running, id)
		}
	}
	if len(running) == 0 {
		return 0, nil
	}
	now := c.clock.Now()
	n, err := c.store.UpdateStatus(ctx, running, []task.Status{task.StatusInProgress}, task.Patch{
		Status:         task.StatusPending,
		Priority:       task.Ptr(task.PriorityUrgent),
		ClearStartedAt: true,
		UpdatedAt:      now,
	})
	if err != nil {
		return 0, fmt.Errorf("release tasks: %w", err)
	}
	for _, id := range running {
		c.emit(progress.Event{TaskID: id, TS: now, Stage: progress.StageReleased})
	}
	metrics.ObserveReleased(int(n))
	return int(n), nil
}
