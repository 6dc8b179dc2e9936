package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/clock/system"
	"github.com/JakeFAU/taskengine/internal/id/counter"
	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/progress"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/syncutil"
	"github.com/JakeFAU/taskengine/internal/task"
	"github.com/JakeFAU/taskengine/internal/telemetry"
)

// ErrNotRunning is returned when data arrives for a task that is no longer
// in progress.
var ErrNotRunning = errors.New("task is not in progress")

// Deps are the collaborators of a Coordinator. IDs is only needed to submit
// new tasks.
type Deps struct {
	Store    task.Store
	Results  *results.Store
	Registry *task.Registry
	IDs      *counter.Counter
	Clock    task.Clock
	Events   progress.Emitter
	Logger   *zap.Logger
}

// Outcome is the result of one task execution as reported by a Runner.
type Outcome struct {
	TaskID int64
	// Records is the buffered result. It is ignored when Streamed is set.
	Records []json.RawMessage
	// Streamed means the records are already in the task's result file.
	Streamed  bool
	ItemCount int64
	DontCache bool
	Failed    bool
	Error     string
	Worker    string
}

// Coordinator implements every operation that mutates the task store.
type Coordinator struct {
	store    task.Store
	results  *results.Store
	registry *task.Registry
	ids      *counter.Counter
	clock    task.Clock
	events   progress.Emitter
	logger   *zap.Logger
	tracer   trace.Tracer

	// claimMu serializes claims, stale sweeps and releases so the
	// select-then-update sequence never interleaves.
	claimMu sync.Mutex
	parents syncutil.KeyedMutex[int64]
}

// NewCoordinator validates deps and returns a Coordinator.
func NewCoordinator(d Deps) (*Coordinator, error) {
	if d.Store == nil {
		return nil, errors.New("task store is required")
	}
	if d.Results == nil {
		return nil, errors.New("result store is required")
	}
	if d.Registry == nil {
		return nil, errors.New("task registry is required")
	}
	if d.Clock == nil {
		d.Clock = system.New()
	}
	if d.Events == nil {
		d.Events = progress.Discard
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:    d.Store,
		results:  d.Results,
		registry: d.Registry,
		ids:      d.IDs,
		clock:    d.Clock,
		events:   d.Events,
		logger:   d.Logger.Named("coordinator"),
		tracer:   telemetry.Tracer(),
	}, nil
}

// Registry returns the definitions the coordinator validates against.
func (c *Coordinator) Registry() *task.Registry {
	return c.registry
}

// Results returns the result store.
func (c *Coordinator) Results() *results.Store {
	return c.results
}

// Now reads the coordinator's clock.
func (c *Coordinator) Now() time.Time {
	return c.clock.Now()
}

// Acquire claims up to max pending tasks for key, marking them in progress.
// Tasks completed straight from the result cache are not returned.
func (c *Coordinator) Acquire(ctx context.Context, key task.AdmissionKey, max int) ([]task.Task, error) {
	if err := c.registry.CheckKey(key); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}
	ctx, span := c.tracer.Start(ctx, "engine.Acquire", trace.WithAttributes(
		attribute.String("key", key.String()),
		attribute.Int("max", max),
	))
	defer span.End()

	claimed, err := c.claim(ctx, key, max)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	out := make([]task.Task, 0, len(claimed))
	for _, t := range claimed {
		if c.completeFromCache(ctx, t) {
			continue
		}
		out = append(out, t)
	}
	span.SetAttributes(attribute.Int("claimed", len(out)))
	return out, nil
}

func (c *Coordinator) claim(ctx context.Context, key task.AdmissionKey, max int) ([]task.Task, error) {
	c.claimMu.Lock()
	defer c.claimMu.Unlock()
	start := time.Now()

	pending, err := c.store.FindPending(ctx, key, max)
	if err != nil {
		return nil, fmt.Errorf("find pending %s: %w", key, err)
	}
	if len(pending) == 0 {
		metrics.ObserveAcquire(key.String(), 0, time.Since(start))
		return nil, nil
	}
	ids := make([]int64, 0, len(pending))
	for _, t := range pending {
		if err := c.registry.CheckTask(t); err != nil {
			return nil, err
		}
		ids = append(ids, t.ID)
	}

	now := c.clock.Now()
	n, err := c.store.UpdateStatus(ctx, ids, []task.Status{task.StatusPending},
		task.Patch{Status: task.StatusInProgress, StartedAt: &now, UpdatedAt: now})
	if err != nil {
		return nil, fmt.Errorf("claim %d tasks: %w", len(ids), err)
	}
	if int(n) != len(ids) {
		// Something else (an abort) moved a row between select and update.
		statuses, err := c.store.Statuses(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("refresh claimed statuses: %w", err)
		}
		kept := make([]task.Task, 0, n)
		for _, t := range pending {
			if statuses[t.ID] == task.StatusInProgress {
				kept = append(kept, t)
			}
		}
		pending = kept
	}

	parentIDs := make([]int64, 0)
	seen := make(map[int64]struct{})
	for i := range pending {
		t := &pending[i]
		t.Status = task.StatusInProgress
		started := now
		t.StartedAt = &started
		t.UpdatedAt = now
		if t.ParentTaskID != nil {
			if _, ok := seen[*t.ParentTaskID]; !ok {
				seen[*t.ParentTaskID] = struct{}{}
				parentIDs = append(parentIDs, *t.ParentTaskID)
			}
		}
		if err := c.results.Delete(t.ID); err != nil {
			c.logger.Warn("failed to clear stale result file", zap.Int64("task_id", t.ID), zap.Error(err))
		}
		c.emit(c.event(*t, progress.StageClaimed))
	}
	if len(parentIDs) > 0 {
		if _, err := c.store.UpdateStatus(ctx, parentIDs, []task.Status{task.StatusPending},
			task.Patch{Status: task.StatusInProgress, StartedAt: &now, UpdatedAt: now}); err != nil {
			return nil, fmt.Errorf("start parents: %w", err)
		}
	}
	metrics.ObserveAcquire(key.String(), len(pending), time.Since(start))
	return pending, nil
}

// completeFromCache finishes a freshly claimed task from a cache entry. It
// returns false when the task still has to run.
func (c *Coordinator) completeFromCache(ctx context.Context, t task.Task) bool {
	def, err := c.registry.Definition(t.ScraperName)
	if err != nil || def.DontCache || t.IsAllTask {
		return false
	}
	key, err := c.results.CacheKey(t.ScraperName, t.Data)
	if err != nil {
		c.logger.Debug("task data is not cacheable", zap.Int64("task_id", t.ID), zap.Error(err))
		return false
	}
	if !c.results.CacheHas(key) {
		return false
	}
	if err := c.results.CacheCopyTo(key, t.ID); err != nil {
		c.logger.Warn("cache copy failed, running task", zap.Int64("task_id", t.ID), zap.Error(err))
		return false
	}
	c.emit(c.event(t, progress.StageCacheHit))
	if _, err := c.succeed(ctx, t, Outcome{TaskID: t.ID, Streamed: true, ItemCount: -1, DontCache: true}); err != nil {
		c.logger.Error("failed to complete task from cache", zap.Int64("task_id", t.ID), zap.Error(err))
		return false
	}
	return true
}

// Report records an outcome and, when capacity > 0, claims more tasks of the
// same admission key for the reporting executor.
func (c *Coordinator) Report(ctx context.Context, o Outcome, capacity int) ([]task.Task, error) {
	ctx, span := c.tracer.Start(ctx, "engine.Report", trace.WithAttributes(
		attribute.Int64("task_id", o.TaskID),
		attribute.Bool("failed", o.Failed),
	))
	defer span.End()

	t, err := c.Finish(ctx, o)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if capacity <= 0 {
		return nil, nil
	}
	next, err := c.Acquire(ctx, c.registry.KeyOf(t), capacity)
	if err != nil {
		// The outcome is stored; a failed piggy-back only costs a poll.
		c.logger.Warn("piggy-back acquire failed", zap.Int64("task_id", t.ID), zap.Error(err))
		return nil, nil
	}
	return next, nil
}

// Finish records the outcome of a claimed task and runs fan-in for its
// parent. Outcomes for tasks no longer in progress are ignored.
func (c *Coordinator) Finish(ctx context.Context, o Outcome) (task.Task, error) {
	t, err := c.store.Get(ctx, o.TaskID)
	if err != nil {
		return task.Task{}, fmt.Errorf("load task %d: %w", o.TaskID, err)
	}
	if t.IsAllTask {
		return t, fmt.Errorf("task %d is an aggregate parent and cannot report results", t.ID)
	}
	if t.Status != task.StatusInProgress {
		c.logger.Info("ignoring outcome for task no longer in progress",
			zap.Int64("task_id", t.ID), zap.String("status", string(t.Status)))
		return t, nil
	}
	if o.Failed {
		return c.fail(ctx, t, o)
	}
	return c.succeed(ctx, t, o)
}

func (c *Coordinator) succeed(ctx context.Context, t task.Task, o Outcome) (task.Task, error) {
	if !o.Streamed {
		if err := c.results.Save(t.ID, o.Records); err != nil {
			return t, err
		}
	}
	count, err := c.results.Count(t.ID)
	if errors.Is(err, results.ErrNotFound) {
		if err := c.results.Reset(t.ID); err != nil {
			return t, err
		}
		count, err = 0, nil
	}
	if err != nil {
		return t, fmt.Errorf("count results for task %d: %w", t.ID, err)
	}
	if o.Streamed && o.ItemCount >= 0 && o.ItemCount != count {
		c.logger.Warn("reported item count differs from result file",
			zap.Int64("task_id", t.ID), zap.Int64("reported", o.ItemCount), zap.Int64("stored", count))
	}
	isLarge, err := c.results.ClassifySize(t.ID)
	if err != nil {
		return t, err
	}
	if !o.DontCache {
		c.cachePut(t)
	}

	unlock := c.lockParent(t)
	defer unlock()
	now := c.clock.Now()
	patch := task.Patch{
		Status:      task.StatusCompleted,
		FinishedAt:  &now,
		ResultCount: &count,
		IsLarge:     &isLarge,
		UpdatedAt:   now,
	}
	n, err := c.store.UpdateStatus(ctx, []int64{t.ID}, []task.Status{task.StatusInProgress}, patch)
	if err != nil {
		return t, fmt.Errorf("complete task %d: %w", t.ID, err)
	}
	if n == 0 {
		c.logger.Info("task left in progress before completion was stored", zap.Int64("task_id", t.ID))
		return t, nil
	}
	patch.Apply(&t)
	evt := c.event(t, progress.StageCompleted)
	evt.Worker = o.Worker
	c.emit(evt)

	if t.ParentTaskID != nil {
		c.fanInLocked(ctx, *t.ParentTaskID, t)
	}
	return t, nil
}

func (c *Coordinator) fail(ctx context.Context, t task.Task, o Outcome) (task.Task, error) {
	msg := o.Error
	if msg == "" {
		msg = "task failed"
	}
	unlock := c.lockParent(t)
	defer unlock()
	now := c.clock.Now()
	patch := task.Patch{Status: task.StatusFailed, FinishedAt: &now, Error: &msg, UpdatedAt: now}
	n, err := c.store.UpdateStatus(ctx, []int64{t.ID}, []task.Status{task.StatusInProgress}, patch)
	if err != nil {
		return t, fmt.Errorf("fail task %d: %w", t.ID, err)
	}
	if n == 0 {
		return t, nil
	}
	patch.Apply(&t)
	evt := c.event(t, progress.StageFailed)
	evt.Worker = o.Worker
	evt.Note = msg
	c.emit(evt)

	if t.ParentTaskID != nil {
		c.fanInLocked(ctx, *t.ParentTaskID, t)
	}
	return t, nil
}

func (c *Coordinator) cachePut(t task.Task) {
	def, err := c.registry.Definition(t.ScraperName)
	if err != nil || def.DontCache {
		return
	}
	key, err := c.results.CacheKey(t.ScraperName, t.Data)
	if err != nil {
		return
	}
	if err := c.results.CachePut(key, t.ID); err != nil {
		c.logger.Warn("failed to cache result", zap.Int64("task_id", t.ID), zap.Error(err))
	}
}

// AppendChunk appends streamed records to a running task's result file.
func (c *Coordinator) AppendChunk(ctx context.Context, taskID int64, records []json.RawMessage) error {
	statuses, err := c.store.Statuses(ctx, []int64{taskID})
	if err != nil {
		return fmt.Errorf("load status of task %d: %w", taskID, err)
	}
	if statuses[taskID] != task.StatusInProgress {
		return fmt.Errorf("task %d: %w", taskID, ErrNotRunning)
	}
	return c.results.Append(taskID, records)
}

// AbortStatuses reports, per id, whether the task should stop: it is aborted
// once its stored status is anything but in progress.
func (c *Coordinator) AbortStatuses(ctx context.Context, ids []int64) (map[int64]bool, error) {
	statuses, err := c.store.Statuses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = statuses[id] != task.StatusInProgress
	}
	return out, nil
}

// Get returns one task.
func (c *Coordinator) Get(ctx context.Context, id int64) (task.Task, error) {
	return c.store.Get(ctx, id)
}

// List returns tasks matching filter.
func (c *Coordinator) List(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	return c.store.List(ctx, filter)
}

// Ping checks the task store.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Coordinator) event(t task.Task, stage progress.Stage) progress.Event {
	evt := progress.Event{
		TaskID:      t.ID,
		IsAllTask:   t.IsAllTask,
		TS:          c.clock.Now(),
		Stage:       stage,
		Key:         c.registry.KeyOf(t).String(),
		ScraperName: t.ScraperName,
		ResultCount: t.ResultCount,
		IsLarge:     t.IsLarge,
	}
	if t.ParentTaskID != nil {
		evt.ParentTaskID = *t.ParentTaskID
	}
	if stage.Terminal() {
		evt.Dur = t.Duration(evt.TS)
	}
	return evt
}

func (c *Coordinator) emit(evt progress.Event) {
	c.events.Emit(evt)
}
