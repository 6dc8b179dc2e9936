package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/abort"
	"github.com/JakeFAU/taskengine/internal/capacity"
	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/task"
)

// RunnerConfig tunes polling and execution.
type RunnerConfig struct {
	// PollInterval is the delay between passes, and the backoff base.
	PollInterval time.Duration
	// MaxBackoff caps the delay after consecutive empty passes. Zero keeps a
	// fixed PollInterval.
	MaxBackoff time.Duration
	// Jitter randomizes backoff delays by +/- this fraction.
	Jitter float64
	// MaxBatch bounds one claim for keys without a concurrency limit.
	MaxBatch int
	// AbortInterval is how often abort flags are refreshed.
	AbortInterval time.Duration
	// WorkerID tags outcomes reported by this runner.
	WorkerID string
}

const defaultMaxBatch = 10

// Runner polls a Source for work, runs task bodies under per-key capacity
// limits and reports their outcomes.
type Runner struct {
	registry *task.Registry
	source   Source
	results  *results.Store
	capacity *capacity.Controller[task.AdmissionKey]
	watcher  *abort.Watcher
	cfg      RunnerConfig
	logger   *zap.Logger
	jitter   func() float64

	mu       sync.Mutex
	inFlight map[int64]task.AdmissionKey
	released map[int64]struct{}
	stopping bool
	wg       sync.WaitGroup
}

// NewRunner builds a Runner. Pushed records are written to res.
func NewRunner(registry *task.Registry, source Source, res *results.Store, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	logger = logger.Named("runner")
	return &Runner{
		registry: registry,
		source:   source,
		results:  res,
		capacity: capacity.New(registry.Limits()),
		watcher:  abort.New(source.CheckAborted, cfg.AbortInterval, logger),
		cfg:      cfg,
		logger:   logger,
		jitter:   rand.Float64,
		inFlight: make(map[int64]task.AdmissionKey),
		released: make(map[int64]struct{}),
	}
}

// Capacity exposes the admission counters.
func (r *Runner) Capacity() *capacity.Controller[task.AdmissionKey] {
	return r.capacity
}

// Watcher exposes the abort watcher.
func (r *Runner) Watcher() *abort.Watcher {
	return r.watcher
}

// Run polls until ctx is done or a configuration error surfaces.
func (r *Runner) Run(ctx context.Context) error {
	go r.watcher.Run(ctx)

	empty := 0
	for {
		if r.Stopping() {
			return nil
		}
		claimed, err := r.Poll(ctx)
		if err != nil {
			return err
		}
		if claimed > 0 {
			empty = 0
		} else {
			empty++
		}
		delay := r.nextDelay(empty)
		metrics.SetPollBackoff(delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Poll makes one pass over every registered key and launches what it claims.
// It returns the number of tasks launched. Configuration errors are returned;
// other claim errors are logged and the key is skipped.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	total := 0
	for _, key := range r.registry.Keys() {
		if ctx.Err() != nil || r.Stopping() {
			break
		}
		n := r.reserve(key)
		if n == 0 {
			continue
		}
		tasks, err := r.source.PollPending(ctx, key, n)
		if err != nil {
			r.capacity.Release(key, n)
			if errors.Is(err, task.ErrUnregistered) || errors.Is(err, task.ErrKeyKind) {
				return total, err
			}
			r.logger.Warn("poll failed", zap.String("key", key.String()), zap.Error(err))
			continue
		}
		r.capacity.Release(key, n-len(tasks))
		r.launch(ctx, key, tasks)
		total += len(tasks)
	}
	return total, nil
}

// reserve takes every free slot for key, or MaxBatch for unbounded keys.
func (r *Runner) reserve(key task.AdmissionKey) int {
	want := r.cfg.MaxBatch
	if avail, bounded := r.capacity.Available(key); bounded {
		want = avail
	}
	return r.capacity.Reserve(key, want)
}

func (r *Runner) nextDelay(empty int) time.Duration {
	base := r.cfg.PollInterval
	if r.cfg.MaxBackoff <= 0 || empty <= 1 {
		return base
	}
	d := float64(base) * math.Pow(2, float64(empty-1))
	d = math.Min(d, float64(r.cfg.MaxBackoff))
	if r.cfg.Jitter > 0 {
		d *= 1 + r.cfg.Jitter*(2*r.jitter()-1)
	}
	return time.Duration(d)
}

func (r *Runner) launch(ctx context.Context, key task.AdmissionKey, tasks []task.Task) {
	if len(tasks) == 0 {
		return
	}
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		r.capacity.Release(key, len(tasks))
		ids := make([]int64, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.ID)
		}
		if _, err := r.source.ReleaseTasks(context.WithoutCancel(ctx), ids); err != nil {
			r.logger.Warn("failed to release tasks claimed during shutdown", zap.Error(err))
		}
		return
	}
	for _, t := range tasks {
		r.inFlight[t.ID] = key
		r.wg.Add(1)
	}
	r.mu.Unlock()
	metrics.SetCapacityInUse(key.String(), r.capacity.Current(key))

	for _, t := range tasks {
		go r.execute(ctx, key, t)
	}
}

func (r *Runner) execute(ctx context.Context, key task.AdmissionKey, t task.Task) {
	defer r.wg.Done()
	o := r.run(ctx, t)
	r.finish(ctx, key, o)
}

func (r *Runner) run(ctx context.Context, t task.Task) Outcome {
	o := Outcome{TaskID: t.ID, Worker: r.cfg.WorkerID}
	def, err := r.registry.Definition(t.ScraperName)
	if err != nil {
		o.Failed, o.Error = true, err.Error()
		return o
	}
	o.DontCache = def.DontCache
	if err := r.results.Delete(t.ID); err != nil {
		o.Failed, o.Error = true, err.Error()
		return o
	}

	var pushed atomic.Int64
	var streamed atomic.Bool
	push := func(records []json.RawMessage) error {
		if err := r.results.Append(t.ID, records); err != nil {
			return err
		}
		streamed.Store(true)
		pushed.Add(int64(len(records)))
		return nil
	}

	rc := task.NewRunContext(t, r.watcher.Predicate(t.ID), push)
	records, err := safeRun(ctx, def.Run, rc)
	r.watcher.Forget(t.ID)
	if err != nil {
		o.Failed, o.Error = true, err.Error()
		return o
	}
	if streamed.Load() {
		if err := push(records); err != nil {
			o.Failed, o.Error = true, err.Error()
			return o
		}
		o.Streamed, o.ItemCount = true, pushed.Load()
		return o
	}
	o.Records = records
	return o
}

func safeRun(ctx context.Context, fn task.Func, rc task.RunContext) (records []json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx, rc)
}

func (r *Runner) finish(ctx context.Context, key task.AdmissionKey, o Outcome) {
	r.mu.Lock()
	delete(r.inFlight, o.TaskID)
	_, suppressed := r.released[o.TaskID]
	delete(r.released, o.TaskID)
	stopping := r.stopping
	r.mu.Unlock()
	r.capacity.Release(key, 1)

	if suppressed {
		r.logger.Debug("dropping outcome of released task", zap.Int64("task_id", o.TaskID))
		return
	}

	spare := 0
	if !stopping {
		spare = r.reserve(key)
	}
	next, err := r.source.ReportOutcome(context.WithoutCancel(ctx), o, spare)
	r.capacity.Release(key, spare-len(next))
	if err != nil {
		r.logger.Error("failed to report outcome", zap.Int64("task_id", o.TaskID), zap.Error(err))
	}
	r.launch(ctx, key, next)
	metrics.SetCapacityInUse(key.String(), r.capacity.Current(key))
}

// InFlight returns the ids of running tasks, sorted.
func (r *Runner) InFlight() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Stopping reports whether Shutdown was called.
func (r *Runner) Stopping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// Shutdown stops polling, releases every in-flight task back to the source
// and suppresses their late outcomes. It returns how many were released.
func (r *Runner) Shutdown(ctx context.Context) (int, error) {
	r.mu.Lock()
	r.stopping = true
	ids := make([]int64, 0, len(r.inFlight))
	for id := range r.inFlight {
		ids = append(ids, id)
		r.released[id] = struct{}{}
	}
	r.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}
	slices.Sort(ids)
	n, err := r.source.ReleaseTasks(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("release %d in-flight tasks: %w", len(ids), err)
	}
	r.logger.Info("released in-flight tasks", zap.Int("count", n))
	return n, nil
}

// Wait blocks until every running body returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}
