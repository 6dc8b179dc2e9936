// Package abort batches cancellation checks for running tasks behind one
// shared timer.
package abort

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker reports, for each id, whether the task should stop. Missing ids
// keep their previous flag.
type Checker func(ctx context.Context, ids []int64) (map[int64]bool, error)

// Default check intervals. A distributed check costs a round trip to the master.
const (
	StandaloneInterval  = time.Second
	DistributedInterval = 10 * time.Second
)

// Watcher caches abort flags for registered tasks and refreshes them in
// batches on a ticker.
type Watcher struct {
	check    Checker
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	tracked map[int64]bool
}

// New creates a Watcher. A non-positive interval falls back to StandaloneInterval.
func New(check Checker, interval time.Duration, logger *zap.Logger) *Watcher {
	if interval <= 0 {
		interval = StandaloneInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		check:    check,
		interval: interval,
		logger:   logger,
		tracked:  make(map[int64]bool),
	}
}

// Predicate returns the isAborted function handed to a task body. The first
// call registers the task; every call is a cache read.
func (w *Watcher) Predicate(id int64) func() bool {
	return func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		aborted, ok := w.tracked[id]
		if !ok {
			w.tracked[id] = false
			return false
		}
		return aborted
	}
}

// Forget stops tracking id once its task has finished.
func (w *Watcher) Forget(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracked, id)
}

// Tracked returns the number of registered tasks.
func (w *Watcher) Tracked() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.tracked)
}

// Check refreshes every registered flag with one batched call. Failures are
// logged and leave the cached flags unchanged.
func (w *Watcher) Check(ctx context.Context) {
	w.mu.Lock()
	ids := make([]int64, 0, len(w.tracked))
	for id := range w.tracked {
		ids = append(ids, id)
	}
	w.mu.Unlock()
	if len(ids) == 0 || w.check == nil {
		return
	}

	flags, err := w.check(ctx, ids)
	if err != nil {
		w.logger.Warn("abort check failed", zap.Int("tasks", len(ids)), zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for id, aborted := range flags {
		if _, ok := w.tracked[id]; !ok {
			continue
		}
		if aborted && !w.tracked[id] {
			w.logger.Info("task abort observed", zap.Int64("task_id", id))
		}
		w.tracked[id] = aborted
	}
}

// Run checks on every tick until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}
