package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Executor runs tasks in the same process that owns the task store.
type Executor struct {
	coord  *Coordinator
	runner *Runner
	logger *zap.Logger
}

// NewExecutor wires a Runner to coord through a LocalSource. Standalone
// polling runs at a fixed PollInterval, so cfg.MaxBackoff is ignored.
func NewExecutor(coord *Coordinator, cfg RunnerConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.MaxBackoff = 0
	return &Executor{
		coord:  coord,
		runner: NewRunner(coord.Registry(), NewLocalSource(coord), coord.Results(), cfg, logger),
		logger: logger.Named("executor"),
	}
}

// Runner exposes the underlying runner.
func (e *Executor) Runner() *Runner {
	return e.runner
}

// Recover resets tasks orphaned by a crash and finalizes parents whose
// children finished while the process was down.
func (e *Executor) Recover(ctx context.Context) error {
	if _, err := e.coord.RecoverCrashed(ctx); err != nil {
		return fmt.Errorf("crash recovery: %w", err)
	}
	if _, err := e.coord.ReconcileParents(ctx); err != nil {
		return fmt.Errorf("reconcile parents: %w", err)
	}
	return nil
}

// Run recovers and then polls until ctx is done.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}
	e.logger.Info("executor started", zap.Int("keys", len(e.coord.Registry().Keys())))
	return e.runner.Run(ctx)
}

// Shutdown releases running tasks and waits for their bodies to return.
func (e *Executor) Shutdown(ctx context.Context) error {
	if _, err := e.runner.Shutdown(ctx); err != nil {
		e.logger.Warn("release on shutdown failed", zap.Error(err))
	}
	return e.runner.Wait(ctx)
}
