// Package worker runs task bodies on behalf of a remote master.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/abort"
	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/id/uuid"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/task"
)

// Config controls Agent behavior.
type Config struct {
	MasterURL      string
	WorkerID       string
	PollInterval   time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
	AbortInterval  time.Duration
	MaxBatch       int
	RequestTimeout time.Duration
	Retry          RetryPolicy
	// HTTPClient overrides the client used to reach the master.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().WorkerID()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.Jitter == 0 {
		c.Jitter = 0.1
	}
	if c.AbortInterval <= 0 {
		c.AbortInterval = abort.DistributedInterval
	}
	if c.Retry == (RetryPolicy{}) {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Agent polls a master for tasks and executes them locally.
type Agent struct {
	cfg    Config
	source *RemoteSource
	runner *engine.Runner
	logger *zap.Logger
}

// New builds an Agent. res holds results between execution and upload.
func New(registry *task.Registry, res *results.Store, cfg Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.Named("worker").With(zap.String("worker_id", cfg.WorkerID))

	client, err := NewClient(cfg.MasterURL, cfg.HTTPClient, cfg.RequestTimeout, logger)
	if err != nil {
		return nil, err
	}
	source := NewRemoteSource(client, res, cfg.WorkerID, cfg.Retry, logger)
	runner := engine.NewRunner(registry, source, res, engine.RunnerConfig{
		PollInterval:  cfg.PollInterval,
		MaxBackoff:    cfg.MaxBackoff,
		Jitter:        cfg.Jitter,
		MaxBatch:      cfg.MaxBatch,
		AbortInterval: cfg.AbortInterval,
		WorkerID:      cfg.WorkerID,
	}, logger)
	return &Agent{cfg: cfg, source: source, runner: runner, logger: logger}, nil
}

// ID returns the worker identity sent with every report.
func (a *Agent) ID() string {
	return a.cfg.WorkerID
}

// Runner exposes the underlying runner.
func (a *Agent) Runner() *engine.Runner {
	return a.runner
}

// Run polls the master until ctx is done. A panic in the polling loop
// releases every in-flight task before it propagates.
func (a *Agent) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("worker panicked, releasing tasks", zap.Any("panic", p))
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if serr := a.Shutdown(shutdownCtx); serr != nil {
				a.logger.Error("release after panic failed", zap.Error(serr))
			}
			panic(p)
		}
	}()
	a.logger.Info("worker started", zap.String("master", a.cfg.MasterURL))
	if err := a.runner.Run(ctx); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	return nil
}

// Shutdown announces every in-flight task to the master, stops retrying
// pending reports and waits for running bodies.
func (a *Agent) Shutdown(ctx context.Context) error {
	released, err := a.runner.Shutdown(ctx)
	if err != nil {
		a.logger.Error("worker shutdown notification failed", zap.Error(err))
	} else {
		a.logger.Info("worker shutdown", zap.Int("released", released))
	}
	a.source.Stop()
	return a.runner.Wait(ctx)
}
