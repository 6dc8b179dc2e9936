// Package server assembles the engine for one process role and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/api"
	"github.com/JakeFAU/taskengine/internal/clock/system"
	"github.com/JakeFAU/taskengine/internal/config"
	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/id/counter"
	"github.com/JakeFAU/taskengine/internal/logging"
	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/policy/ratelimit"
	"github.com/JakeFAU/taskengine/internal/progress"
	progresssinks "github.com/JakeFAU/taskengine/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/taskengine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/taskengine/internal/publisher/pubsub"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/scrapers/browser"
	"github.com/JakeFAU/taskengine/internal/scrapers/httpfetch"
	"github.com/JakeFAU/taskengine/internal/storage"
	gcsstorage "github.com/JakeFAU/taskengine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/taskengine/internal/storage/local"
	memorystorage "github.com/JakeFAU/taskengine/internal/storage/memory"
	pgstore "github.com/JakeFAU/taskengine/internal/storage/postgres"
	"github.com/JakeFAU/taskengine/internal/store"
	"github.com/JakeFAU/taskengine/internal/task"
	"github.com/JakeFAU/taskengine/internal/telemetry"
	"github.com/JakeFAU/taskengine/internal/worker"
)

// App contains the dependencies of one process role.
type App struct {
	cfg    config.Config
	mode   engine.Mode
	logger *zap.Logger

	store     task.Store
	stats     store.StatsRepository
	results   *results.Store
	registry  *task.Registry
	coord     *engine.Coordinator
	hub       *progress.Hub
	apiServer *api.Server
	handler   http.Handler

	executor *engine.Executor
	master   *engine.Master
	agent    *worker.Agent

	registerer prometheus.Registerer

	renderer       *browser.Renderer
	pubsub         *gcppublisher.Publisher
	gcs            *gcsstorage.BlobStore
	tracerShutdown func(context.Context) error
}

// Option customizes Build.
type Option func(*App)

// WithRegisterer registers lifecycle collectors somewhere other than the
// default Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the dependencies for the configured mode.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	mode, err := engine.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		Mode:        string(mode),
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app := &App{cfg: cfg, mode: mode, logger: logger, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(app)
	}
	logger.Info("building application",
		zap.String("mode", string(mode)),
		zap.String("granularity", cfg.Scheduler.Granularity),
		zap.Int("port", cfg.Server.Port),
	)

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}
	metrics.Init()

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout())
		defer cancel()
		app.Close(closeCtx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.results, err = results.New(results.Config{
		Dir:                a.cfg.Results.Dir,
		CacheDir:           a.cfg.Results.CacheDir,
		LargeThreshold:     a.cfg.Results.LargeThresholdMB << 20,
		LowMemoryThreshold: a.cfg.Results.LowMemoryThresholdMB << 20,
		Logger:             a.logger.Named("results"),
	})
	if err != nil {
		return fmt.Errorf("result store init failed: %w", err)
	}

	a.registry, err = a.buildRegistry()
	if err != nil {
		return err
	}

	if a.mode == engine.ModeWorker {
		return a.buildWorker()
	}
	return a.buildOwner(ctx)
}

func (a *App) buildRegistry() (*task.Registry, error) {
	kind, err := task.ParseKeyKind(a.cfg.Scheduler.Granularity)
	if err != nil {
		return nil, err
	}
	registry := task.NewRegistry(kind)
	registry.SetDefaultStaleTimeout(a.cfg.StaleTimeout())

	limiter := ratelimit.New(ratelimit.Config{
		RPS:   a.cfg.Scrapers.RateLimitRPS,
		Burst: a.cfg.Scrapers.RateLimitBurst,
	})
	sc := a.cfg.Scrapers
	if sc.HTTP.Enabled {
		fetcher := httpfetch.New(httpfetch.Config{
			UserAgent:     sc.HTTP.UserAgent,
			RespectRobots: sc.HTTP.RespectRobots,
			Timeout:       time.Duration(sc.HTTP.TimeoutSeconds) * time.Second,
			Limiter:       limiter,
		})
		def := fetcher.Definition(sc.HTTP.Name)
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("register http scraper: %w", err)
		}
		if sc.HTTP.Limit > 0 {
			if err := registry.SetLimit(keyValue(kind, def), sc.HTTP.Limit); err != nil {
				return nil, err
			}
		}
		a.logger.Info("http scraper registered", zap.String("name", def.Name), zap.String("user_agent", sc.HTTP.UserAgent))
	}
	if sc.Browser.Enabled {
		a.renderer = browser.New(browser.Config{
			UserAgent:         sc.HTTP.UserAgent,
			NavigationTimeout: time.Duration(sc.Browser.NavTimeoutSeconds) * time.Second,
			Limiter:           limiter,
		})
		def := a.renderer.Definition(sc.Browser.Name)
		if err := registry.Register(def); err != nil {
			return nil, fmt.Errorf("register browser scraper: %w", err)
		}
		if err := registry.SetLimit(keyValue(kind, def), sc.Browser.Limit); err != nil {
			return nil, err
		}
		a.logger.Info("browser scraper registered", zap.String("name", def.Name), zap.Int("limit", sc.Browser.Limit))
	}

	for value, limit := range a.cfg.Scheduler.Limits {
		if err := registry.SetLimit(value, limit); err != nil {
			return nil, err
		}
	}
	for value, secs := range a.cfg.Scheduler.StaleTimeouts {
		if err := registry.SetStaleTimeout(value, time.Duration(secs)*time.Second); err != nil {
			return nil, err
		}
	}
	if len(registry.Keys()) == 0 {
		a.logger.Warn("no task definitions registered; nothing will be scheduled")
	}
	return registry, nil
}

func keyValue(kind task.KeyKind, def task.Definition) string {
	if kind == task.ByName {
		return def.Name
	}
	return def.Type
}

func (a *App) buildOwner(ctx context.Context) error {
	var err error
	a.store, err = a.openStore(ctx)
	if err != nil {
		return err
	}
	highest, err := a.store.MaxID(ctx)
	if err != nil {
		return fmt.Errorf("read max task id: %w", err)
	}
	ids, err := counter.Open(a.cfg.Results.CounterFile, highest, a.logger.Named("counter"))
	if err != nil {
		return fmt.Errorf("id counter init failed: %w", err)
	}

	a.hub, err = a.buildHub(ctx)
	if err != nil {
		return err
	}

	a.coord, err = engine.NewCoordinator(engine.Deps{
		Store:    a.store,
		Results:  a.results,
		Registry: a.registry,
		IDs:      ids,
		Clock:    system.New(),
		Events:   a.hub,
		Logger:   a.logger,
	})
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}

	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(a.coord, api.Options{
		Mode:           a.mode,
		APIKey:         apiKey,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeoutSeconds) * time.Second,
		Stats:          a.stats,
	}, a.logger.Named("api"))
	a.handler = a.apiServer.Handler()

	switch a.mode {
	case engine.ModeMaster:
		a.master = engine.NewMaster(a.coord, time.Duration(a.cfg.Scheduler.StaleSweepSeconds)*time.Second, a.logger)
	default:
		a.executor = engine.NewExecutor(a.coord, engine.RunnerConfig{
			PollInterval:  a.cfg.PollInterval(),
			MaxBatch:      a.cfg.Scheduler.MaxBatch,
			AbortInterval: a.cfg.AbortInterval(),
			WorkerID:      "standalone",
		}, a.logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (task.Store, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		tasks, err := pgstore.NewTaskStore(ctx, pgstore.Config{
			DSN:      a.cfg.Store.DSN,
			Table:    a.cfg.Store.Table,
			MaxConns: a.cfg.Store.MaxConns,
			Migrate:  a.cfg.Store.Migrate,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres task store init failed: %w", err)
		}
		stats, err := tasks.StatsStore()
		if err != nil {
			_ = tasks.Close()
			return nil, fmt.Errorf("postgres stats store init failed: %w", err)
		}
		if a.cfg.Store.Migrate {
			if err := stats.Migrate(ctx); err != nil {
				_ = tasks.Close()
				return nil, fmt.Errorf("postgres stats migrate failed: %w", err)
			}
		}
		a.stats = stats
		a.logger.Info("using postgres task store", zap.String("table", a.cfg.Store.Table))
		return tasks, nil
	default:
		a.logger.Warn("using in-memory task store; tasks are lost on restart")
		a.stats = memorystorage.NewStatsStore()
		return memorystorage.NewTaskStore(), nil
	}
}

func (a *App) buildHub(ctx context.Context) (*progress.Hub, error) {
	sinkList := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}

	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if a.stats != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.stats, a.logger))
	}

	if pub, err := a.buildPublisher(ctx); err != nil {
		return nil, err
	} else if pub != nil {
		stages, err := parseStages(a.cfg.PubSub.Stages)
		if err != nil {
			return nil, err
		}
		sink, err := progresssinks.NewPublishSink(pub, a.cfg.PubSub.TopicName, stages...)
		if err != nil {
			return nil, fmt.Errorf("publish sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}

	if blobs, err := a.buildBlobStore(ctx); err != nil {
		return nil, err
	} else if blobs != nil {
		sink, err := progresssinks.NewArchiveSink(a.results, blobs, a.cfg.Archive.Prefix, a.logger.Named("archive"))
		if err != nil {
			return nil, fmt.Errorf("archive sink init failed: %w", err)
		}
		sinkList = append(sinkList, sink)
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.logger.Info("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return progress.NewHub(hubCfg, sinkList...), nil
}

func (a *App) buildPublisher(ctx context.Context) (progresssinks.Publisher, error) {
	switch a.cfg.PubSub.Backend {
	case "gcp":
		pub, err := gcppublisher.Connect(ctx, gcppublisher.Config{
			ProjectID: a.cfg.PubSub.ProjectID,
			TopicID:   a.cfg.PubSub.TopicName,
		})
		if err != nil {
			return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.pubsub = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName),
		)
		return pub, nil
	case "memory":
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) buildBlobStore(ctx context.Context) (storage.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case "gcs":
		blobs, err := gcsstorage.Connect(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcs = blobs
		a.logger.Info("archiving results to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving results locally", zap.String("path", a.cfg.Archive.LocalDir))
		return blobs, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	case "discard":
		return storage.NoOpBlobStore{}, nil
	default:
		return nil, nil
	}
}

// parseStages accepts "completed" as well as "TASK_COMPLETED".
func parseStages(raw []string) ([]progress.Stage, error) {
	known := []progress.Stage{
		progress.StageSubmitted, progress.StageClaimed, progress.StageCacheHit, progress.StageCompleted,
		progress.StageFailed, progress.StageAborted, progress.StageReleased, progress.StageRecovered,
	}
	out := make([]progress.Stage, 0, len(raw))
	for _, r := range raw {
		name := strings.ToUpper(strings.TrimSpace(r))
		if !strings.HasPrefix(name, "TASK_") {
			name = "TASK_" + name
		}
		found := false
		for _, s := range known {
			if string(s) == name {
				out = append(out, s)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("unknown pubsub stage %q", r)
		}
	}
	return out, nil
}

func (a *App) buildWorker() error {
	agent, err := worker.New(a.registry, a.results, worker.Config{
		MasterURL:      a.cfg.Worker.MasterURL,
		WorkerID:       a.cfg.Worker.ID,
		PollInterval:   a.cfg.PollInterval(),
		MaxBackoff:     a.cfg.MaxBackoff(),
		Jitter:         a.cfg.Scheduler.Jitter,
		AbortInterval:  a.cfg.AbortInterval(),
		MaxBatch:       a.cfg.Scheduler.MaxBatch,
		RequestTimeout: time.Duration(a.cfg.Worker.RequestTimeoutSeconds) * time.Second,
		Retry: worker.RetryPolicy{
			MaxAttempts: a.cfg.Worker.MaxRetries,
			BaseDelay:   time.Duration(a.cfg.Worker.BackoffInitialMs) * time.Millisecond,
			MaxDelay:    time.Duration(a.cfg.Worker.BackoffMaxMs) * time.Millisecond,
			Jitter:      0.1,
		},
	}, a.logger)
	if err != nil {
		return fmt.Errorf("worker init failed: %w", err)
	}
	a.agent = agent
	if a.cfg.Server.Port > 0 {
		a.handler = opsHandler()
	}
	return nil
}

// opsHandler serves health and metrics for a worker, which has no API.
func opsHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck // best effort
	})
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Handler returns the HTTP handler for the role, or nil when it serves none.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run starts the role and the HTTP server and blocks until the context is
// canceled, a termination signal arrives or the role fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Task bodies outlive the signal until their tasks have been released.
	roleCtx, cancelRole := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRole()
	roleErr := make(chan error, 1)
	go func() {
		roleErr <- a.runRole(roleCtx)
	}()

	var srv *http.Server
	if a.handler != nil {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case runErr = <-roleErr:
		if runErr != nil {
			a.logger.Error("role stopped with error", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if a.apiServer != nil {
		a.apiServer.SetShuttingDown()
	}
	a.shutdownRole(shutdownCtx)
	cancelRole()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.Close(shutdownCtx)
	return runErr
}

func (a *App) runRole(ctx context.Context) error {
	switch {
	case a.executor != nil:
		return a.executor.Run(ctx)
	case a.master != nil:
		return a.master.Run(ctx)
	case a.agent != nil:
		return a.agent.Run(ctx)
	default:
		<-ctx.Done()
		return nil
	}
}

func (a *App) shutdownRole(ctx context.Context) {
	var err error
	switch {
	case a.executor != nil:
		err = a.executor.Shutdown(ctx)
	case a.agent != nil:
		err = a.agent.Shutdown(ctx)
	}
	if err != nil {
		a.logger.Warn("role shutdown incomplete", zap.Error(err))
	}
}

// Close releases infrastructure. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("task store close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some platforms
}
