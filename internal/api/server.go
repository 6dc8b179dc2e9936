package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/id/uuid"
	"github.com/JakeFAU/taskengine/internal/metrics"
	"github.com/JakeFAU/taskengine/internal/protocol"
	"github.com/JakeFAU/taskengine/internal/store"
)

const (
	defaultRequestTimeout = 60 * time.Second
	healthTimeout         = 2 * time.Second
)

// Options configures the HTTP surface.
type Options struct {
	// Mode decides whether the worker protocol routes are mounted.
	Mode engine.Mode
	// APIKey, when set, guards the admin routes.
	APIKey         string
	RequestTimeout time.Duration
	// Stats, when set, mounts the per-key statistics routes.
	Stats store.StatsRepository
}

// Server wires HTTP handlers to a Coordinator.
type Server struct {
	router       chi.Router
	coord        *engine.Coordinator
	opts         Options
	logger       *zap.Logger
	shuttingDown atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(coord *engine.Coordinator, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{coord: coord, opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get(protocol.PathHealth, s.health)
	r.Handle("/metrics", metrics.Handler())

	if opts.Mode == engine.ModeMaster {
		m := &masterHandler{coord: coord, logger: s.logger.Named("master")}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get(protocol.PathAcquireByType, m.acquireByType)
			r.Get(protocol.PathAcquireByName, m.acquireByName)
			r.Post(protocol.PathTaskCompleted, m.taskCompleted)
			r.Post(protocol.PathTaskFailed, m.taskFailed)
			r.Post(protocol.PathPushDataChunk, m.pushDataChunk)
			r.Post(protocol.PathPushDataDone, m.pushDataComplete)
			r.Post(protocol.PathWorkerShutdown, m.workerShutdown)
			r.Post(protocol.PathAbortStatus, m.abortStatus)
		})
	}

	tasks := NewTaskHandler(coord, s.logger)
	r.Route("/v1/tasks", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		// Result streams can outlive the request timeout.
		r.Get("/{task_id}/results", tasks.StreamResults)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Post("/", tasks.Submit)
			r.Get("/", tasks.List)
			r.Get("/{task_id}", tasks.Get)
			r.Post("/{task_id}/abort", tasks.Abort)
		})
	})

	if opts.Stats != nil {
		stats := NewStatsHandler(opts.Stats, s.logger)
		r.Route("/v1/stats", func(r chi.Router) {
			if opts.APIKey != "" {
				r.Use(apiKeyMiddleware(opts.APIKey))
			}
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/", stats.List)
			r.Get("/{key}", stats.Get)
		})
	}

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetShuttingDown makes the health endpoint report 503 from now on.
func (s *Server) SetShuttingDown() {
	s.shuttingDown.Store(true)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		writeJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: protocol.HealthShuttingDown})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.coord.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: protocol.HealthDatabaseUnreachable})
		return
	}
	writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: protocol.HealthOK})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().NewRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

func writeCodedError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg, Code: code})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
