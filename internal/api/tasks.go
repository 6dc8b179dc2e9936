package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/results"
	"github.com/JakeFAU/taskengine/internal/task"
)

const (
	defaultTaskLimit = 50
	maxTaskLimit     = 500
	adminTimeout     = 5 * time.Second
	flushEvery       = 500
)

// TaskHandler exposes task submission, inspection, result download and
// abort endpoints.
type TaskHandler struct {
	coord   *engine.Coordinator
	timeout time.Duration
	logger  *zap.Logger
}

// NewTaskHandler wires the coordinator and logger.
func NewTaskHandler(coord *engine.Coordinator, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{coord: coord, timeout: adminTimeout, logger: logger.Named("tasks")}
}

// Submit handles POST /v1/tasks. It returns 201 with {"tasks": [...]}, the
// aggregate parent first, or 400 for unknown scrapers and malformed input.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var sub engine.Submission
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(sub.ScraperName) == "" {
		writeError(w, http.StatusBadRequest, "scraperName is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	created, err := h.coord.Submit(ctx, sub)
	if err != nil {
		if errors.Is(err, task.ErrUnregistered) || errors.Is(err, engine.ErrInvalidSubmission) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("submit failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit task")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tasks": h.toDTOs(created)})
}

// List handles GET /v1/tasks?status=&parent=&limit=.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultTaskLimit, maxTaskLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := task.Filter{Limit: limit}
	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !status.Valid() {
				writeError(w, http.StatusBadRequest, "invalid status")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := q.Get("parent"); raw != "" {
		parent, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parent <= 0 {
			writeError(w, http.StatusBadRequest, "invalid parent")
			return
		}
		filter.ParentID = &parent
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	tasks, err := h.coord.List(ctx, filter)
	if err != nil {
		h.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": h.toDTOs(tasks)})
}

// Get handles GET /v1/tasks/{task_id}. It returns {"task": {...}}, 400 for a
// malformed id or 404 when the task does not exist.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	t, err := h.coord.Get(ctx, id)
	if err != nil {
		h.lookupFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": h.toDTO(t)})
}

// StreamResults handles GET /v1/tasks/{task_id}/results?limit=. Records are
// streamed as NDJSON straight from the result file; a task without a result
// file yields an empty body.
func (h *TaskHandler) StreamResults(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	lookupCtx, cancel := context.WithTimeout(r.Context(), h.timeout)
	t, err := h.coord.Get(lookupCtx, id)
	cancel()
	if err != nil {
		h.lookupFailed(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Task-Status", string(t.Status))
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	written := 0
	for rec, err := range h.coord.Results().Records(id) {
		if err != nil {
			if !errors.Is(err, results.ErrNotFound) {
				h.logger.Warn("result stream aborted", zap.Int64("task_id", id), zap.Error(err))
			}
			return
		}
		if r.Context().Err() != nil {
			return
		}
		if _, err := w.Write(append(rec, '\n')); err != nil {
			return
		}
		written++
		if flusher != nil && written%flushEvery == 0 {
			flusher.Flush()
		}
		if limit > 0 && written >= limit {
			break
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// Abort handles POST /v1/tasks/{task_id}/abort. Aborting a parent also aborts
// its unfinished children. A task that already ended yields 409.
func (h *TaskHandler) Abort(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	t, err := h.coord.Abort(ctx, id)
	if err != nil {
		if errors.Is(err, engine.ErrFinished) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "task": h.toDTO(t)})
			return
		}
		h.lookupFailed(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": h.toDTO(t)})
}

func (h *TaskHandler) lookupFailed(w http.ResponseWriter, err error) {
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	h.logger.Error("task lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load task")
}

func parseTaskID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "task_id")
	if raw == "" {
		return 0, errors.New("task_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid task_id")
	}
	return id, nil
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

type taskDTO struct {
	task.Task
	DurationMs int64 `json:"durationMs"`
}

func (h *TaskHandler) toDTO(t task.Task) taskDTO {
	return taskDTO{Task: t, DurationMs: t.Duration(h.coord.Now()).Milliseconds()}
}

func (h *TaskHandler) toDTOs(in []task.Task) []taskDTO {
	out := make([]taskDTO, 0, len(in))
	for _, t := range in {
		out = append(out, h.toDTO(t))
	}
	return out
}
