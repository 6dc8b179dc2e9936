package api

import (
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/engine"
	"github.com/JakeFAU/taskengine/internal/protocol"
	"github.com/JakeFAU/taskengine/internal/task"
)

// masterHandler serves the worker protocol.
type masterHandler struct {
	coord  *engine.Coordinator
	logger *zap.Logger
}

func (h *masterHandler) acquireByType(w http.ResponseWriter, r *http.Request) {
	h.acquire(w, r, task.ByType)
}

func (h *masterHandler) acquireByName(w http.ResponseWriter, r *http.Request) {
	h.acquire(w, r, task.ByName)
}

func (h *masterHandler) acquire(w http.ResponseWriter, r *http.Request, kind task.KeyKind) {
	if configured := h.coord.Registry().Kind(); configured != kind {
		writeCodedError(w, http.StatusBadRequest,
			"master schedules by "+string(configured)+", not by "+string(kind), protocol.CodeKeyKind)
		return
	}
	_, param := protocol.AcquirePath(kind)
	value := r.URL.Query().Get(param)
	if value == "" {
		writeError(w, http.StatusBadRequest, param+" is required")
		return
	}
	maxTasks := 1
	if raw := r.URL.Query().Get(protocol.ParamMaxTasks); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid "+protocol.ParamMaxTasks)
			return
		}
		maxTasks = n
	}

	tasks, err := h.coord.Acquire(r.Context(), task.AdmissionKey{Kind: kind, Value: value}, maxTasks)
	if err != nil {
		h.fail(w, "acquire", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AcquireResponse{Tasks: nonNilTasks(tasks)})
}

func (h *masterHandler) taskCompleted(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskCompleted
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.report(w, r, engine.Outcome{
		TaskID:    req.TaskID,
		Records:   req.Result,
		DontCache: req.IsDontCache,
		Worker:    req.WorkerID,
	}, req.Capacity)
}

func (h *masterHandler) taskFailed(w http.ResponseWriter, r *http.Request) {
	var req protocol.TaskFailed
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.report(w, r, engine.Outcome{
		TaskID: req.TaskID,
		Failed: true,
		Error:  req.Error,
		Worker: req.WorkerID,
	}, req.Capacity)
}

func (h *masterHandler) pushDataChunk(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushDataChunk
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.coord.AppendChunk(r.Context(), req.TaskID, req.Chunk); err != nil {
		h.fail(w, "push chunk", err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (h *masterHandler) pushDataComplete(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushDataComplete
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.report(w, r, engine.Outcome{
		TaskID:    req.TaskID,
		Streamed:  true,
		ItemCount: req.ItemCount,
		DontCache: req.IsDontCache,
		Worker:    req.WorkerID,
	}, req.Capacity)
}

func (h *masterHandler) report(w http.ResponseWriter, r *http.Request, o engine.Outcome, capacity int) {
	if o.TaskID <= 0 {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	next, err := h.coord.Report(r.Context(), o, capacity)
	if err != nil {
		h.fail(w, "report", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.NextTasks{NextTasks: nonNilTasks(next)})
}

func (h *masterHandler) workerShutdown(w http.ResponseWriter, r *http.Request) {
	var req protocol.WorkerShutdown
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := h.coord.Release(r.Context(), req.InProgressTaskIDs)
	if err != nil {
		h.fail(w, "release", err)
		return
	}
	h.logger.Info("worker shut down",
		zap.String("worker_id", req.WorkerID),
		zap.Int("requested", len(req.InProgressTaskIDs)),
		zap.Int("released", n))
	writeJSON(w, http.StatusOK, protocol.WorkerShutdownResponse{ReleasedCount: n})
}

func (h *masterHandler) abortStatus(w http.ResponseWriter, r *http.Request) {
	var req protocol.AbortStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flags, err := h.coord.AbortStatuses(r.Context(), req.TaskIDs)
	if err != nil {
		h.fail(w, "abort status", err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.AbortStatusResponse(flags))
}

// fail maps coordinator errors onto protocol replies.
func (h *masterHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, task.ErrUnregistered):
		h.logger.Error("configuration error", zap.String("op", op), zap.Error(err))
		writeCodedError(w, http.StatusInternalServerError, err.Error(), protocol.CodeUnregistered)
	case errors.Is(err, task.ErrKeyKind):
		writeCodedError(w, http.StatusBadRequest, err.Error(), protocol.CodeKeyKind)
	case errors.Is(err, task.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrNotRunning):
		writeCodedError(w, http.StatusConflict, err.Error(), protocol.CodeNotRunning)
	default:
		h.logger.Error("master request failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func nonNilTasks(tasks []task.Task) []task.Task {
	if tasks == nil {
		return []task.Task{}
	}
	return tasks
}
