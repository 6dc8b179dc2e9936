package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskengine/internal/store"
)

// StatsHandler serves per-key run statistics.
type StatsHandler struct {
	repo   store.StatsRepository
	logger *zap.Logger
}

// NewStatsHandler wires the repository and logger.
func NewStatsHandler(repo store.StatsRepository, logger *zap.Logger) *StatsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsHandler{repo: repo, logger: logger.Named("stats")}
}

// List handles GET /v1/stats.
func (h *StatsHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	rows, err := h.repo.ListKeyStats(ctx)
	if err != nil {
		h.logger.Error("list stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list stats")
		return
	}
	if rows == nil {
		rows = []store.KeyStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": rows})
}

// Get handles GET /v1/stats/{key}, where key is "type:<t>" or "name:<n>".
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), adminTimeout)
	defer cancel()
	row, err := h.repo.GetKeyStats(ctx, chi.URLParam(r, "key"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no stats for key")
			return
		}
		h.logger.Error("get stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": row})
}
