package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashreport/flashreport/internal/eventmanager"
	"github.com/flashreport/flashreport/internal/models"
)

const defaultRunsLimit = 20

// PipelineRunner triggers and lists pipeline cycles.
type PipelineRunner interface {
	RunCycle(ctx context.Context) (eventmanager.CycleResult, error)
	ListRuns(ctx context.Context, limit int) ([]models.PipelineRun, error)
}

// PipelineHandler handles the pipeline control endpoints.
type PipelineHandler struct {
	runner PipelineRunner
	logger *slog.Logger
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(runner PipelineRunner, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{runner: runner, logger: logger}
}

// RunsResponse wraps recent pipeline runs.
type RunsResponse struct {
	Runs  []models.PipelineRun `json:"runs"`
	Count int                  `json:"count"`
}

// RunHandler handles POST /api/pipeline/run. The cycle runs synchronously
// and its result is returned whether or not it succeeded.
func (h *PipelineHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	// A cycle can outlast the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("failed to clear write deadline", "error", err)
	}

	result, err := h.runner.RunCycle(r.Context())
	if errors.Is(err, eventmanager.ErrCycleRunning) {
		writeError(w, http.StatusConflict, "A pipeline cycle is already running")
		return
	}
	if err != nil {
		h.logger.Error("manual pipeline cycle failed", "run_id", result.RunID, "error", err)
	}
	writeJSON(w, http.StatusOK, result, h.logger)
}

// ListRunsHandler handles GET /api/pipeline/runs
func (h *PipelineHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultRunsLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.runner.ListRuns(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list pipeline runs", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: runs, Count: len(runs)}, h.logger)
}
