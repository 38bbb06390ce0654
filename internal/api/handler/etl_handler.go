package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"chat-analytics-etl/internal/model"
	"chat-analytics-etl/internal/store"
)

// Orchestrator is what the handlers drive. *pipeline.Orchestrator
// satisfies it; tests plug in a fake.
type Orchestrator interface {
	StartRun(ctx context.Context) (string, error)
	Cancel(runID string) error
	GetRun(runID string) (*model.WorkflowRun, error)
	ListRuns() ([]model.WorkflowRun, error)
	Activities(runID string) ([]model.ActivityState, error)
}

// Handler holds the API's dependencies; no package globals. baseCtx
// backs triggered runs so they outlive the HTTP request that started
// them.
type Handler struct {
	orch    Orchestrator
	baseCtx context.Context
}

func New(orch Orchestrator, baseCtx context.Context) *Handler {
	return &Handler{orch: orch, baseCtx: baseCtx}
}

// StartRun triggers a new pipeline run
// @Summary Start an ETL run
// @Description Trigger a new extract-transform-load run; returns immediately with the run id
// @Tags runs
// @Accept json
// @Produce json
// @Success 202 {object} map[string]interface{} "Run accepted"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /etl [post]
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	runID, err := h.orch.StartRun(h.baseCtx)
	if err != nil {
		http.Error(w, "Failed to start run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":     "ETL run started",
		"workflow_id": runID,
		"phase":       model.PhasePending,
		"startedAt":   time.Now().UTC(),
	})
}

// ListRuns retrieves all pipeline runs
// @Summary List all runs
// @Description Get every ETL run with its current phase, newest first
// @Tags runs
// @Produce json
// @Success 200 {array} model.WorkflowRun "List of runs"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /etl [get]
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.orch.ListRuns()
	if err != nil {
		http.Error(w, "Failed to fetch runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.WorkflowRun{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GetRun retrieves a specific run with its activities
// @Summary Get run
// @Description Retrieve one run's phase, last error and per-activity state
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run details"
// @Failure 400 {object} map[string]interface{} "Invalid run ID"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /etl/{id} [get]
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := pathSegment(r.URL.Path, "/etl/", "")
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	run, err := h.orch.GetRun(runID)
	if errors.Is(err, store.ErrRunNotFound) {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch run", http.StatusInternalServerError)
		return
	}

	activities, err := h.orch.Activities(runID)
	if err != nil {
		http.Error(w, "Failed to fetch activities", http.StatusInternalServerError)
		return
	}
	if activities == nil {
		activities = []model.ActivityState{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run":        run,
		"activities": activities,
	})
}

// CancelRun requests cancellation of a running pipeline
// @Summary Cancel run
// @Description Request cooperative cancellation of a non-terminal run
// @Tags runs
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Cancellation requested"
// @Failure 400 {object} map[string]interface{} "Run already terminal"
// @Failure 404 {object} map[string]interface{} "Run not found"
// @Router /etl/{id}/cancel [post]
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := pathSegment(r.URL.Path, "/etl/", "/cancel")
	if runID == "" {
		http.Error(w, "Run ID is required", http.StatusBadRequest)
		return
	}

	err := h.orch.Cancel(runID)
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrTerminalPhase):
		http.Error(w, "Run is already finished and cannot be cancelled", http.StatusBadRequest)
		return
	case err != nil:
		http.Error(w, "Failed to cancel run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Cancellation requested",
		"run_id":  runID,
	})
}

// Health reports service liveness
// @Summary Health check
// @Description Liveness probe for the ETL service
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{} "Service healthy"
// @Router /health [get]
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

// pathSegment pulls the id between a known prefix and suffix.
func pathSegment(path, prefix, suffix string) string {
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}
