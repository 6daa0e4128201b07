package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/store"
)

const (
	runsTimeout     = 3 * time.Second
	defaultRunLimit = 20
)

// RunHandler serves run history read endpoints.
type RunHandler struct {
	runs    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler constructs a RunHandler over the run repository.
func NewRunHandler(runs store.RunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:    runs,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns returns run history newest first. Supported query parameters:
// status (running|success|error), limit, offset.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}

	status, ok := parseStatusFilter(r.URL.Query().Get("status"))
	if !ok {
		writeError(w, http.StatusBadRequest, "status must be running, success, or error")
		return
	}
	limit := parseIntParam(r.URL.Query().Get("limit"), defaultRunLimit)
	offset := parseIntParam(r.URL.Query().Get("offset"), 0)

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.runs.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	dtos := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		dtos = append(dtos, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// GetRun returns a single run by its UUID.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "run_id must be a UUID")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func parseStatusFilter(raw string) (*store.RunStatus, bool) {
	if raw == "" {
		return nil, true
	}
	status := store.RunStatus(raw)
	switch status {
	case store.RunRunning, store.RunSuccess, store.RunError:
		return &status, true
	default:
		return nil, false
	}
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

type runDTO struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
	Pages      int64      `json:"pages"`
	Events     int64      `json:"events"`
	Inserted   int64      `json:"inserted"`
	Duplicates int64      `json:"duplicates"`
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		RunID:      run.ID.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
		Pages:      run.Pages,
		Events:     run.Events,
		Inserted:   run.Inserted,
		Duplicates: run.Duplicates,
	}
}
