package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ama66/datasync/internal/ingest"
)

const progressTimeout = 3 * time.Second

// ProgressHandler exposes the read-only drain progress endpoint, assembled
// from the checkpoint row and the stored event count.
type ProgressHandler struct {
	checkpoints ingest.CheckpointStore
	events      ingest.EventStore
	timeout     time.Duration
	logger      *zap.Logger
}

// NewProgressHandler wires the stores and logger.
func NewProgressHandler(
	checkpoints ingest.CheckpointStore,
	events ingest.EventStore,
	logger *zap.Logger,
) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		checkpoints: checkpoints,
		events:      events,
		timeout:     progressTimeout,
		logger:      logger,
	}
}

// GetProgress handles GET /v1/progress. It returns the progress snapshot on
// success, 503 when the stores are unavailable, or 500 if a store call fails.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil || h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "progress stores unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	cp, err := h.checkpoints.Load(ctx)
	if err != nil {
		h.logger.Error("load checkpoint failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	ingested, err := h.events.Count(ctx)
	if err != nil {
		h.logger.Error("count events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count events")
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(cp, ingested))
}

// toProgressDTO maps the checkpoint onto the wire shape. A written row whose
// cursor is cleared means the last scan drained the stream.
func toProgressDTO(cp ingest.Checkpoint, ingested int64) progressDTO {
	dto := progressDTO{
		TotalEvents:    cp.TotalEvents,
		IngestedEvents: ingested,
	}
	if cp.NextCursor != "" {
		cursor := cp.NextCursor
		dto.NextCursor = &cursor
	}
	if !cp.UpdatedAt.IsZero() {
		updated := cp.UpdatedAt
		dto.UpdatedAt = &updated
		dto.Complete = cp.NextCursor == ""
	}
	return dto
}

type progressDTO struct {
	NextCursor     *string    `json:"next_cursor"`
	TotalEvents    int64      `json:"total_events"`
	IngestedEvents int64      `json:"ingested_events"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
	Complete       bool       `json:"complete"`
}
