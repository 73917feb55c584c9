package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/export"
	"github.com/campuskb/campuskb/internal/log"
)

// ExportService is the exporter surface the handler needs.
type ExportService interface {
	Run(ctx context.Context) (*export.Result, error)
}

// QAReviewStore updates QA pair review states.
type QAReviewStore interface {
	UpdateQAState(ctx context.Context, id uuid.UUID, state corpus.QAState) error
}

// ExportHandler handles training data export and QA review.
type ExportHandler struct {
	service ExportService
	qa      QAReviewStore
	logger  log.Logger
}

// NewExportHandler creates an export handler.
func NewExportHandler(service ExportService, qa QAReviewStore, logger log.Logger) *ExportHandler {
	return &ExportHandler{service: service, qa: qa, logger: logger}
}

// RegisterRoutes registers export and review routes on the given mux.
func (h *ExportHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/export", h.runExport)
	mux.HandleFunc("PATCH /api/qa/{id}", h.reviewQA)
}

// runExport writes the accepted QA pairs as JSONL datasets.
func (h *ExportHandler) runExport(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Run(r.Context())
	switch {
	case errors.Is(err, export.ErrLocked):
		writeError(w, http.StatusConflict, "export_in_progress", "another export is running")
		return
	case errors.Is(err, export.ErrNoPairs):
		writeError(w, http.StatusUnprocessableEntity, "no_pairs", "no accepted QA pairs to export")
		return
	case err != nil:
		h.logger.Error("export failed", "error", err)
		writeError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReviewRequest is the body for PATCH /api/qa/{id}.
type ReviewRequest struct {
	State string `json:"state"` // "accepted" or "rejected"
}

// reviewQA transitions a QA pair between review states.
func (h *ExportHandler) reviewQA(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "qa pair id must be a UUID")
		return
	}

	var req ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	state := corpus.QAState(req.State)
	if state != corpus.QAAccepted && state != corpus.QARejected {
		writeError(w, http.StatusBadRequest, "invalid_state", "state must be accepted or rejected")
		return
	}

	if err := h.qa.UpdateQAState(r.Context(), id, state); err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such QA pair")
			return
		}
		h.logger.Error("qa review failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "review_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
