package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/campuskb/campuskb/internal/corpus"
	"github.com/campuskb/campuskb/internal/log"
)

// maxUploadBytes caps document uploads at 32 MiB.
const maxUploadBytes = 32 << 20

// IngestService is the pipeline surface the handler needs.
type IngestService interface {
	SubmitDocument(ctx context.Context, filename string, data []byte) (*corpus.Ingestion, error)
	SubmitURL(ctx context.Context, startURL string, depth int) (*corpus.Ingestion, error)
	Status(ctx context.Context, ingestionID uuid.UUID) (*corpus.Ingestion, error)
	Cancel(ingestionID uuid.UUID) bool
}

// IngestHandler handles ingestion endpoints.
type IngestHandler struct {
	service IngestService
	logger  log.Logger
}

// NewIngestHandler creates an ingest handler.
func NewIngestHandler(service IngestService, logger log.Logger) *IngestHandler {
	return &IngestHandler{service: service, logger: logger}
}

// RegisterRoutes registers ingestion routes on the given mux.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/documents", h.submitDocument)
	mux.HandleFunc("POST /api/urls", h.submitURL)
	mux.HandleFunc("GET /api/ingestions/{id}", h.status)
	mux.HandleFunc("DELETE /api/ingestions/{id}", h.cancel)
}

// IngestionResponse is the JSON view of an ingestion run.
type IngestionResponse struct {
	ID            string   `json:"id"`
	SourceID      string   `json:"source_id"`
	Status        string   `json:"status"`
	ChunksStaged  int      `json:"chunks_staged"`
	ChunksLive    int      `json:"chunks_live"`
	DuplicateHits int      `json:"duplicate_hits"`
	Errors        []string `json:"errors,omitempty"`
	StartedAt     string   `json:"started_at"`
	FinishedAt    string   `json:"finished_at,omitempty"`
}

func ingestionResponse(run *corpus.Ingestion) IngestionResponse {
	resp := IngestionResponse{
		ID:            run.ID.String(),
		SourceID:      run.SourceID.String(),
		Status:        string(run.Status),
		ChunksStaged:  run.ChunksStaged,
		ChunksLive:    run.ChunksLive,
		DuplicateHits: run.DuplicateHits,
		Errors:        run.Errors,
		StartedAt:     run.StartedAt.Format(time.RFC3339),
	}
	if run.FinishedAt != nil {
		resp.FinishedAt = run.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

// submitDocument accepts a multipart upload with a "file" part and starts an
// ingestion run over it. Returns 202 with the running ingestion.
func (h *IngestHandler) submitDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "expected multipart form with a file part")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "file part is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read_failed", err.Error())
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty_file", "uploaded file is empty")
		return
	}

	run, err := h.service.SubmitDocument(r.Context(), header.Filename, data)
	if err != nil {
		h.logger.Error("document submission failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ingestionResponse(run))
}

// SubmitURLRequest is the body for POST /api/urls. CrawlDepth bounds this
// crawl's link hops; omitted or zero uses the server's configured default.
type SubmitURLRequest struct {
	URL        string `json:"url"`
	CrawlDepth int    `json:"crawl_depth,omitempty"`
}

// submitURL starts a crawl-backed ingestion run. Returns 202 with the
// running ingestion.
func (h *IngestHandler) submitURL(w http.ResponseWriter, r *http.Request) {
	var req SubmitURLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Hostname() == "" {
		writeError(w, http.StatusBadRequest, "invalid_url", "url must be absolute with a host")
		return
	}
	if req.CrawlDepth < 0 {
		writeError(w, http.StatusBadRequest, "invalid_depth", "crawl_depth must not be negative")
		return
	}

	run, err := h.service.SubmitURL(r.Context(), req.URL, req.CrawlDepth)
	if err != nil {
		h.logger.Error("url submission failed", "url", req.URL, "error", err)
		writeError(w, http.StatusInternalServerError, "submit_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, ingestionResponse(run))
}

// status reports an ingestion run.
func (h *IngestHandler) status(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "ingestion id must be a UUID")
		return
	}

	run, err := h.service.Status(r.Context(), id)
	if errors.Is(err, corpus.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "no such ingestion")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ingestionResponse(run))
}

// cancel stops a running ingestion. 202 if cancellation was delivered, 409
// if the run is not running anymore (or never existed).
func (h *IngestHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "ingestion id must be a UUID")
		return
	}

	if !h.service.Cancel(id) {
		writeError(w, http.StatusConflict, "not_running", "ingestion is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": "cancelling"})
}
