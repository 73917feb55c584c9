package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/campuskb/campuskb/internal/log"
	"github.com/campuskb/campuskb/internal/retrieve"
)

// defaultTopK is used when the request omits k.
const defaultTopK = 5

// maxTopK bounds a single retrieval.
const maxTopK = 50

// RetrieveService is the retriever surface the handler needs.
type RetrieveService interface {
	Retrieve(ctx context.Context, query string, k, maxContextTokens int) (*retrieve.Result, error)
}

// RetrieveHandler handles the retrieval endpoint.
type RetrieveHandler struct {
	service RetrieveService
	logger  log.Logger
}

// NewRetrieveHandler creates a retrieve handler.
func NewRetrieveHandler(service RetrieveService, logger log.Logger) *RetrieveHandler {
	return &RetrieveHandler{service: service, logger: logger}
}

// RegisterRoutes registers the retrieval route on the given mux.
func (h *RetrieveHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/retrieve", h.retrieve)
}

// RetrieveRequest is the body for POST /api/retrieve. MaxContextTokens
// bounds the assembled context for this call; omitted or zero uses the
// server's configured budget.
type RetrieveRequest struct {
	Query            string `json:"query"`
	K                int    `json:"k,omitempty"`
	MaxContextTokens int    `json:"max_context_tokens,omitempty"`
}

// RetrievedChunk is one result row. Offsets locate the chunk inside its
// source's extracted text for attribution.
type RetrievedChunk struct {
	ChunkID     string  `json:"chunk_id"`
	SourceID    string  `json:"source_id"`
	Content     string  `json:"content"`
	Section     string  `json:"section,omitempty"`
	Page        int     `json:"page,omitempty"`
	StartOffset int     `json:"start_offset"`
	EndOffset   int     `json:"end_offset"`
	Score       float64 `json:"score"`
}

// RetrieveResponse is the reply for POST /api/retrieve.
type RetrieveResponse struct {
	Chunks  []RetrievedChunk `json:"chunks"`
	Context string           `json:"context"`
}

func (h *RetrieveHandler) retrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "empty_query", "query is required")
		return
	}
	if req.K <= 0 {
		req.K = defaultTopK
	}
	if req.K > maxTopK {
		req.K = maxTopK
	}
	if req.MaxContextTokens < 0 {
		writeError(w, http.StatusBadRequest, "invalid_budget", "max_context_tokens must not be negative")
		return
	}

	result, err := h.service.Retrieve(r.Context(), req.Query, req.K, req.MaxContextTokens)
	if errors.Is(err, retrieve.ErrModelMismatch) {
		writeError(w, http.StatusConflict, "model_mismatch", err.Error())
		return
	}
	if err != nil {
		h.logger.Error("retrieval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "retrieve_failed", err.Error())
		return
	}

	resp := RetrieveResponse{
		Chunks:  make([]RetrievedChunk, 0, len(result.Chunks)),
		Context: result.Context,
	}
	for _, c := range result.Chunks {
		resp.Chunks = append(resp.Chunks, RetrievedChunk{
			ChunkID:     c.ID.String(),
			SourceID:    c.SourceID.String(),
			Content:     c.Content,
			Section:     c.Section,
			Page:        c.Page,
			StartOffset: c.StartOffset,
			EndOffset:   c.EndOffset,
			Score:       c.Score,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeJSON decodes a request body, rejecting unknown fields so client
// typos surface as errors instead of silently defaulted values.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}
