package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Harshitk-cp/strata/internal/domain"
	"github.com/Harshitk-cp/strata/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type MemoryHandler struct {
	svc *service.MemoryService
}

func NewMemoryHandler(svc *service.MemoryService) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

type createMemoryRequest struct {
	OwnerID   string          `json:"owner_id"`
	Content   string          `json:"content"`
	Metadata  domain.Metadata `json:"metadata,omitempty"`
	Embedding []float32       `json:"embedding,omitempty"`
}

func (h *MemoryHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner_id")
		return
	}

	memory, err := h.svc.Store(r.Context(), service.StoreRequest{
		OwnerID:   ownerID,
		Content:   req.Content,
		Metadata:  req.Metadata,
		Embedding: req.Embedding,
	})
	if err != nil {
		handleServiceError(w, err, "failed to store memory")
		return
	}

	writeJSON(w, http.StatusCreated, memory)
}

func (h *MemoryHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	memory, err := h.svc.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err, "failed to get memory")
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

type updateMemoryRequest struct {
	Content  *string          `json:"content,omitempty"`
	Metadata *domain.Metadata `json:"metadata,omitempty"`
}

func (h *MemoryHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req updateMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	memory, err := h.svc.Update(r.Context(), id, service.UpdateRequest{
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		handleServiceError(w, err, "failed to update memory")
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

func (h *MemoryHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	if _, err := h.svc.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err, "failed to delete memory")
		return
	}
	// Deletion is idempotent; an absent id still answers 204.
	w.WriteHeader(http.StatusNoContent)
}

func (h *MemoryHandler) RecordAccess(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	if err := h.svc.RecordAccess(r.Context(), id); err != nil {
		handleServiceError(w, err, "failed to record access")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionRequest struct {
	Tier string `json:"tier"`
}

func (h *MemoryHandler) Transition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid memory id")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	memory, err := h.svc.TransitionTier(r.Context(), id, domain.Tier(req.Tier))
	if err != nil {
		handleServiceError(w, err, "failed to transition memory")
		return
	}
	writeJSON(w, http.StatusOK, memory)
}

type retrieveResponse struct {
	Memories []domain.MemoryWithScore `json:"memories"`
	Query    string                   `json:"query"`
	Count    int                      `json:"count"`
}

func (h *MemoryHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter is required")
		return
	}

	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid or missing owner_id parameter")
		return
	}

	k := 0
	if topKStr := r.URL.Query().Get("top_k"); topKStr != "" {
		if topK, err := strconv.Atoi(topKStr); err == nil && topK > 0 {
			k = topK
		}
	}

	results, err := h.svc.Retrieve(r.Context(), service.RetrieveRequest{
		OwnerID: ownerID,
		Query:   query,
		K:       k,
	})
	if err != nil {
		handleServiceError(w, err, "failed to retrieve memories")
		return
	}
	if results == nil {
		results = []domain.MemoryWithScore{}
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Memories: results,
		Query:    query,
		Count:    len(results),
	})
}

func (h *MemoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func handleServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, fallback)
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
