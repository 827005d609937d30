package handlers

import (
	"errors"
	"net/http"

	"github.com/Harshitk-cp/strata/internal/service"
)

type LifecycleHandler struct {
	manager *service.LifecycleManager
}

func NewLifecycleHandler(manager *service.LifecycleManager) *LifecycleHandler {
	return &LifecycleHandler{manager: manager}
}

// Consolidate triggers an immediate consolidation run.
func (h *LifecycleHandler) Consolidate(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.ForceConsolidation(r.Context())
	if err != nil {
		if errors.Is(err, service.ErrPassInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		handleServiceError(w, err, "consolidation failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Run triggers a full lifecycle pass.
func (h *LifecycleHandler) Run(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.RunPass(r.Context()); err != nil {
		if errors.Is(err, service.ErrPassInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		handleServiceError(w, err, "lifecycle pass failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats reports the lifecycle manager's view of the store.
func (h *LifecycleHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		handleServiceError(w, err, "failed to collect lifecycle stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
