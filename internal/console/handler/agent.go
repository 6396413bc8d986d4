package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentpay-core/internal/console/service"
	"github.com/xela07ax/agentpay-core/internal/infra/auth"
)

type AgentHandler struct {
	service *service.SuspensionService
}

func NewAgentHandler(s *service.SuspensionService) *AgentHandler {
	return &AgentHandler{service: s}
}

// ListSuspended — GET /v1/agents/suspended
func (h *AgentHandler) ListSuspended(w http.ResponseWriter, r *http.Request) {
	ids, err := h.service.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"agent_ids": ids})
}

// Suspend — PUT /v1/agents/{id}/suspension. Kill-switch действует на всю платформу,
// поэтому оператору организации он недоступен.
func (h *AgentHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, true)
}

// Resume — DELETE /v1/agents/{id}/suspension
func (h *AgentHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.set(w, r, false)
}

func (h *AgentHandler) set(w http.ResponseWriter, r *http.Request, suspended bool) {
	claims := auth.ClaimsFrom(r.Context())
	if claims == nil || claims.OrgID != "" {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if err := h.service.Set(r.Context(), chi.URLParam(r, "id"), claims.UserID, suspended); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
