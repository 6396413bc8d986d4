package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentpay-core/internal/console/service"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get возвращает детали конкретной политики по её ID.
// GET /v1/policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, p.OrgID) {
		writeError(w, domain.NotFound("policy", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// List возвращает политики организации (или все для оператора платформы)
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	org, ok := orgParam(r)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	policies, err := h.service.GetAll(r.Context(), org)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

// Put создает или заменяет политику и инициирует инвалидацию кэша.
// PUT /v1/policies/{id}
func (h *PolicyHandler) Put(w http.ResponseWriter, r *http.Request) {
	var p domain.Policy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, domain.Validationf("invalid request body: %v", err))
		return
	}
	p.ID = chi.URLParam(r, "id")
	if p.Scope == domain.ScopeOrganization && p.OrgID == "" {
		p.OrgID = p.ScopeID
	}
	if !visible(r, p.OrgID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	saved, err := h.service.Save(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// Delete удаляет политику и инициирует инвалидацию кэша
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, p.OrgID) {
		writeError(w, domain.NotFound("policy", id))
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
