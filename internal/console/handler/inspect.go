package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/console/service"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

type InspectHandler struct {
	service *service.InspectService
}

func NewInspectHandler(s *service.InspectService) *InspectHandler {
	return &InspectHandler{service: s}
}

// GetTransfer — GET /v1/transfers/{id}
func (h *InspectHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.service.Transfer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, t.OrgID) {
		writeError(w, domain.NotFound("transfer", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetEscrow — GET /v1/escrows/{id}
func (h *InspectHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, err := h.service.Escrow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, e.OrgID) {
		writeError(w, domain.NotFound("escrow", id))
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ListEscrows — GET /v1/escrows?org_id=...&status=...&limit=&offset=
func (h *InspectHandler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	org, ok := orgParam(r)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	f := domain.EscrowFilter{OrgID: org}
	if st := r.URL.Query().Get("status"); st != "" {
		status, err := domain.ParseEscrowStatus(st)
		if err != nil {
			writeError(w, domain.Validationf("%v", err))
			return
		}
		f.Status = status
	}
	f.Limit, f.Offset = pageParams(r)

	list, err := h.service.Escrows(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetJob — GET /v1/jobs/{id}
func (h *InspectHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.service.Job(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, j.OrgID) {
		writeError(w, domain.NotFound("job", id))
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListMemos — GET /v1/jobs/{id}/memos
func (h *InspectHandler) ListMemos(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.service.Job(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, j.OrgID) {
		writeError(w, domain.NotFound("job", id))
		return
	}
	memos, err := h.service.Memos(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memos)
}

// ListJobs — GET /v1/jobs?org_id=...&agent_id=...&phase=...
func (h *InspectHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	org, ok := orgParam(r)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	q := r.URL.Query()
	f := domain.JobFilter{OrgID: org, AgentID: q.Get("agent_id")}
	if ph := q.Get("phase"); ph != "" {
		phase, err := domain.ParseJobPhase(ph)
		if err != nil {
			writeError(w, domain.Validationf("%v", err))
			return
		}
		f.Phase = phase
	}
	f.Limit, f.Offset = pageParams(r)

	list, err := h.service.Jobs(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// GetSwarm — GET /v1/swarms/{id}
func (h *InspectHandler) GetSwarm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sw, err := h.service.Swarm(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, sw.OrgID) {
		writeError(w, domain.NotFound("swarm", id))
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

// ListMembers — GET /v1/swarms/{id}/members
func (h *InspectHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sw, err := h.service.Swarm(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, sw.OrgID) {
		writeError(w, domain.NotFound("swarm", id))
		return
	}
	members, err := h.service.Members(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

// GetTask — GET /v1/tasks/{id}
func (h *InspectHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, sw, err := h.service.Task(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !visible(r, sw.OrgID) {
		writeError(w, domain.NotFound("swarm task", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetReputation — GET /v1/agents/{id}/reputation. Репутация публична для всех операторов.
func (h *InspectHandler) GetReputation(w http.ResponseWriter, r *http.Request) {
	rep, err := h.service.Reputation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetDashboard — GET /v1/dashboard?org_id=...
func (h *InspectHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	org, ok := orgParam(r)
	if !ok {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	d, err := h.service.Dashboard(r.Context(), org)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetAuditTrail — GET /v1/audit/{entity}/{id}
func (h *InspectHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entity, id := chi.URLParam(r, "entity"), chi.URLParam(r, "id")
	limit, _ := pageParams(r)

	events, err := h.service.AuditTrail(r.Context(), entity, id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	// Оператор организации видит только события своей организации
	out := make([]audit.AuditEvent, 0, len(events))
	for _, e := range events {
		if visible(r, e.OrgID) {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, out)
}
