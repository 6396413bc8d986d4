package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/infra/auth"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит класс ошибки ядра в HTTP-статус. Внутренние ошибки
// отдаются без подробностей.
func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch de.Kind {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindConflict, domain.KindInvalidTransition:
		status = http.StatusConflict
	case domain.KindPolicyViolation:
		status = http.StatusForbidden
	case domain.KindUpstream:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Error: de.Error(), Kind: string(de.Kind), Code: de.Code})
}

// visible — сущность чужой организации выглядит для оператора как отсутствующая
func visible(r *http.Request, orgID string) bool {
	return auth.ClaimsFrom(r.Context()).CanSeeOrg(orgID)
}

// orgParam — организация для списков: из ?org_id= или из токена оператора организации
func orgParam(r *http.Request) (string, bool) {
	claims := auth.ClaimsFrom(r.Context())
	org := r.URL.Query().Get("org_id")
	if org == "" && claims != nil {
		org = claims.OrgID
	}
	return org, claims.CanSeeOrg(org)
}

// pageParams читает ?limit= и ?offset=; мусор трактуется как 0
func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return max(limit, 0), max(offset, 0)
}
