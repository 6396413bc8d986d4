package policy

import (
	"context"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// Source поставляет кандидатов политик для организации и агента.
// Возвращает и agent-, и organization-scoped политики; фильтрация по enabled — в Evaluate.
type Source interface {
	Candidates(ctx context.Context, orgID, agentID string) ([]domain.Policy, error)
}

// StaticSource — фиксированный набор политик (бандл из файла или тесты)
type StaticSource []domain.Policy

func (s StaticSource) Candidates(_ context.Context, orgID, agentID string) ([]domain.Policy, error) {
	out := make([]domain.Policy, 0, len(s))
	for _, p := range s {
		switch {
		case p.Scope == domain.ScopeAgent && agentID != "" && p.ScopeID == agentID:
			out = append(out, p)
		case p.Scope == domain.ScopeOrganization && p.ScopeID == orgID:
			out = append(out, p)
		}
	}
	return out, nil
}
