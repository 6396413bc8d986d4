package domain

import (
	"fmt"
	"time"
)

// PolicyScope — к какой сущности применяется политика
type PolicyScope string

const (
	ScopeOrganization PolicyScope = "organization"
	ScopeAgent        PolicyScope = "agent"
)

func ParsePolicyScope(s string) (PolicyScope, error) {
	switch PolicyScope(s) {
	case ScopeOrganization, ScopeAgent:
		return PolicyScope(s), nil
	}
	return "", fmt.Errorf("unknown policy scope %q", s)
}

// Policy — набор правил расходования средств для организации или агента.
// Все включенные применимые политики должны разрешить перевод независимо друг от друга.
type Policy struct {
	ID      string      `json:"id"`
	OrgID   string      `json:"org_id"`
	Scope   PolicyScope `json:"scope"`
	ScopeID string      `json:"scope_id"` // org_id или agent_id в зависимости от Scope
	Name    string      `json:"name"`
	Rules   RuleSet     `json:"rules"`

	// Меньшее значение проверяется раньше. Влияет только на порядок, не на обязательность.
	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate проверяет политику перед сохранением. Правила неизвестного вида
// сохраняются как есть: при оценке они дают отказ.
func (p *Policy) Validate() error {
	if p.ID == "" || p.ScopeID == "" {
		return Validationf("policy: id and scope_id are required")
	}
	if _, err := ParsePolicyScope(string(p.Scope)); err != nil {
		return Validationf("policy %s: %v", p.ID, err)
	}
	if p.Scope == ScopeOrganization && p.OrgID != "" && p.OrgID != p.ScopeID {
		return Validationf("policy %s: org_id %q does not match scope_id %q", p.ID, p.OrgID, p.ScopeID)
	}
	if p.Scope == ScopeAgent && p.OrgID == "" {
		return Validationf("policy %s: org_id is required for agent scope", p.ID)
	}
	return nil
}

// AppliesTo проверяет, что политика включена и в ее области находится агент или его организация
func (p *Policy) AppliesTo(orgID, agentID string) bool {
	if p == nil || !p.Enabled {
		return false
	}
	switch p.Scope {
	case ScopeAgent:
		return agentID != "" && p.ScopeID == agentID
	case ScopeOrganization:
		return orgID != "" && p.ScopeID == orgID
	}
	return false
}

// Decision — результат оценки перевода
type Decision struct {
	Allowed  bool     `json:"allowed"`
	PolicyID string   `json:"policy_id,omitempty"`
	Rule     RuleKind `json:"rule,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

func Allow() Decision { return Decision{Allowed: true} }

func Deny(policyID string, rule RuleKind, reason string) Decision {
	return Decision{PolicyID: policyID, Rule: rule, Reason: reason}
}

// Err превращает запрет в PolicyViolation, разрешение — в nil
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return PolicyViolation(d.PolicyID, d.Rule, d.Reason)
}
