package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xela07ax/agentpay-core/internal/domain"
	"gopkg.in/yaml.v3"
)

// bundleFile — YAML-файл с политиками для начальной загрузки.
//
//	policies:
//	  - id: org-default
//	    org_id: org-1
//	    scope: organization
//	    scope_id: org-1
//	    priority: 10
//	    enabled: true
//	    rules:
//	      - kind: per_transaction_cap
//	        max: 5000000
type bundleFile struct {
	Policies []bundlePolicy `yaml:"policies"`
}

type bundlePolicy struct {
	ID       string           `yaml:"id"`
	OrgID    string           `yaml:"org_id"`
	Scope    string           `yaml:"scope"`
	ScopeID  string           `yaml:"scope_id"`
	Name     string           `yaml:"name"`
	Priority int              `yaml:"priority"`
	Enabled  *bool            `yaml:"enabled"`
	Rules    []map[string]any `yaml:"rules"`
}

func LoadBundle(path string) ([]domain.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy bundle: %w", err)
	}
	return ParseBundle(raw)
}

func ParseBundle(raw []byte) ([]domain.Policy, error) {
	var f bundleFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse policy bundle: %w", err)
	}

	out := make([]domain.Policy, 0, len(f.Policies))
	for i, bp := range f.Policies {
		scope, err := domain.ParsePolicyScope(bp.Scope)
		if err != nil {
			return nil, fmt.Errorf("policy bundle entry %d: %w", i, err)
		}
		if bp.ID == "" || bp.ScopeID == "" {
			return nil, fmt.Errorf("policy bundle entry %d: id and scope_id are required", i)
		}

		// Правила переводим в JSON и разбираем тем же декодером вариантов, что и из БД
		rulesJSON, err := json.Marshal(bp.Rules)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", bp.ID, err)
		}
		var rules domain.RuleSet
		if err := json.Unmarshal(rulesJSON, &rules); err != nil {
			return nil, fmt.Errorf("policy %s: %w", bp.ID, err)
		}

		orgID := bp.OrgID
		if orgID == "" && scope == domain.ScopeOrganization {
			orgID = bp.ScopeID
		}
		enabled := bp.Enabled == nil || *bp.Enabled

		out = append(out, domain.Policy{
			ID:       bp.ID,
			OrgID:    orgID,
			Scope:    scope,
			ScopeID:  bp.ScopeID,
			Name:     bp.Name,
			Rules:    rules,
			Priority: bp.Priority,
			Enabled:  enabled,
		})
	}
	return out, nil
}
