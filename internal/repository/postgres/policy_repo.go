package postgres

/*
Файл policy_repo.go отвечает за долговременное хранение политик расходования.
Оценка перевода читает политики из памяти (policy.MemoCache), база нужна
для холодной загрузки и для перезагрузки по сигналу из Redis.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const policyColumns = `id, org_id, scope, scope_id, name, rules, priority, enabled, created_at, updated_at`

func scanPolicy(row pgx.Row) (domain.Policy, error) {
	var p domain.Policy
	var scope string
	var rules []byte
	if err := row.Scan(&p.ID, &p.OrgID, &scope, &p.ScopeID, &p.Name, &rules,
		&p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.Scope = domain.PolicyScope(scope)
	// Неизвестные правила декодируются как UnknownRule и дают отказ при оценке
	if err := json.Unmarshal(rules, &p.Rules); err != nil {
		return p, fmt.Errorf("postgres: policy %s rules: %w", p.ID, err)
	}
	return p, nil
}

// GetAllPolicies выполняет "холодную загрузку" всего набора политик при старте
func (s *Store) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (s *Store) GetPolicy(ctx context.Context, id string) (*domain.Policy, error) {
	p, err := scanPolicy(s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("policy", id)
		}
		return nil, fmt.Errorf("postgres: failed to get policy: %w", err)
	}
	return &p, nil
}

// UpsertPolicy создает или заменяет политику целиком
func (s *Store) UpsertPolicy(ctx context.Context, p domain.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: encode rules: %w", err)
	}
	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			scope = EXCLUDED.scope,
			scope_id = EXCLUDED.scope_id,
			name = EXCLUDED.name,
			rules = EXCLUDED.rules,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`
	_, err = s.pool.Exec(ctx, query, p.ID, p.OrgID, string(p.Scope), p.ScopeID, p.Name, rules,
		p.Priority, p.Enabled, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert policy: %w", err)
	}
	return nil
}

func (s *Store) DeletePolicy(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("policy", id)
	}
	return nil
}
