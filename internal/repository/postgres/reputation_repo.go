package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// ApplyOutcome учитывает исход ровно один раз. Вставка в reputation_outcomes
// служит фильтром дубликатов, строка агента пересчитывается под блокировкой
// в той же транзакции.
func (s *Store) ApplyOutcome(ctx context.Context, o domain.Outcome, apply func(rep *domain.AgentReputation)) (*domain.AgentReputation, bool, error) {
	var rep *domain.AgentReputation
	var applied bool
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO reputation_outcomes (id, agent_id, role, kind, source, source_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			o.ID, o.AgentID, string(o.Role), string(o.Kind), o.Source, o.SourceID, o.OccurredAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to record outcome: %w", err)
		}

		cur, err := loadReputation(ctx, tx, o.AgentID, true)
		if err != nil {
			return err
		}
		if cur == nil {
			cur = &domain.AgentReputation{AgentID: o.AgentID}
		}
		rep = cur
		if tag.RowsAffected() == 0 {
			return nil // дубликат: строку не трогаем
		}

		apply(cur)
		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("postgres: encode reputation: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO agent_reputations (agent_id, data, overall_score, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (agent_id) DO UPDATE SET
				data = EXCLUDED.data,
				overall_score = EXCLUDED.overall_score,
				updated_at = EXCLUDED.updated_at`,
			cur.AgentID, data, cur.Overall, cur.UpdatedAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to save reputation: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return rep, applied, nil
}

// GetReputation возвращает nil, nil для агента без истории
func (s *Store) GetReputation(ctx context.Context, agentID string) (*domain.AgentReputation, error) {
	return loadReputation(ctx, s.pool, agentID, false)
}

func loadReputation(ctx context.Context, q querier, agentID string, forUpdate bool) (*domain.AgentReputation, error) {
	query := `SELECT data FROM agent_reputations WHERE agent_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var data []byte
	if err := q.QueryRow(ctx, query, agentID).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get reputation: %w", err)
	}
	var rep domain.AgentReputation
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("postgres: decode reputation %s: %w", agentID, err)
	}
	return &rep, nil
}
