package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/agentpay-core/internal/audit"
)

// Количество колонок в таблице audit_logs
const auditFields = 18

// WriteBatch сохраняет пачку событий AgentFS одним INSERT
func (s *Store) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	var sb strings.Builder
	vals := make([]interface{}, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('(')
		for f := 1; f <= auditFields; f++ {
			if f > 1 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "$%d", i*auditFields+f)
		}
		sb.WriteByte(')')

		var payload []byte
		if len(e.Payload) > 0 {
			payload, _ = json.Marshal(e.Payload)
		}

		vals = append(vals,
			e.ID, e.TraceID, e.OrgID, e.AgentID, e.Entity, e.EntityID, e.Action,
			e.FromState, e.ToState, numeric(e.Amount), e.Token, e.PolicyID, e.Rule,
			e.Status, payload, e.Error, e.DurationMs, e.Timestamp,
		)
	}

	query := `INSERT INTO audit_logs (id, trace_id, org_id, agent_id, entity, entity_id, action,
		from_state, to_state, amount, token, policy_id, rule, status, payload, error, duration_ms, timestamp)
		VALUES ` + sb.String() + ` ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// AuditTrail — журнал по одной сущности в хронологическом порядке
func (s *Store) AuditTrail(ctx context.Context, entity, entityID string, limit int) ([]audit.AuditEvent, error) {
	lim, _ := page(limit, 0)
	rows, err := s.pool.Query(ctx, `
		SELECT id, trace_id, org_id, agent_id, entity, entity_id, action, from_state, to_state,
		       amount::text, token, policy_id, rule, status, payload, error, duration_ms, timestamp
		FROM audit_logs
		WHERE entity = $1 AND entity_id = $2
		ORDER BY timestamp
		LIMIT $3`, entity, entityID, lim)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit trail: %w", err)
	}
	defer rows.Close()

	out := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var e audit.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.TraceID, &e.OrgID, &e.AgentID, &e.Entity, &e.EntityID, &e.Action,
			&e.FromState, &e.ToState, amount{&e.Amount}, &e.Token, &e.PolicyID, &e.Rule,
			&e.Status, &payload, &e.Error, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		if payload != nil {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
