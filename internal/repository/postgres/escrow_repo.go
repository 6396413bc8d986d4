package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const escrowColumns = `id, org_id, funder_agent_id, funder_wallet, recipient, arbiter, amount::text, token,
	status, pending_action, attempt, conditions, fund_ref, release_ref, refund_ref,
	dispute_reason, resolution_notes, expires_at, funded_at, completed_at, created_at, updated_at`

func scanEscrow(row pgx.Row) (domain.Escrow, error) {
	var e domain.Escrow
	var status, pending string
	var conditions []byte
	err := row.Scan(&e.ID, &e.OrgID, &e.FunderAgentID, &e.FunderWallet, &e.Recipient, &e.Arbiter,
		amount{&e.Amount}, &e.Token, &status, &pending, &e.Attempt, &conditions,
		&e.FundRef, &e.ReleaseRef, &e.RefundRef, &e.DisputeReason, &e.ResolutionNotes,
		&e.ExpiresAt, &e.FundedAt, &e.CompletedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return e, err
	}
	e.Status = domain.EscrowStatus(status)
	e.PendingAction = domain.EscrowAction(pending)
	if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
		return e, fmt.Errorf("postgres: escrow %s conditions: %w", e.ID, err)
	}
	return e, nil
}

func (s *Store) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	conditions, err := json.Marshal(e.Conditions)
	if err != nil {
		return fmt.Errorf("postgres: encode conditions: %w", err)
	}
	query := `
		INSERT INTO escrows (id, org_id, funder_agent_id, funder_wallet, recipient, arbiter, amount, token,
			status, pending_action, attempt, conditions, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`
	_, err = s.pool.Exec(ctx, query, e.ID, e.OrgID, e.FunderAgentID, e.FunderWallet, e.Recipient, e.Arbiter,
		numeric(e.Amount), e.Token, string(e.Status), string(e.PendingAction), e.Attempt, conditions,
		e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return domain.Conflict("", "escrow %s already exists", e.ID)
		}
		return fmt.Errorf("postgres: failed to create escrow: %w", err)
	}
	return nil
}

func (s *Store) GetEscrow(ctx context.Context, id string) (*domain.Escrow, error) {
	e, err := scanEscrow(s.pool.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("escrow", id)
		}
		return nil, fmt.Errorf("postgres: failed to get escrow: %w", err)
	}
	return &e, nil
}

// UpdateEscrow блокирует строку, сверяет guard и записывает patch в одной транзакции.
// Строка, не прошедшая guard (или отсутствующая), дает ErrPreconditionFailed.
func (s *Store) UpdateEscrow(ctx context.Context, id string, guard domain.EscrowGuard, patch domain.EscrowPatch) (*domain.Escrow, error) {
	var out domain.Escrow
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrPreconditionFailed
			}
			return err
		}
		if !guard.Match(&e) {
			return domain.ErrPreconditionFailed
		}
		patch.ApplyTo(&e)

		query := `
			UPDATE escrows
			SET status = $2, pending_action = $3, attempt = $4,
			    fund_ref = $5, release_ref = $6, refund_ref = $7,
			    dispute_reason = $8, resolution_notes = $9,
			    funded_at = $10, completed_at = $11, updated_at = $12
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query, id, string(e.Status), string(e.PendingAction), e.Attempt,
			e.FundRef, e.ReleaseRef, e.RefundRef, e.DisputeReason, e.ResolutionNotes,
			e.FundedAt, e.CompletedAt, e.UpdatedAt); err != nil {
			return fmt.Errorf("postgres: failed to update escrow: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListExpiredEscrows — незавершенные эскроу без маркера, срок которых истек к now
func (s *Store) ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error) {
	lim, _ := page(limit, 0)
	return s.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('created', 'funded') AND pending_action = ''
		  AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, lim)
}

func (s *Store) ListEscrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	lim, off := page(f.Limit, f.Offset)
	return s.listEscrows(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE org_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`, f.OrgID, string(f.Status), lim, off)
}

func (s *Store) listEscrows(ctx context.Context, query string, args ...any) ([]domain.Escrow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query escrows: %w", err)
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan escrow: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
