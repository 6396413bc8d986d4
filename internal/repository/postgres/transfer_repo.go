package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const transferColumns = `id, org_id, agent_id, source_wallet, destination, amount::text, fee::text, token,
	idempotency_key, status, settlement_ref, failure_reason, created_at, updated_at`

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var t domain.Transfer
	var status string
	err := row.Scan(&t.ID, &t.OrgID, &t.AgentID, &t.SourceWallet, &t.Destination,
		amount{&t.Amount}, amount{&t.Fee}, &t.Token, &t.IdempotencyKey, &status,
		&t.SettlementRef, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	t.Status = domain.TransferStatus(status)
	return t, err
}

// GetTransferByKey возвращает nil, nil, если ключ не встречался
func (s *Store) GetTransferByKey(ctx context.Context, key string) (*domain.Transfer, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx,
		`SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get transfer: %w", err)
	}
	return &t, nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (*domain.Transfer, error) {
	t, err := scanTransfer(s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("transfer", id)
		}
		return nil, fmt.Errorf("postgres: failed to get transfer: %w", err)
	}
	return &t, nil
}

// InsertTransfer — вставка, если ключа еще нет. Уникальный индекс по ключу
// разрешает гонку двух вставок, проигравший получает Conflict.
func (s *Store) InsertTransfer(ctx context.Context, t *domain.Transfer) error {
	query := `
		INSERT INTO transfers (id, org_id, agent_id, source_wallet, destination, amount, fee, token,
			idempotency_key, status, settlement_ref, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING`
	tag, err := s.pool.Exec(ctx, query, t.ID, t.OrgID, t.AgentID, t.SourceWallet, t.Destination,
		numeric(t.Amount), numeric(t.Fee), t.Token, t.IdempotencyKey, string(t.Status),
		t.SettlementRef, t.FailureReason, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if uniqueViolation(err) {
			return domain.Conflict("", "transfer %s already exists", t.ID)
		}
		return fmt.Errorf("postgres: failed to insert transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(domain.CodeDuplicateKey, "idempotency key %q already used", t.IdempotencyKey)
	}
	return nil
}

// UpdateTransferStatus переводит запись, только если ее статус входит в from
func (s *Store) UpdateTransferStatus(ctx context.Context, id string, from []domain.TransferStatus, u domain.TransferUpdate) error {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	query := `
		UPDATE transfers
		SET status = $1,
		    settlement_ref = CASE WHEN $2 = '' THEN settlement_ref ELSE $2 END,
		    failure_reason = $3,
		    updated_at = $4
		WHERE id = $5 AND status = ANY($6)`
	tag, err := s.pool.Exec(ctx, query, string(u.Status), u.SettlementRef, u.FailureReason, u.UpdatedAt, id, statuses)
	if err != nil {
		return fmt.Errorf("postgres: failed to update transfer status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPreconditionFailed
	}
	return nil
}

// ListWalletTransfers — история кошелька организации за окно (since, now]
func (s *Store) ListWalletTransfers(ctx context.Context, orgID, wallet string, since time.Time) ([]domain.Transfer, error) {
	return s.listTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE org_id = $1 AND source_wallet = $2 AND created_at > $3
		ORDER BY created_at`, orgID, wallet, since)
}

// ListUnsettledTransfers — pending и unknown, не обновлявшиеся с updatedBefore, для сверки
func (s *Store) ListUnsettledTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	lim, _ := page(limit, 0)
	return s.listTransfers(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE status IN ('pending', 'unknown') AND updated_at <= $1
		ORDER BY updated_at
		LIMIT $2`, updatedBefore, lim)
}

func (s *Store) listTransfers(ctx context.Context, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query transfers: %w", err)
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan transfer: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return out, nil
}
