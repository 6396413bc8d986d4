package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const jobColumns = `id, org_id, buyer, seller, evaluator, buyer_wallet, seller_wallet, phase, pending_event,
	terms, agreed_terms, agreed_price::text, token, escrow_id, swarm_task_id, subtask_id,
	result_data, delivery_notes, evaluation_notes, rating, cancel_reason,
	deadline, negotiated_at, transacted_at, delivered_at, evaluated_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var phase, pending string
	var terms, agreed, result []byte
	err := row.Scan(&j.ID, &j.OrgID, &j.Buyer, &j.Seller, &j.Evaluator, &j.BuyerWallet, &j.SellerWallet,
		&phase, &pending, &terms, &agreed, amount{&j.AgreedPrice}, &j.Token,
		&j.EscrowID, &j.SwarmTaskID, &j.SubtaskID,
		&result, &j.DeliveryNotes, &j.EvaluationNotes, &j.Rating, &j.CancelReason,
		&j.Deadline, &j.NegotiatedAt, &j.TransactedAt, &j.DeliveredAt, &j.EvaluatedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return j, err
	}
	j.Phase = domain.JobPhase(phase)
	j.PendingEvent = domain.JobEvent(pending)
	if err := json.Unmarshal(terms, &j.Terms); err != nil {
		return j, fmt.Errorf("postgres: job %s terms: %w", j.ID, err)
	}
	if agreed != nil {
		j.AgreedTerms = new(domain.JobTerms)
		if err := json.Unmarshal(agreed, j.AgreedTerms); err != nil {
			return j, fmt.Errorf("postgres: job %s agreed terms: %w", j.ID, err)
		}
	}
	if result != nil {
		j.ResultData = json.RawMessage(result)
	}
	return j, nil
}

// rawOrNil — пустой JSON уходит в базу как NULL
func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// CreateJob сохраняет заказ и первое мемо одной транзакцией
func (s *Store) CreateJob(ctx context.Context, j *domain.Job, memo *domain.Memo) error {
	terms, err := json.Marshal(j.Terms)
	if err != nil {
		return fmt.Errorf("postgres: encode terms: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO jobs (id, org_id, buyer, seller, evaluator, buyer_wallet, seller_wallet, phase, pending_event,
				terms, agreed_price, token, swarm_task_id, subtask_id, deadline, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`
		_, err := tx.Exec(ctx, query, j.ID, j.OrgID, j.Buyer, j.Seller, j.Evaluator, j.BuyerWallet, j.SellerWallet,
			string(j.Phase), string(j.PendingEvent), terms, numeric(j.AgreedPrice), j.Token,
			j.SwarmTaskID, j.SubtaskID, j.Deadline, j.CreatedAt, j.UpdatedAt)
		if err != nil {
			if uniqueViolation(err) {
				return domain.Conflict("", "job %s already exists", j.ID)
			}
			return fmt.Errorf("postgres: failed to create job: %w", err)
		}
		if memo != nil {
			return insertMemo(ctx, tx, memo)
		}
		return nil
	})
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("job", id)
		}
		return nil, fmt.Errorf("postgres: failed to get job: %w", err)
	}
	return &j, nil
}

// UpdateJob применяет patch под блокировкой строки и добавляет memo в той же транзакции:
// фаза и запись в журнале появляются вместе или не появляются вовсе
func (s *Store) UpdateJob(ctx context.Context, id string, guard domain.JobGuard, patch domain.JobPatch, memo *domain.Memo) (*domain.Job, error) {
	var out domain.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrPreconditionFailed
			}
			return err
		}
		if !guard.Match(&j) {
			return domain.ErrPreconditionFailed
		}
		patch.ApplyTo(&j)

		var agreed []byte
		if j.AgreedTerms != nil {
			if agreed, err = json.Marshal(j.AgreedTerms); err != nil {
				return fmt.Errorf("postgres: encode agreed terms: %w", err)
			}
		}
		query := `
			UPDATE jobs
			SET phase = $2, pending_event = $3, agreed_terms = $4, agreed_price = $5, escrow_id = $6,
			    result_data = $7, delivery_notes = $8, evaluation_notes = $9, rating = $10, cancel_reason = $11,
			    negotiated_at = $12, transacted_at = $13, delivered_at = $14, evaluated_at = $15,
			    completed_at = $16, updated_at = $17
			WHERE id = $1`
		if _, err := tx.Exec(ctx, query, id, string(j.Phase), string(j.PendingEvent), agreed,
			numeric(j.AgreedPrice), j.EscrowID, rawOrNil(j.ResultData), j.DeliveryNotes, j.EvaluationNotes,
			j.Rating, j.CancelReason, j.NegotiatedAt, j.TransactedAt, j.DeliveredAt, j.EvaluatedAt,
			j.CompletedAt, j.UpdatedAt); err != nil {
			return fmt.Errorf("postgres: failed to update job: %w", err)
		}
		if memo != nil {
			if err := insertMemo(ctx, tx, memo); err != nil {
				return err
			}
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendMemo добавляет мемо без смены фазы. Блокировка строки заказа
// сериализует выдачу порядковых номеров.
func (s *Store) AppendMemo(ctx context.Context, memo *domain.Memo) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var id string
		if err := tx.QueryRow(ctx, `SELECT id FROM jobs WHERE id = $1 FOR UPDATE`, memo.JobID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NotFound("job", memo.JobID)
			}
			return fmt.Errorf("postgres: failed to lock job: %w", err)
		}
		return insertMemo(ctx, tx, memo)
	})
}

// insertMemo вызывается под блокировкой строки заказа
func insertMemo(ctx context.Context, tx pgx.Tx, memo *domain.Memo) error {
	query := `
		INSERT INTO job_memos (id, job_id, seq, sender, type, content, advances_phase, created_at)
		SELECT $1, $2, COALESCE(MAX(seq), 0) + 1, $3, $4, $5, $6, $7 FROM job_memos WHERE job_id = $2
		RETURNING seq`
	err := tx.QueryRow(ctx, query, memo.ID, memo.JobID, memo.Sender, string(memo.Type),
		rawOrNil(memo.Content), memo.AdvancesPhase, memo.CreatedAt).Scan(&memo.Seq)
	if err != nil {
		return fmt.Errorf("postgres: failed to append memo: %w", err)
	}
	return nil
}

func (s *Store) ListMemos(ctx context.Context, jobID string) ([]domain.Memo, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: failed to check job: %w", err)
	}
	if !exists {
		return nil, domain.NotFound("job", jobID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, seq, sender, type, content, advances_phase, created_at
		FROM job_memos WHERE job_id = $1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query memos: %w", err)
	}
	defer rows.Close()

	var out []domain.Memo
	for rows.Next() {
		var m domain.Memo
		var typ string
		var content []byte
		if err := rows.Scan(&m.ID, &m.JobID, &m.Seq, &m.Sender, &typ, &content, &m.AdvancesPhase, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan memo: %w", err)
		}
		m.Type = domain.MemoType(typ)
		if content != nil {
			m.Content = json.RawMessage(content)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	lim, off := page(f.Limit, f.Offset)
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE org_id = $1
		  AND ($2 = '' OR buyer = $2 OR seller = $2)
		  AND ($3 = '' OR phase = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`, f.OrgID, f.AgentID, string(f.Phase), lim, off)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
