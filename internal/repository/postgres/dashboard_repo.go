package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// GetDashboard собирает сводку организации несколькими агрегатными запросами
func (s *Store) GetDashboard(ctx context.Context, orgID string) (*domain.Dashboard, error) {
	d := &domain.Dashboard{}

	// 1. Эскроу: открытые, спорные и сумма под удержанием
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('created', 'funded')),
			COUNT(*) FILTER (WHERE status = 'disputed'),
			COALESCE(SUM(amount) FILTER (WHERE status IN ('funded', 'disputed')), 0)::text
		FROM escrows WHERE org_id = $1`, orgID).Scan(
		&d.Escrows.Open, &d.Escrows.Disputed, amount{&d.Escrows.Locked})
	if err != nil {
		return nil, fmt.Errorf("postgres: escrow stats: %w", err)
	}

	// 2. Заказы ACP по фазам
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE phase IN ('request', 'negotiation', 'transaction', 'evaluation')),
			COUNT(*) FILTER (WHERE phase = 'completed'),
			COUNT(*) FILTER (WHERE phase = 'disputed')
		FROM jobs WHERE org_id = $1`, orgID).Scan(&d.Jobs.Active, &d.Jobs.Completed, &d.Jobs.Disputed)
	if err != nil {
		return nil, fmt.Errorf("postgres: job stats: %w", err)
	}

	// 3. Переводы за последние 60 минут
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status IN ('pending', 'unknown'))
		FROM transfers
		WHERE org_id = $1 AND created_at > NOW() - INTERVAL '60 minutes'`, orgID).Scan(
		&d.Transfers.Total, &d.Transfers.Failed, &d.Transfers.Unsettled)
	if err != nil {
		return nil, fmt.Errorf("postgres: transfer stats: %w", err)
	}

	// 4. Отказы политик и P95 по журналу. PERCENTILE_CONT дает честный P95 Latency
	err = s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'DENIED'),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM audit_logs
		WHERE org_id = $1 AND entity = 'transfer' AND timestamp > NOW() - INTERVAL '60 minutes'`, orgID).Scan(
		&d.Transfers.Denied, &d.Quality.P95Latency)
	if err != nil {
		return nil, fmt.Errorf("postgres: audit stats: %w", err)
	}

	// RPS = Всего переводов за час / 3600
	d.Transfers.RPS = float64(d.Transfers.Total) / 3600

	return d, nil
}
