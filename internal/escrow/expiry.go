package escrow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const defaultExpiryBatch = 100

// ExpireStale — один проход воркера истечения сроков.
// created закрывается без движения средств, funded возвращается заказчику
// через обычный refund (ключ escrow:<id>:refund), поэтому повтор после сбоя безопасен.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	list, err := s.repo.ListExpiredEscrows(ctx, s.clock.Now(), s.batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range list {
		e := &list[i]
		var xerr error
		switch e.Status {
		case domain.EscrowCreated:
			_, xerr = s.cancelUnfunded(ctx, e, domain.EscrowActionExpire)
		case domain.EscrowFunded:
			_, xerr = s.refundFunded(ctx, e, "expired")
		default:
			continue
		}

		switch {
		case xerr == nil:
			expired++
		case errors.Is(xerr, domain.ErrInvalidTransition):
			// Кто-то успел раньше нас: fund, release или ручной refund
			s.logger.Debug("escrow moved before expiry", zap.String("id", e.ID), zap.Error(xerr))
		default:
			s.metrics.ErrorTotal.WithLabelValues("escrow_expiry").Inc()
			s.logger.Error("escrow expiry failed", zap.String("id", e.ID), zap.Error(xerr))
		}
	}
	return expired, nil
}

// RunExpiryWorker крутит ExpireStale по тикеру до отмены контекста
func (s *Service) RunExpiryWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("escrow expiry worker started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escrow expiry worker stopped")
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				s.logger.Error("escrow expiry pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("escrows expired", zap.Int("count", n))
			}
		}
	}
}
