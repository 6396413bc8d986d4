package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/ledger"
)

const reconcileBatch = 100

// Reconcile выясняет исход незакрытого перевода по ключу идемпотентности
func (s *Service) Reconcile(ctx context.Context, key string) (*domain.Transfer, error) {
	t, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if t.Status.Settled() {
		return t, t.OutcomeErr()
	}
	return s.reconcile(ctx, t)
}

func (s *Service) reconcile(ctx context.Context, t *domain.Transfer) (*domain.Transfer, error) {
	res, err := s.ledger.TransferStatus(ctx, t.IdempotencyKey)
	switch {
	case err == nil && res.Status != ledger.StatusPending:
		return s.finish(context.WithoutCancel(ctx), t, res)

	case errors.Is(err, ledger.ErrUnknownTransfer):
		// Исполнитель ключа не видел. После паузы отправляем повторно с тем же ключом:
		// если первая попытка все же дойдет, исполнитель ее схлопнет.
		if s.clock.Now().Sub(t.UpdatedAt) >= s.grace {
			s.logger.Warn("transfer unknown to ledger, resubmitting",
				zap.String("key", t.IdempotencyKey), zap.Duration("age", s.clock.Now().Sub(t.UpdatedAt)))
			return s.submit(ctx, t, "")
		}
		return t, domain.OutcomeUnknown(t.IdempotencyKey, err)

	case err != nil:
		return t, domain.OutcomeUnknown(t.IdempotencyKey, err)
	}
	return t, domain.OutcomeUnknown(t.IdempotencyKey, nil)
}

// ReconcilePending — один проход воркера сверки. Возвращает число закрытых переводов.
func (s *Service) ReconcilePending(ctx context.Context) (int, error) {
	list, err := s.repo.ListUnsettledTransfers(ctx, s.clock.Now(), reconcileBatch)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for i := range list {
		t, err := s.reconcile(ctx, &list[i])
		if t != nil && t.Status.Settled() {
			resolved++
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrOutcomeUnknown) {
			s.metrics.ErrorTotal.WithLabelValues("reconcile").Inc()
			s.logger.Error("reconcile failed", zap.String("key", list[i].IdempotencyKey), zap.Error(err))
		}
	}
	return resolved, nil
}

// RunReconciler крутит ReconcilePending по тикеру до отмены контекста
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("reconcile worker started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile worker stopped")
			return
		case <-ticker.C:
			pass := engine.WithTraceID(ctx, "reconcile-"+s.newID())
			n, err := s.ReconcilePending(pass)
			if err != nil {
				s.logger.Error("reconcile pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("reconcile pass resolved transfers", zap.Int("count", n))
			}
		}
	}
}

// BatchResult — исход одного перевода пакета
type BatchResult struct {
	Transfer *domain.Transfer
	Err      error
}

// ExecuteBatch проводит переводы с ограниченной параллельностью.
// Результаты в порядке запросов, ошибка одного не прерывает остальные.
func (s *Service) ExecuteBatch(ctx context.Context, reqs []domain.TransferRequest, concurrency int) []BatchResult {
	if concurrency <= 0 {
		concurrency = 5
	}
	out := make([]BatchResult, len(reqs))
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			t, err := s.Execute(ctx, reqs[i])
			out[i] = BatchResult{Transfer: t, Err: err}
		}(i)
	}
	wg.Wait()
	return out
}
