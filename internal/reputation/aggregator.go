// Package reputation ведет агрегированную репутацию агентов по терминальным исходам
// заказов и задач роя.
package reputation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

// Repository — одна строка на агента. ApplyOutcome выполняет чтение-изменение-запись
// под блокировкой строки и фиксирует Outcome.ID: повторная доставка возвращает applied=false.
type Repository interface {
	ApplyOutcome(ctx context.Context, o domain.Outcome, apply func(rep *domain.AgentReputation)) (rep *domain.AgentReputation, applied bool, err error)
	GetReputation(ctx context.Context, agentID string) (*domain.AgentReputation, error)
}

type Aggregator struct {
	repo   Repository
	clock  clock.Clock
	logger *zap.Logger
}

func NewAggregator(repo Repository, clk clock.Clock, logger *zap.Logger) *Aggregator {
	return &Aggregator{repo: repo, clock: clk, logger: logger.Named("reputation")}
}

// Record реализует events.Handler
func (a *Aggregator) Record(ctx context.Context, o domain.Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	now := a.clock.Now()

	rep, applied, err := a.repo.ApplyOutcome(ctx, o, func(rep *domain.AgentReputation) {
		Apply(rep, o)
		rep.UpdatedAt = now
	})
	if err != nil {
		return fmt.Errorf("reputation: apply outcome %s: %w", o.ID, err)
	}
	if !applied {
		a.logger.Debug("duplicate outcome ignored", zap.String("outcome_id", o.ID))
		return nil
	}

	a.logger.Info("reputation updated",
		zap.String("agent_id", o.AgentID),
		zap.String("kind", string(o.Kind)),
		zap.String("source", o.Source),
		zap.Float64("overall", rep.Overall))
	return nil
}

// Get возвращает репутацию агента; у агента без истории нейтральные оценки
func (a *Aggregator) Get(ctx context.Context, agentID string) (*domain.AgentReputation, error) {
	if agentID == "" {
		return nil, domain.Validationf("reputation: agent_id is required")
	}
	rep, err := a.repo.GetReputation(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rep == nil {
		rep = &domain.AgentReputation{AgentID: agentID}
		Recompute(rep)
	}
	return rep, nil
}
