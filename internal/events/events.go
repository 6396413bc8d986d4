// Package events доставляет терминальные исходы заданий и задач роя агрегатору репутации.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// Publisher — исходящая сторона: автоматы публикуют исходы, не зная о получателе
type Publisher interface {
	PublishOutcome(ctx context.Context, o domain.Outcome) error
}

// Handler — принимающая сторона (агрегатор репутации). Повторная доставка
// того же Outcome.ID не должна менять результат.
type Handler interface {
	Record(ctx context.Context, o domain.Outcome) error
}

// Inline вызывает обработчик синхронно в том же процессе
type Inline struct {
	handler Handler
	logger  *zap.Logger
}

func NewInline(h Handler, logger *zap.Logger) *Inline {
	return &Inline{handler: h, logger: logger.Named("events")}
}

func (p *Inline) PublishOutcome(ctx context.Context, o domain.Outcome) error {
	if err := p.handler.Record(ctx, o); err != nil {
		p.logger.Error("outcome handler failed",
			zap.String("outcome_id", o.ID),
			zap.String("agent_id", o.AgentID),
			zap.Error(err))
		return err
	}
	return nil
}

// Discard — публикатор для запусков без репутации
type Discard struct{}

func (Discard) PublishOutcome(context.Context, domain.Outcome) error { return nil }
