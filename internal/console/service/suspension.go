package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

// KillSwitch — реестр приостановленных агентов (engine.KillSwitch)
type KillSwitch interface {
	Suspend(ctx context.Context, agentID string) error
	Resume(ctx context.Context, agentID string) error
	Suspended(ctx context.Context) ([]string, error)
}

type SuspensionService struct {
	ks     KillSwitch
	logger *zap.Logger
}

func NewSuspensionService(ks KillSwitch, logger *zap.Logger) *SuspensionService {
	return &SuspensionService{ks: ks, logger: logger.Named("suspension_service")}
}

func (s *SuspensionService) List(ctx context.Context) ([]string, error) {
	ids, err := s.ks.Suspended(ctx)
	if err != nil {
		return nil, fmt.Errorf("suspension_service: list: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Set включает или снимает приостановку агента. operator попадает только в лог.
func (s *SuspensionService) Set(ctx context.Context, agentID, operator string, suspended bool) error {
	if agentID == "" {
		return domain.Validationf("agent_id is required")
	}
	op := s.ks.Resume
	if suspended {
		op = s.ks.Suspend
	}
	if err := op(ctx, agentID); err != nil {
		s.logger.Error("failed to change agent suspension",
			zap.String("agent_id", agentID), zap.Bool("suspended", suspended), zap.Error(err))
		return fmt.Errorf("suspension_service: %s: %w", agentID, err)
	}
	s.logger.Info("agent suspension changed by operator",
		zap.String("agent_id", agentID),
		zap.String("operator", operator),
		zap.Bool("suspended", suspended))
	return nil
}
