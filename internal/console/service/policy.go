package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

// PolicyRepository описывает требования сервиса к хранилищу политик
type PolicyRepository interface {
	GetPolicy(ctx context.Context, id string) (*domain.Policy, error)
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
	UpsertPolicy(ctx context.Context, p domain.Policy) error
	DeletePolicy(ctx context.Context, id string) error
}

// Invalidator сообщает кэшам политик, что набор изменился.
// Реализуется policy.RedisNotifier (все инстансы) и policy.MemoCache (один инстанс).
type Invalidator interface {
	Invalidate(ctx context.Context, policyID string) error
}

type PolicyService struct {
	repo        PolicyRepository
	invalidator Invalidator
	clock       clock.Clock
	logger      *zap.Logger
}

func NewPolicyService(repo PolicyRepository, inv Invalidator, clk clock.Clock, logger *zap.Logger) *PolicyService {
	return &PolicyService{repo: repo, invalidator: inv, clock: clk, logger: logger.Named("policy-service")}
}

func (s *PolicyService) GetByID(ctx context.Context, id string) (*domain.Policy, error) {
	return s.repo.GetPolicy(ctx, id)
}

// GetAll возвращает политики, видимые оператору: все или одной организации
func (s *PolicyService) GetAll(ctx context.Context, orgID string) ([]domain.Policy, error) {
	all, err := s.repo.GetAllPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy_service: list: %w", err)
	}
	out := make([]domain.Policy, 0, len(all))
	for _, p := range all {
		if orgID == "" || p.OrgID == orgID {
			out = append(out, p)
		}
	}
	return out, nil
}

// Save создает или заменяет политику и уведомляет кэши
func (s *PolicyService) Save(ctx context.Context, p domain.Policy) (*domain.Policy, error) {
	if p.Scope == domain.ScopeOrganization && p.OrgID == "" {
		p.OrgID = p.ScopeID
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	p.CreatedAt = now
	if prev, err := s.repo.GetPolicy(ctx, p.ID); err == nil {
		p.CreatedAt = prev.CreatedAt
	}
	p.UpdatedAt = now

	if err := s.repo.UpsertPolicy(ctx, p); err != nil {
		return nil, fmt.Errorf("policy_service: save %s: %w", p.ID, err)
	}
	s.notifyUpdate(ctx, p.ID)
	return &p, nil
}

func (s *PolicyService) Delete(ctx context.Context, id string) error {
	if err := s.repo.DeletePolicy(ctx, id); err != nil {
		return err
	}
	s.notifyUpdate(ctx, id)
	return nil
}

// notifyUpdate не откатывает запись при сбое сигнала: кэши перечитают базу
// при следующем переподключении подписки
func (s *PolicyService) notifyUpdate(ctx context.Context, policyID string) {
	if s.invalidator == nil {
		return
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.invalidator.Invalidate(ictx, policyID); err != nil {
		s.logger.Warn("policy update signal failed", zap.String("policy_id", policyID), zap.Error(err))
		return
	}
	s.logger.Info("policy updated", zap.String("policy_id", policyID))
}
