package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

// Reader описывает чтение состояния ядра, нужное консоли.
// Реализуется postgres.Store и memory.Store.
type Reader interface {
	GetTransfer(ctx context.Context, id string) (*domain.Transfer, error)
	GetEscrow(ctx context.Context, id string) (*domain.Escrow, error)
	ListEscrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error)
	ListMemos(ctx context.Context, jobID string) ([]domain.Memo, error)
	GetSwarm(ctx context.Context, id string) (*domain.Swarm, error)
	ListMembers(ctx context.Context, swarmID string) ([]domain.SwarmMember, error)
	GetTask(ctx context.Context, id string) (*domain.SwarmTask, error)
	GetDashboard(ctx context.Context, orgID string) (*domain.Dashboard, error)
	AuditTrail(ctx context.Context, entity, entityID string, limit int) ([]audit.AuditEvent, error)
}

// Reputation — агрегатор отдает нейтральную строку агенту без истории
type Reputation interface {
	Get(ctx context.Context, agentID string) (*domain.AgentReputation, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// InspectService — read-only доступ оператора к переводам, эскроу, заказам и роям
type InspectService struct {
	repo       Reader
	reputation Reputation
	logger     *zap.Logger
}

func NewInspectService(repo Reader, reputation Reputation, logger *zap.Logger) *InspectService {
	return &InspectService{repo: repo, reputation: reputation, logger: logger.Named("inspect-service")}
}

func clampPage(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

func (s *InspectService) Transfer(ctx context.Context, id string) (*domain.Transfer, error) {
	return s.repo.GetTransfer(ctx, id)
}

func (s *InspectService) Escrow(ctx context.Context, id string) (*domain.Escrow, error) {
	return s.repo.GetEscrow(ctx, id)
}

func (s *InspectService) Escrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	if f.OrgID == "" {
		return nil, domain.Validationf("org_id is required")
	}
	f.Limit = clampPage(f.Limit)
	list, err := s.repo.ListEscrows(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("inspect: list escrows: %w", err)
	}
	// Фронтенд получает [], а не null
	if list == nil {
		list = []domain.Escrow{}
	}
	return list, nil
}

func (s *InspectService) Job(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *InspectService) Jobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.OrgID == "" {
		return nil, domain.Validationf("org_id is required")
	}
	f.Limit = clampPage(f.Limit)
	list, err := s.repo.ListJobs(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("inspect: list jobs: %w", err)
	}
	if list == nil {
		list = []domain.Job{}
	}
	return list, nil
}

func (s *InspectService) Memos(ctx context.Context, jobID string) ([]domain.Memo, error) {
	memos, err := s.repo.ListMemos(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if memos == nil {
		memos = []domain.Memo{}
	}
	return memos, nil
}

func (s *InspectService) Swarm(ctx context.Context, id string) (*domain.Swarm, error) {
	return s.repo.GetSwarm(ctx, id)
}

func (s *InspectService) Members(ctx context.Context, swarmID string) ([]domain.SwarmMember, error) {
	return s.repo.ListMembers(ctx, swarmID)
}

// Task возвращает задачу вместе с роем: рой нужен для проверки организации
func (s *InspectService) Task(ctx context.Context, id string) (*domain.SwarmTask, *domain.Swarm, error) {
	t, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	sw, err := s.repo.GetSwarm(ctx, t.SwarmID)
	if err != nil {
		return nil, nil, err
	}
	return t, sw, nil
}

func (s *InspectService) Reputation(ctx context.Context, agentID string) (*domain.AgentReputation, error) {
	return s.reputation.Get(ctx, agentID)
}

func (s *InspectService) Dashboard(ctx context.Context, orgID string) (*domain.Dashboard, error) {
	if orgID == "" {
		return nil, domain.Validationf("org_id is required")
	}
	return s.repo.GetDashboard(ctx, orgID)
}

// AuditTrail — журнал переходов одной сущности
func (s *InspectService) AuditTrail(ctx context.Context, entity, entityID string, limit int) ([]audit.AuditEvent, error) {
	switch entity {
	case audit.EntityTransfer, audit.EntityEscrow, audit.EntityJob, audit.EntitySwarmTask:
	default:
		return nil, domain.Validationf("unknown audit entity %q", entity)
	}
	events, err := s.repo.AuditTrail(ctx, entity, entityID, clampPage(limit))
	if err != nil {
		s.logger.Error("failed to fetch audit trail", zap.String("entity", entity), zap.String("id", entityID), zap.Error(err))
		return nil, fmt.Errorf("inspect: audit trail: %w", err)
	}
	return events, nil
}
