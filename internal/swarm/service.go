// Package swarm координирует рой агентов: состав участников, разбиение задачи
// на подзадачи и однократную агрегацию результатов.
package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/acp"
	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/events"
)

const entity = "swarm_task"

type Repository interface {
	CreateSwarm(ctx context.Context, sw *domain.Swarm, orchestrator domain.SwarmMember) error
	GetSwarm(ctx context.Context, id string) (*domain.Swarm, error)
	// AddMember проверяет лимит и дубликат атомарно с записью
	AddMember(ctx context.Context, m domain.SwarmMember) error
	DeactivateMember(ctx context.Context, swarmID, agentID string) error
	// GetMember возвращает nil, nil, если агент в рое не состоял
	GetMember(ctx context.Context, swarmID, agentID string) (*domain.SwarmMember, error)
	ListMembers(ctx context.Context, swarmID string) ([]domain.SwarmMember, error)

	CreateTask(ctx context.Context, t *domain.SwarmTask) error
	GetTask(ctx context.Context, id string) (*domain.SwarmTask, error)
	AppendSubtask(ctx context.Context, taskID string, st domain.Subtask) (*domain.SwarmTask, error)
	// RemoveSubtask откатывает невыполненное назначение, если заказ под него не создался
	RemoveSubtask(ctx context.Context, taskID, subtaskID string, at time.Time) (*domain.SwarmTask, error)
	SetSubtaskJob(ctx context.Context, taskID, subtaskID, jobID string) error
	// MarkSubtaskCompleted — флаг подзадачи и счетчик задачи одной записью
	MarkSubtaskCompleted(ctx context.Context, taskID, subtaskID string, result json.RawMessage, at time.Time) (*domain.SwarmTask, error)
	// FinalizeTask — CAS по status=in_progress AND total_subtasks=total AND completed=total;
	// true только у победителя
	FinalizeTask(ctx context.Context, taskID string, total int, agg domain.AggregatedResult, at time.Time) (bool, error)
	FailTask(ctx context.Context, taskID, reason string, at time.Time) (*domain.SwarmTask, error)
}

// Jobs создает заказ ACP под подзадачу
type Jobs interface {
	Create(ctx context.Context, in acp.CreateInput) (*domain.Job, error)
}

type Deps struct {
	Repo      Repository
	Jobs      Jobs
	Publisher events.Publisher
	Clock     clock.Clock
	NewID     func() string
	Audit     audit.Auditor
	Metrics   *engine.Metrics
	Logger    *zap.Logger
}

type Service struct {
	repo      Repository
	jobs      Jobs
	publisher events.Publisher
	clock     clock.Clock
	newID     func() string
	audit     audit.Auditor
	metrics   *engine.Metrics
	logger    *zap.Logger
}

func NewService(d Deps) *Service {
	if d.Publisher == nil {
		d.Publisher = events.Discard{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = engine.NewMetrics(nil)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{
		repo:      d.Repo,
		jobs:      d.Jobs,
		publisher: d.Publisher,
		clock:     d.Clock,
		newID:     d.NewID,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    d.Logger.Named("swarm"),
	}
}

// ==========================================
// Состав роя
// ==========================================

type CreateSwarmInput struct {
	OrgID        string
	Name         string
	Orchestrator string
	MaxMembers   int
}

// CreateSwarm создает рой; оркестратор добавляется первым участником и не оспаривается
func (s *Service) CreateSwarm(ctx context.Context, in CreateSwarmInput) (*domain.Swarm, error) {
	switch {
	case in.OrgID == "" || in.Name == "" || in.Orchestrator == "":
		return nil, domain.Validationf("swarm: org_id, name and orchestrator are required")
	case in.MaxMembers < 0:
		return nil, domain.Validationf("swarm: max_members must not be negative")
	}

	now := s.clock.Now()
	sw := &domain.Swarm{
		ID:           s.newID(),
		OrgID:        in.OrgID,
		Name:         in.Name,
		Orchestrator: in.Orchestrator,
		MaxMembers:   in.MaxMembers,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	orchestrator := domain.SwarmMember{
		SwarmID:  sw.ID,
		AgentID:  in.Orchestrator,
		Role:     domain.RoleOrchestrator,
		Active:   true,
		JoinedAt: now,
	}
	if err := s.repo.CreateSwarm(ctx, sw, orchestrator); err != nil {
		return nil, fmt.Errorf("swarm: create: %w", err)
	}
	s.logger.Info("swarm created", zap.String("id", sw.ID), zap.String("orchestrator", sw.Orchestrator))
	return sw, nil
}

func (s *Service) GetSwarm(ctx context.Context, id string) (*domain.Swarm, error) {
	return s.repo.GetSwarm(ctx, id)
}

func (s *Service) AddMember(ctx context.Context, swarmID, agentID string, role domain.MemberRole, contestable bool) (*domain.SwarmMember, error) {
	if agentID == "" {
		return nil, domain.Validationf("swarm: agent_id is required")
	}
	if _, err := domain.ParseMemberRole(string(role)); err != nil {
		return nil, domain.Validationf("swarm: %v", err)
	}
	if role == domain.RoleOrchestrator {
		return nil, domain.Validationf("swarm: a swarm has exactly one orchestrator")
	}

	m := domain.SwarmMember{
		SwarmID:     swarmID,
		AgentID:     agentID,
		Role:        role,
		Contestable: contestable,
		Active:      true,
		JoinedAt:    s.clock.Now(),
	}
	if err := s.repo.AddMember(ctx, m); err != nil {
		return nil, err
	}
	s.logger.Info("swarm member added", zap.String("swarm_id", swarmID), zap.String("agent_id", agentID), zap.String("role", string(role)))
	return &m, nil
}

// RemoveMember деактивирует участника. Уже назначенные ему подзадачи остаются за ним.
func (s *Service) RemoveMember(ctx context.Context, swarmID, agentID string) error {
	sw, err := s.repo.GetSwarm(ctx, swarmID)
	if err != nil {
		return err
	}
	if agentID == sw.Orchestrator {
		return domain.Validationf("swarm: orchestrator cannot be removed")
	}
	if err := s.repo.DeactivateMember(ctx, swarmID, agentID); err != nil {
		return err
	}
	s.logger.Info("swarm member removed", zap.String("swarm_id", swarmID), zap.String("agent_id", agentID))
	return nil
}

func (s *Service) Members(ctx context.Context, swarmID string) ([]domain.SwarmMember, error) {
	return s.repo.ListMembers(ctx, swarmID)
}

// ==========================================
// Задачи
// ==========================================

func (s *Service) CreateTask(ctx context.Context, swarmID, title, description string) (*domain.SwarmTask, error) {
	if title == "" {
		return nil, domain.Validationf("swarm task: title is required")
	}
	if _, err := s.repo.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t := &domain.SwarmTask{
		ID:          s.newID(),
		SwarmID:     swarmID,
		Title:       title,
		Description: description,
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("swarm: create task: %w", err)
	}
	s.record(ctx, t, "create", "", t.Status, "")
	return t, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*domain.SwarmTask, error) {
	return s.repo.GetTask(ctx, id)
}

// JobSpec — параметры заказа ACP, который создается под подзадачу.
// Исполнитель подзадачи становится продавцом, покупатель по умолчанию — оркестратор.
type JobSpec struct {
	Buyer        string
	BuyerWallet  string
	SellerWallet string
	Evaluator    string
	Price        uint64
	Token        string
	Terms        domain.JobTerms
	Deadline     *time.Time
}

func (js *JobSpec) validate() error {
	switch {
	case js.BuyerWallet == "" || js.SellerWallet == "":
		return domain.Validationf("job: buyer_wallet and seller_wallet are required")
	case js.Token == "":
		return domain.Validationf("job: token is required")
	}
	return nil
}

type AssignSubtaskInput struct {
	TaskID      string
	SubtaskID   string
	AgentID     string
	Description string
	Job         *JobSpec
}

func (s *Service) AssignSubtask(ctx context.Context, in AssignSubtaskInput) (*domain.SwarmTask, error) {
	if in.SubtaskID == "" || in.AgentID == "" {
		return nil, domain.Validationf("subtask: subtask_id and agent_id are required")
	}
	if in.Job != nil {
		if s.jobs == nil {
			return nil, domain.Validationf("subtask: job spawning is not configured")
		}
		if err := in.Job.validate(); err != nil {
			return nil, err
		}
	}
	t, err := s.repo.GetTask(ctx, in.TaskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, domain.InvalidTransition(entity, string(t.Status), "assign")
	}

	m, err := s.repo.GetMember(ctx, t.SwarmID, in.AgentID)
	if err != nil {
		return nil, fmt.Errorf("swarm: load member: %w", err)
	}
	if m == nil || !m.Active {
		return nil, domain.Validationf("subtask: agent %s is not an active member of swarm %s", in.AgentID, t.SwarmID)
	}

	updated, err := s.repo.AppendSubtask(ctx, t.ID, domain.Subtask{
		ID:          in.SubtaskID,
		AgentID:     in.AgentID,
		Description: in.Description,
		AssignedAt:  s.clock.Now(),
	})
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil, s.rejection(ctx, t.ID, "assign")
		}
		return nil, err
	}

	if in.Job != nil {
		jobID, err := s.spawnJob(ctx, updated, in)
		if err != nil {
			return nil, s.revertAssign(ctx, updated, in.SubtaskID, err)
		}
		if st, ok := updated.Subtask(in.SubtaskID); ok {
			st.JobID = jobID
		}
	}
	if t.Status != updated.Status {
		s.transitioned(ctx, t.Status, updated, "assign")
	}
	return updated, nil
}

// revertAssign снимает подзадачу, под которую не создался заказ, и возвращает исходную ошибку.
// Если без нее все оставшиеся подзадачи выполнены, задача агрегируется здесь же.
func (s *Service) revertAssign(ctx context.Context, t *domain.SwarmTask, subtaskID string, cause error) error {
	bctx := context.WithoutCancel(ctx)
	reverted, err := s.repo.RemoveSubtask(bctx, t.ID, subtaskID, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to revert subtask assignment",
			zap.String("task_id", t.ID), zap.String("subtask_id", subtaskID), zap.Error(err))
		return errors.Join(cause, fmt.Errorf("swarm: revert subtask %s: %w", subtaskID, err))
	}
	if reverted.ReadyToAggregate() {
		if _, err := s.finalize(bctx, reverted); err != nil {
			s.logger.Error("failed to aggregate after revert", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return cause
}

// spawnJob создает заказ ACP и привязывает его к подзадаче мягкой ссылкой
func (s *Service) spawnJob(ctx context.Context, t *domain.SwarmTask, in AssignSubtaskInput) (string, error) {
	sw, err := s.repo.GetSwarm(ctx, t.SwarmID)
	if err != nil {
		return "", err
	}
	js := in.Job
	buyer := js.Buyer
	if buyer == "" {
		buyer = sw.Orchestrator
	}
	terms := js.Terms
	if terms.Description == "" {
		terms.Description = in.Description
	}

	j, err := s.jobs.Create(ctx, acp.CreateInput{
		OrgID:        sw.OrgID,
		Buyer:        buyer,
		Seller:       in.AgentID,
		Evaluator:    js.Evaluator,
		BuyerWallet:  js.BuyerWallet,
		SellerWallet: js.SellerWallet,
		Terms:        terms,
		Price:        js.Price,
		Token:        js.Token,
		Deadline:     js.Deadline,
		SwarmTaskID:  t.ID,
		SubtaskID:    in.SubtaskID,
	})
	if err != nil {
		return "", fmt.Errorf("swarm: spawn job for subtask %s: %w", in.SubtaskID, err)
	}
	if err := s.repo.SetSubtaskJob(ctx, t.ID, in.SubtaskID, j.ID); err != nil {
		return "", fmt.Errorf("swarm: link job %s: %w", j.ID, err)
	}
	return j.ID, nil
}

// CompleteSubtask отмечает подзадачу выполненной. Агрегацию запускает только тот вызов,
// который увидел completed == total; финальная запись защищена CAS.
func (s *Service) CompleteSubtask(ctx context.Context, taskID, subtaskID string, result json.RawMessage) (*domain.SwarmTask, error) {
	if result != nil && !json.Valid(result) {
		return nil, domain.Validationf("subtask: result is not valid JSON")
	}

	now := s.clock.Now()
	t, err := s.repo.MarkSubtaskCompleted(ctx, taskID, subtaskID, result, now)
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil, s.rejection(ctx, taskID, "complete")
		}
		return nil, err
	}
	s.logger.Debug("subtask completed",
		zap.String("task_id", taskID),
		zap.String("subtask_id", subtaskID),
		zap.Int("completed", t.CompletedSubtasks),
		zap.Int("total", t.TotalSubtasks))

	if !t.ReadyToAggregate() {
		return t, nil
	}
	return s.finalize(ctx, t)
}

// finalize агрегирует снимок t. CAS сверяет total_subtasks со снимком: если между
// снимком и записью назначили и выполнили еще подзадачу, снимок перечитывается.
func (s *Service) finalize(ctx context.Context, t *domain.SwarmTask) (*domain.SwarmTask, error) {
	bctx := context.WithoutCancel(ctx)
	for t.ReadyToAggregate() {
		agg := aggregate(t.Subtasks)
		now := s.clock.Now()

		won, err := s.repo.FinalizeTask(bctx, t.ID, t.TotalSubtasks, agg, now)
		if err != nil {
			return nil, fmt.Errorf("swarm: finalize task %s: %w", t.ID, err)
		}
		if won {
			from := t.Status
			t.Status = domain.TaskCompleted
			t.AggregatedResult = &agg
			t.CompletedAt = &now
			t.UpdatedAt = now
			s.transitioned(ctx, from, t, "aggregate")
			s.publish(ctx, t)
			return t, nil
		}

		if t, err = s.repo.GetTask(bctx, t.ID); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// aggregate собирает результаты в порядке назначения
func aggregate(subtasks []domain.Subtask) domain.AggregatedResult {
	ordered := append([]domain.Subtask(nil), subtasks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	agg := domain.AggregatedResult{SubtaskResults: make([]domain.SubtaskResult, 0, len(ordered))}
	for _, st := range ordered {
		agg.SubtaskResults = append(agg.SubtaskResults, domain.SubtaskResult{
			SubtaskID: st.ID,
			AgentID:   st.AgentID,
			Result:    st.Result,
		})
	}
	return agg
}

// FailTask закрывает незавершенную задачу без агрегации
func (s *Service) FailTask(ctx context.Context, taskID, reason string) (*domain.SwarmTask, error) {
	before, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	t, err := s.repo.FailTask(ctx, taskID, reason, s.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrPreconditionFailed) {
			return nil, s.rejection(ctx, taskID, "fail")
		}
		return nil, err
	}
	s.transitioned(ctx, before.Status, t, "fail")
	return t, nil
}

func (s *Service) rejection(ctx context.Context, taskID, event string) error {
	cur, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return domain.InvalidTransition(entity, string(cur.Status), event)
}

func (s *Service) publish(ctx context.Context, t *domain.SwarmTask) {
	bctx := context.WithoutCancel(ctx)
	for _, st := range t.Subtasks {
		o := domain.Outcome{
			ID:         "swarm_task:" + t.ID + ":" + st.ID,
			AgentID:    st.AgentID,
			Role:       domain.RoleProvider,
			Kind:       domain.OutcomeCompleted,
			Source:     "swarm_task",
			SourceID:   t.ID,
			OccurredAt: *t.CompletedAt,
		}
		if err := s.publisher.PublishOutcome(bctx, o); err != nil {
			s.metrics.ErrorTotal.WithLabelValues("outcome_publish").Inc()
			s.logger.Error("failed to publish subtask outcome",
				zap.String("task_id", t.ID), zap.String("outcome_id", o.ID), zap.Error(err))
		}
	}
}

func (s *Service) transitioned(ctx context.Context, from domain.TaskStatus, t *domain.SwarmTask, event string) {
	s.metrics.ObserveTransition(entity, string(from), string(t.Status))
	s.logger.Info("swarm task transition",
		zap.String("id", t.ID),
		zap.String("event", event),
		zap.String("from", string(from)),
		zap.String("to", string(t.Status)))
	s.record(ctx, t, event, from, t.Status, t.FailureReason)
}

func (s *Service) record(ctx context.Context, t *domain.SwarmTask, action string, from, to domain.TaskStatus, reason string) {
	s.audit.Log(audit.AuditEvent{
		ID:        s.newID(),
		TraceID:   engine.TraceID(ctx),
		Entity:    audit.EntitySwarmTask,
		EntityID:  t.ID,
		Action:    action,
		FromState: string(from),
		ToState:   string(to),
		Status:    audit.StatusApplied,
		Error:     reason,
		Payload: map[string]interface{}{
			"swarm_id":           t.SwarmID,
			"total_subtasks":     t.TotalSubtasks,
			"completed_subtasks": t.CompletedSubtasks,
		},
	})
}
