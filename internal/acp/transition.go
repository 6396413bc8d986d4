package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
)

// load читает заказ и отсекает событие, недопустимое из текущей фазы
func (s *Service) load(ctx context.Context, id string, event domain.JobEvent) (*domain.Job, error) {
	j, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := domain.NextJobPhase(j.Phase, event); !ok {
		return nil, s.rejection(j, event)
	}
	return j, nil
}

// step — переход без побочных эффектов: одна условная запись фазы и мемо
func (s *Service) step(ctx context.Context, j *domain.Job, event domain.JobEvent, patch domain.JobPatch, memo *domain.Memo) (*domain.Job, error) {
	to, ok := domain.NextJobPhase(j.Phase, event)
	if !ok {
		return nil, s.rejection(j, event)
	}
	patch.Phase = &to
	patch.UpdatedAt = s.clock.Now()

	updated, err := s.repo.UpdateJob(ctx, j.ID, domain.JobGuard{Phases: []domain.JobPhase{j.Phase}}, patch, memo)
	if err != nil {
		return nil, s.reject(ctx, j.ID, event, err)
	}
	s.transitioned(ctx, j.Phase, updated, event)
	return updated, nil
}

// claim ставит маркер pending_event перед вызовом эскроу. Повтор того же события разрешен.
func (s *Service) claim(ctx context.Context, j *domain.Job, event domain.JobEvent) (*domain.Job, error) {
	claimed, err := s.repo.UpdateJob(ctx, j.ID,
		domain.JobGuard{Phases: []domain.JobPhase{j.Phase}, Pending: []domain.JobEvent{domain.JobEventNone, event}},
		domain.JobPatch{PendingEvent: &event, UpdatedAt: s.clock.Now()},
		nil)
	if err != nil {
		return nil, s.reject(ctx, j.ID, event, err)
	}
	return claimed, nil
}

// unclaim снимает маркер после неудачи. При неизвестном исходе маркер остается:
// повтор того же события продолжит с тем же эскроу и ключом перевода.
func (s *Service) unclaim(ctx context.Context, j *domain.Job, event domain.JobEvent, cause error) error {
	if errors.Is(cause, domain.ErrOutcomeUnknown) {
		s.logger.Warn("job side effect outcome unknown, claim kept",
			zap.String("id", j.ID), zap.String("event", string(event)), zap.Error(cause))
		s.record(ctx, j, string(event), j.Phase, j.Phase, cause)
		return cause
	}

	held := domain.JobGuard{Phases: []domain.JobPhase{j.Phase}, Pending: []domain.JobEvent{event}}
	_, err := s.repo.UpdateJob(context.WithoutCancel(ctx), j.ID, held,
		domain.JobPatch{PendingEvent: domain.Ptr(domain.JobEventNone), UpdatedAt: s.clock.Now()}, nil)
	if err != nil {
		s.logger.Error("failed to release job claim", zap.String("id", j.ID), zap.Error(err))
	}
	s.record(ctx, j, string(event), j.Phase, j.Phase, cause)
	return cause
}

// settle записывает новую фазу после успешного побочного эффекта и снимает маркер
func (s *Service) settle(ctx context.Context, j *domain.Job, event domain.JobEvent, patch domain.JobPatch, memo *domain.Memo) (*domain.Job, error) {
	to, _ := domain.NextJobPhase(j.Phase, event)
	patch.Phase = &to
	patch.PendingEvent = domain.Ptr(domain.JobEventNone)
	patch.UpdatedAt = s.clock.Now()

	bctx := context.WithoutCancel(ctx)
	held := domain.JobGuard{Phases: []domain.JobPhase{j.Phase}, Pending: []domain.JobEvent{event}}
	updated, err := s.repo.UpdateJob(bctx, j.ID, held, patch, memo)
	if err != nil {
		return nil, s.reject(bctx, j.ID, event, err)
	}
	s.transitioned(ctx, j.Phase, updated, event)
	return updated, nil
}

// reject превращает несработавший guard в понятную ошибку по актуальному состоянию
func (s *Service) reject(ctx context.Context, id string, event domain.JobEvent, err error) error {
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		return fmt.Errorf("acp: update %s: %w", id, err)
	}
	cur, gerr := s.repo.GetJob(ctx, id)
	if gerr != nil {
		return gerr
	}
	return s.rejection(cur, event)
}

func (s *Service) rejection(j *domain.Job, event domain.JobEvent) error {
	if j.PendingEvent != domain.JobEventNone && j.PendingEvent != event {
		return domain.TransitionPending(entity, string(j.PendingEvent), string(event))
	}
	return domain.InvalidTransition(entity, string(j.Phase), string(event))
}

func (s *Service) memo(jobID, sender string, typ domain.MemoType, advances bool, content any) (*domain.Memo, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("acp: encode memo: %w", err)
	}
	return &domain.Memo{
		ID:            s.newID(),
		JobID:         jobID,
		Sender:        sender,
		Type:          typ,
		Content:       raw,
		AdvancesPhase: advances,
		CreatedAt:     s.clock.Now(),
	}, nil
}

// publish отправляет исходы терминального заказа агрегатору репутации.
// Идентификаторы детерминированы, повторная публикация не удвоит счетчики.
func (s *Service) publish(ctx context.Context, j *domain.Job, kind domain.OutcomeKind) {
	now := s.clock.Now()
	outcomes := []domain.Outcome{{
		ID:         "job:" + j.ID + ":" + string(domain.RoleProvider),
		AgentID:    j.Seller,
		Role:       domain.RoleProvider,
		Kind:       kind,
		Source:     "acp_job",
		SourceID:   j.ID,
		Rating:     j.Rating,
		OnTime:     j.OnTime(),
		Amount:     j.AgreedPrice,
		OccurredAt: now,
	}}
	if kind == domain.OutcomeCompleted {
		outcomes = append(outcomes, domain.Outcome{
			ID:         "job:" + j.ID + ":" + string(domain.RoleClient),
			AgentID:    j.Buyer,
			Role:       domain.RoleClient,
			Kind:       kind,
			Source:     "acp_job",
			SourceID:   j.ID,
			Amount:     j.AgreedPrice,
			OccurredAt: now,
		})
	}

	bctx := context.WithoutCancel(ctx)
	for _, o := range outcomes {
		if err := s.publisher.PublishOutcome(bctx, o); err != nil {
			s.metrics.ErrorTotal.WithLabelValues("outcome_publish").Inc()
			s.logger.Error("failed to publish job outcome",
				zap.String("job_id", j.ID), zap.String("outcome_id", o.ID), zap.Error(err))
		}
	}
}

func (s *Service) transitioned(ctx context.Context, from domain.JobPhase, j *domain.Job, event domain.JobEvent) {
	s.metrics.ObserveTransition(entity, string(from), string(j.Phase))
	s.logger.Info("job transition",
		zap.String("id", j.ID),
		zap.String("event", string(event)),
		zap.String("from", string(from)),
		zap.String("to", string(j.Phase)))
	s.record(ctx, j, string(event), from, j.Phase, nil)
}

func (s *Service) record(ctx context.Context, j *domain.Job, action string, from, to domain.JobPhase, cause error) {
	ev := audit.AuditEvent{
		ID:        s.newID(),
		TraceID:   engine.TraceID(ctx),
		OrgID:     j.OrgID,
		AgentID:   j.Buyer,
		Entity:    audit.EntityJob,
		EntityID:  j.ID,
		Action:    action,
		FromState: string(from),
		ToState:   string(to),
		Amount:    j.AgreedPrice,
		Token:     j.Token,
		Status:    audit.StatusApplied,
	}
	if j.EscrowID != "" {
		ev.Payload = map[string]interface{}{"escrow_id": j.EscrowID}
	}
	if cause != nil {
		ev.Status = audit.StatusFailed
		if errors.Is(cause, domain.ErrOutcomeUnknown) {
			ev.Status = audit.StatusUnknown
		}
		ev.Error = cause.Error()
	}
	s.audit.Log(ev)
}
