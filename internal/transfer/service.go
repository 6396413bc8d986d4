// Package transfer — единственная точка, через которую деньги доходят до Ledger.
// Каждый перевод проходит сериализацию по кошельку, проверку ключа идемпотентности,
// Policy Engine и только потом вызов исполнителя.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/infra"
	"github.com/xela07ax/agentpay-core/internal/ledger"
	"github.com/xela07ax/agentpay-core/internal/lock"
	"github.com/xela07ax/agentpay-core/internal/policy"
)

type Repository interface {
	// GetTransferByKey возвращает nil, nil, если ключ не встречался
	GetTransferByKey(ctx context.Context, key string) (*domain.Transfer, error)
	// InsertTransfer — insert-if-absent по ключу идемпотентности, дубликат дает Conflict
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	UpdateTransferStatus(ctx context.Context, id string, from []domain.TransferStatus, u domain.TransferUpdate) error
	// ListWalletTransfers — история кошелька в пределах организации: у кастодиального
	// кошелька эскроу окно считается отдельно для каждой организации
	ListWalletTransfers(ctx context.Context, orgID, wallet string, since time.Time) ([]domain.Transfer, error)
	ListUnsettledTransfers(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error)
}

// Suspensions — реестр приостановленных агентов (engine.KillSwitch)
type Suspensions interface {
	IsSuspended(agentID string) bool
}

type Deps struct {
	Repo     Repository
	Policies policy.Source
	Ledger   ledger.Executor
	Locker   lock.Locker
	Fees     FeeSchedule
	Clock    clock.Clock
	NewID    func() string
	Audit    audit.Auditor
	Metrics  *engine.Metrics
	Logger   *zap.Logger
	// Suspensions — kill-switch агентов; nil отключает проверку
	Suspensions Suspensions
	// ReconcileGrace — через сколько незнакомую исполнителю запись можно отправить повторно
	ReconcileGrace time.Duration
}

type Service struct {
	repo        Repository
	policies    policy.Source
	suspensions Suspensions
	ledger      ledger.Executor
	locker      lock.Locker
	fees        FeeSchedule
	clock       clock.Clock
	newID       func() string
	audit       audit.Auditor
	metrics     *engine.Metrics
	logger      *zap.Logger
	grace       time.Duration
}

func NewService(d Deps) *Service {
	if d.Clock == nil {
		d.Clock = clock.Real()
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
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	return &Service{
		repo:        d.Repo,
		policies:    d.Policies,
		suspensions: d.Suspensions,
		ledger:      d.Ledger,
		locker:      d.Locker,
		fees:        d.Fees,
		clock:       d.Clock,
		newID:       d.NewID,
		audit:       d.Audit,
		metrics:     d.Metrics,
		logger:      d.Logger.Named("transfer"),
		grace:       d.ReconcileGrace,
	}
}

var unsettled = []domain.TransferStatus{domain.TransferPending, domain.TransferUnknown}

// Execute проводит перевод через весь конвейер. При ошибке Ledger запись
// тоже возвращается, чтобы вызывающий видел ключ и статус.
func (s *Service) Execute(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, error) {
	// 1. Валидация
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = s.newID()
	}

	// 2. Сериализация по кошельку: окно расходов читается и пополняется под одной блокировкой
	unlock, err := s.locker.Lock(ctx, infra.WalletLockResource(req.SourceWallet))
	if err != nil {
		return nil, domain.WalletBusy(req.SourceWallet, err)
	}
	defer unlock()

	// 3. Идемпотентность
	existing, err := s.repo.GetTransferByKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("transfer: lookup key: %w", err)
	}
	if existing != nil {
		return s.replay(ctx, existing, req)
	}

	// 4. Kill-switch агента, затем Policy Engine
	now := s.clock.Now()
	if s.suspensions != nil && s.suspensions.IsSuspended(req.AgentID) {
		return nil, s.deny(ctx, req, domain.Deny("", domain.RuleAgentSuspended, "agent "+req.AgentID+" is suspended"))
	}
	candidates, err := s.policies.Candidates(ctx, req.OrgID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("transfer: load policies: %w", err)
	}
	var history []domain.Transfer
	if window := policy.HistoryWindow(policy.Applicable(candidates, req.OrgID, req.AgentID)); window > 0 {
		history, err = s.repo.ListWalletTransfers(ctx, req.OrgID, req.SourceWallet, now.Add(-window))
		if err != nil {
			return nil, fmt.Errorf("transfer: load history: %w", err)
		}
	}

	decision := policy.Evaluate(req, candidates, history, now)
	if !decision.Allowed {
		return nil, s.deny(ctx, req, decision)
	}

	// 5. Запись pending до вызова исполнителя
	t := &domain.Transfer{
		ID:             s.newID(),
		OrgID:          req.OrgID,
		AgentID:        req.AgentID,
		SourceWallet:   req.SourceWallet,
		Destination:    req.Destination,
		Amount:         req.Amount,
		Fee:            s.fees.Compute(req.Amount),
		Token:          req.Token,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.TransferPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertTransfer(ctx, t); err != nil {
		return nil, err
	}
	s.record(ctx, req, t.ID, "evaluate", audit.StatusAllowed, decision, nil)

	// 6. Исполнение
	return s.submit(ctx, t, req.Memo)
}

// deny фиксирует отказ в метриках и аудите. Запись перевода не создается.
func (s *Service) deny(ctx context.Context, req domain.TransferRequest, decision domain.Decision) error {
	s.metrics.TransfersTotal.WithLabelValues("denied").Inc()
	s.metrics.PolicyDenials.WithLabelValues(string(decision.Rule)).Inc()
	s.logger.Info("transfer denied by policy",
		zap.String("wallet", req.SourceWallet),
		zap.Uint64("amount", req.Amount),
		zap.String("policy_id", decision.PolicyID),
		zap.String("rule", string(decision.Rule)),
		zap.String("reason", decision.Reason))
	s.record(ctx, req, "", "evaluate", audit.StatusDenied, decision, nil)
	return decision.Err()
}

func (s *Service) replay(ctx context.Context, existing *domain.Transfer, req domain.TransferRequest) (*domain.Transfer, error) {
	if !existing.SameRequest(req) {
		return nil, domain.Conflict(domain.CodeKeyReuse,
			"idempotency key %q was used for a different transfer", req.IdempotencyKey)
	}
	s.metrics.TransfersTotal.WithLabelValues("replayed").Inc()
	if existing.Status.Settled() {
		return existing, existing.OutcomeErr()
	}
	return s.reconcile(ctx, existing)
}

// submit вызывает исполнителя. Таймаут и pending не повторяются вслепую:
// запись помечается unknown и делается одна сверка по ключу.
func (s *Service) submit(ctx context.Context, t *domain.Transfer, memo string) (*domain.Transfer, error) {
	res, err := s.ledger.SubmitTransfer(ctx, ledger.Instruction{
		From:           t.SourceWallet,
		To:             t.Destination,
		Amount:         t.Amount,
		Token:          t.Token,
		IdempotencyKey: t.IdempotencyKey,
		Memo:           memo,
		Fee:            t.Fee,
		FeeRecipient:   s.fees.Recipient,
	})

	// Бухгалтерия пишется даже если вызывающий уже ушел
	bctx := context.WithoutCancel(ctx)

	if err != nil && ledger.NotSubmitted(err) {
		return s.finish(bctx, t, ledger.Result{Status: ledger.StatusFailed, Reason: err.Error()})
	}

	if err != nil || res.Status == ledger.StatusPending {
		cause := err
		if cause == nil {
			cause = errors.New("settlement pending")
		}
		s.logger.Warn("ledger outcome unknown, reconciling",
			zap.String("key", t.IdempotencyKey), zap.Error(cause))
		if uerr := s.mark(bctx, t, domain.TransferUpdate{Status: domain.TransferUnknown, SettlementRef: res.SettlementRef}); uerr != nil {
			return t, uerr
		}

		res, err = s.ledger.TransferStatus(bctx, t.IdempotencyKey)
		if err != nil || res.Status == ledger.StatusPending {
			if err != nil {
				cause = err
			}
			s.metrics.TransfersTotal.WithLabelValues("unknown").Inc()
			s.recordTransfer(ctx, t, "settle", audit.StatusUnknown)
			return t, domain.OutcomeUnknown(t.IdempotencyKey, cause)
		}
	}

	return s.finish(bctx, t, res)
}

// finish фиксирует окончательный исход
func (s *Service) finish(ctx context.Context, t *domain.Transfer, res ledger.Result) (*domain.Transfer, error) {
	u := domain.TransferUpdate{SettlementRef: res.SettlementRef}
	status := audit.StatusConfirmed
	switch res.Status {
	case ledger.StatusConfirmed:
		u.Status = domain.TransferConfirmed
	default:
		u.Status = domain.TransferFailed
		u.FailureReason = res.Reason
		status = audit.StatusFailed
	}

	if err := s.mark(ctx, t, u); err != nil {
		return t, err
	}
	s.metrics.TransfersTotal.WithLabelValues(string(t.Status)).Inc()
	s.logger.Info("transfer settled",
		zap.String("id", t.ID),
		zap.String("key", t.IdempotencyKey),
		zap.String("status", string(t.Status)),
		zap.Uint64("amount", t.Amount),
		zap.Uint64("fee", t.Fee))
	s.recordTransfer(ctx, t, "settle", status)
	return t, t.OutcomeErr()
}

// mark — условное обновление статуса. Если запись уже закрыл кто-то другой
// (воркер сверки), берем сохраненный исход.
func (s *Service) mark(ctx context.Context, t *domain.Transfer, u domain.TransferUpdate) error {
	u.UpdatedAt = s.clock.Now()
	err := s.repo.UpdateTransferStatus(ctx, t.ID, unsettled, u)
	switch {
	case err == nil:
		t.Status = u.Status
		if u.SettlementRef != "" {
			t.SettlementRef = u.SettlementRef
		}
		t.FailureReason = u.FailureReason
		t.UpdatedAt = u.UpdatedAt
		return nil
	case errors.Is(err, domain.ErrPreconditionFailed):
		stored, gerr := s.repo.GetTransferByKey(ctx, t.IdempotencyKey)
		if gerr != nil || stored == nil {
			return fmt.Errorf("transfer: reload %s: %w", t.IdempotencyKey, errors.Join(err, gerr))
		}
		*t = *stored
		return nil
	default:
		return fmt.Errorf("transfer: update %s: %w", t.ID, err)
	}
}

// Get возвращает запись по ключу идемпотентности
func (s *Service) Get(ctx context.Context, key string) (*domain.Transfer, error) {
	t, err := s.repo.GetTransferByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, domain.NotFound("transfer", key)
	}
	return t, nil
}

func (s *Service) record(ctx context.Context, req domain.TransferRequest, id, action, status string, d domain.Decision, cause error) {
	ev := audit.AuditEvent{
		ID:       s.newID(),
		TraceID:  engine.TraceID(ctx),
		OrgID:    req.OrgID,
		AgentID:  req.AgentID,
		Entity:   audit.EntityTransfer,
		EntityID: id,
		Action:   action,
		Amount:   req.Amount,
		Token:    req.Token,
		PolicyID: d.PolicyID,
		Rule:     string(d.Rule),
		Status:   status,
		Payload: map[string]interface{}{
			"source_wallet":   req.SourceWallet,
			"destination":     req.Destination,
			"idempotency_key": req.IdempotencyKey,
		},
	}
	if d.Reason != "" {
		ev.Error = d.Reason
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.audit.Log(ev)
}

func (s *Service) recordTransfer(ctx context.Context, t *domain.Transfer, action, status string) {
	s.audit.Log(audit.AuditEvent{
		ID:       s.newID(),
		TraceID:  engine.TraceID(ctx),
		OrgID:    t.OrgID,
		AgentID:  t.AgentID,
		Entity:   audit.EntityTransfer,
		EntityID: t.ID,
		Action:   action,
		ToState:  string(t.Status),
		Amount:   t.Amount,
		Token:    t.Token,
		Status:   status,
		Error:    t.FailureReason,
		Payload: map[string]interface{}{
			"idempotency_key": t.IdempotencyKey,
			"settlement_ref":  t.SettlementRef,
			"fee":             t.Fee,
		},
	})
}
