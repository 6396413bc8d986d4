// Package escrow — конечный автомат эскроу. Средства уходят на кастодиальный кошелек
// при fund и покидают его при release/refund; все движения идут через конвейер переводов.
package escrow

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
)

const entity = "escrow"

type Repository interface {
	CreateEscrow(ctx context.Context, e *domain.Escrow) error
	GetEscrow(ctx context.Context, id string) (*domain.Escrow, error)
	// UpdateEscrow — атомарный check-and-set: patch применяется только если строка проходит guard
	UpdateEscrow(ctx context.Context, id string, guard domain.EscrowGuard, patch domain.EscrowPatch) (*domain.Escrow, error)
	ListExpiredEscrows(ctx context.Context, now time.Time, limit int) ([]domain.Escrow, error)
	ListEscrows(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error)
}

// Transferer — конвейер переводов (политики, идемпотентность, Ledger)
type Transferer interface {
	Execute(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, error)
}

type Deps struct {
	Repo          Repository
	Transfers     Transferer
	CustodyWallet string
	DefaultTTL    time.Duration
	ExpiryBatch   int
	Clock         clock.Clock
	NewID         func() string
	Audit         audit.Auditor
	Metrics       *engine.Metrics
	Logger        *zap.Logger
}

type Service struct {
	repo      Repository
	transfers Transferer
	custody   string
	ttl       time.Duration
	batch     int
	clock     clock.Clock
	newID     func() string
	audit     audit.Auditor
	metrics   *engine.Metrics
	logger    *zap.Logger
}

func NewService(d Deps) *Service {
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
	if d.DefaultTTL <= 0 {
		d.DefaultTTL = 24 * time.Hour
	}
	if d.ExpiryBatch <= 0 {
		d.ExpiryBatch = defaultExpiryBatch
	}
	return &Service{
		repo:      d.Repo,
		transfers: d.Transfers,
		custody:   d.CustodyWallet,
		ttl:       d.DefaultTTL,
		batch:     d.ExpiryBatch,
		clock:     d.Clock,
		newID:     d.NewID,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    d.Logger.Named("escrow"),
	}
}

type CreateInput struct {
	OrgID         string
	FunderAgentID string
	FunderWallet  string
	Recipient     string
	Arbiter       string
	Amount        uint64
	Token         string
	Conditions    domain.ConditionSet
	// ExpiresIn — срок жизни; 0 — значение по умолчанию, отрицательный — без срока
	ExpiresIn time.Duration
}

func (in CreateInput) validate() error {
	switch {
	case in.OrgID == "":
		return domain.Validationf("escrow: org_id is required")
	case in.FunderWallet == "":
		return domain.Validationf("escrow: funder_wallet is required")
	case in.Recipient == "":
		return domain.Validationf("escrow: recipient is required")
	case in.Token == "":
		return domain.Validationf("escrow: token is required")
	case in.Amount == 0:
		return domain.Validationf("escrow: amount must be positive")
	case in.FunderWallet == in.Recipient:
		return domain.Validationf("escrow: recipient must differ from funder wallet")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Escrow, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if s.custody == "" {
		return nil, domain.Validationf("escrow: custody wallet is not configured")
	}

	now := s.clock.Now()
	e := &domain.Escrow{
		ID:            s.newID(),
		OrgID:         in.OrgID,
		FunderAgentID: in.FunderAgentID,
		FunderWallet:  in.FunderWallet,
		Recipient:     in.Recipient,
		Arbiter:       in.Arbiter,
		Amount:        in.Amount,
		Token:         in.Token,
		Status:        domain.EscrowCreated,
		Conditions:    in.Conditions,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch {
	case in.ExpiresIn > 0:
		e.ExpiresAt = domain.Ptr(now.Add(in.ExpiresIn))
	case in.ExpiresIn == 0:
		e.ExpiresAt = domain.Ptr(now.Add(s.ttl))
	}

	if err := s.repo.CreateEscrow(ctx, e); err != nil {
		return nil, fmt.Errorf("escrow: create: %w", err)
	}
	s.logger.Info("escrow created", zap.String("id", e.ID), zap.Uint64("amount", e.Amount), zap.String("token", e.Token))
	s.record(ctx, e, "create", "", e.Status, nil)
	return e, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Escrow, error) {
	return s.repo.GetEscrow(ctx, id)
}

func (s *Service) List(ctx context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	if f.OrgID == "" {
		return nil, domain.Validationf("escrow: org_id is required")
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	return s.repo.ListEscrows(ctx, f)
}

// Fund переводит средства с кошелька заказчика на кастодиальный
func (s *Service) Fund(ctx context.Context, id, actor string) (*domain.Escrow, error) {
	e, err := s.load(ctx, id, domain.EscrowActionFund)
	if err != nil {
		return nil, err
	}
	if actor == "" || (actor != e.FunderAgentID && actor != domain.SystemSender) {
		return nil, domain.ForbiddenActor(entity, actor, string(domain.EscrowActionFund))
	}
	if e.Expired(s.clock.Now()) {
		return nil, domain.EscrowExpired(e.ID)
	}
	return s.move(ctx, e, domain.EscrowActionFund, movement{
		from:   e.FunderWallet,
		to:     s.custody,
		ref:    func(p *domain.EscrowPatch, ref string) { p.FundRef = &ref },
		funded: true,
	})
}

// Release отдает средства получателю. Из disputed решает только арбитр.
func (s *Service) Release(ctx context.Context, id, actor, notes string) (*domain.Escrow, error) {
	e, err := s.load(ctx, id, domain.EscrowActionRelease)
	if err != nil {
		return nil, err
	}
	if !s.mayRelease(e, actor) {
		return nil, domain.ForbiddenActor(entity, actor, string(domain.EscrowActionRelease))
	}
	if e.Status == domain.EscrowFunded && e.Expired(s.clock.Now()) {
		return nil, domain.EscrowExpired(e.ID)
	}
	return s.move(ctx, e, domain.EscrowActionRelease, movement{
		from:  s.custody,
		to:    e.Recipient,
		ref:   func(p *domain.EscrowPatch, ref string) { p.ReleaseRef = &ref },
		notes: notes,
	})
}

// Refund возвращает средства заказчику. Истекший срок refund не блокирует.
func (s *Service) Refund(ctx context.Context, id, actor, notes string) (*domain.Escrow, error) {
	e, err := s.load(ctx, id, domain.EscrowActionRefund)
	if err != nil {
		return nil, err
	}
	if !s.mayRefund(e, actor) {
		return nil, domain.ForbiddenActor(entity, actor, string(domain.EscrowActionRefund))
	}
	if e.Status == domain.EscrowCreated {
		return s.cancelUnfunded(ctx, e, domain.EscrowActionRefund)
	}
	return s.refundFunded(ctx, e, notes)
}

// Dispute замораживает средства до решения арбитра
func (s *Service) Dispute(ctx context.Context, id, actor, reason string) (*domain.Escrow, error) {
	e, err := s.load(ctx, id, domain.EscrowActionDispute)
	if err != nil {
		return nil, err
	}
	if actor == "" || (actor != e.FunderAgentID && actor != e.Arbiter && actor != domain.SystemSender) {
		return nil, domain.ForbiddenActor(entity, actor, string(domain.EscrowActionDispute))
	}
	if e.Expired(s.clock.Now()) {
		return nil, domain.EscrowExpired(e.ID)
	}

	updated, err := s.repo.UpdateEscrow(ctx, id,
		domain.EscrowGuard{Statuses: []domain.EscrowStatus{domain.EscrowFunded}},
		domain.EscrowPatch{
			Status:        domain.Ptr(domain.EscrowDisputed),
			DisputeReason: &reason,
			UpdatedAt:     s.clock.Now(),
		})
	if err != nil {
		return nil, s.reject(ctx, id, domain.EscrowActionDispute, err)
	}
	s.transitioned(ctx, e.Status, updated, domain.EscrowActionDispute)
	return updated, nil
}

// load читает эскроу и отсекает событие, недопустимое из текущего состояния
func (s *Service) load(ctx context.Context, id string, action domain.EscrowAction) (*domain.Escrow, error) {
	e, err := s.repo.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := domain.NextEscrowStatus(e.Status, action); !ok {
		return nil, s.rejection(e, action)
	}
	return e, nil
}

// mayRelease: funded — заказчик, арбитр или система; disputed — арбитр,
// а при его отсутствии система
func (s *Service) mayRelease(e *domain.Escrow, actor string) bool {
	if actor == "" {
		return false
	}
	if e.Status == domain.EscrowDisputed {
		return resolver(e, actor)
	}
	return actor == e.FunderAgentID || actor == e.Arbiter || actor == domain.SystemSender
}

// mayRefund: created — заказчик, арбитр или система; funded — арбитр или система
func (s *Service) mayRefund(e *domain.Escrow, actor string) bool {
	if actor == "" {
		return false
	}
	switch e.Status {
	case domain.EscrowCreated:
		return actor == e.FunderAgentID || actor == e.Arbiter || actor == domain.SystemSender
	case domain.EscrowFunded:
		return actor == e.Arbiter || actor == domain.SystemSender
	}
	return resolver(e, actor)
}

// resolver — кто закрывает спор
func resolver(e *domain.Escrow, actor string) bool {
	if e.Arbiter != "" {
		return actor == e.Arbiter
	}
	return actor == domain.SystemSender
}

func (s *Service) refundFunded(ctx context.Context, e *domain.Escrow, notes string) (*domain.Escrow, error) {
	return s.move(ctx, e, domain.EscrowActionRefund, movement{
		from:  s.custody,
		to:    e.FunderWallet,
		ref:   func(p *domain.EscrowPatch, ref string) { p.RefundRef = &ref },
		notes: notes,
	})
}

// cancelUnfunded закрывает эскроу без движения средств (created -> refunded)
func (s *Service) cancelUnfunded(ctx context.Context, e *domain.Escrow, action domain.EscrowAction) (*domain.Escrow, error) {
	now := s.clock.Now()
	updated, err := s.repo.UpdateEscrow(ctx, e.ID,
		domain.EscrowGuard{Statuses: []domain.EscrowStatus{domain.EscrowCreated}},
		domain.EscrowPatch{
			Status:      domain.Ptr(domain.EscrowRefunded),
			CompletedAt: &now,
			UpdatedAt:   now,
		})
	if err != nil {
		return nil, s.reject(ctx, e.ID, action, err)
	}
	s.transitioned(ctx, e.Status, updated, action)
	return updated, nil
}

type movement struct {
	from, to string
	ref      func(p *domain.EscrowPatch, ref string)
	funded   bool
	notes    string
}

// move — переход с движением средств:
//  1. захват маркера pending_action (повтор того же события разрешен);
//  2. перевод через конвейер с ключом escrow:<id>:<action>;
//  3. условная запись нового состояния или снятие маркера.
func (s *Service) move(ctx context.Context, e *domain.Escrow, action domain.EscrowAction, m movement) (*domain.Escrow, error) {
	from := e.Status
	if _, ok := domain.NextEscrowStatus(from, action); !ok {
		return nil, s.rejection(e, action)
	}

	// 1. Маркер: состояние не изменилось с момента проверок, чужого события в полете нет
	claimGuard := domain.EscrowGuard{
		Statuses: []domain.EscrowStatus{from},
		Pending:  []domain.EscrowAction{domain.EscrowActionNone, action},
	}
	claimed, err := s.repo.UpdateEscrow(ctx, e.ID, claimGuard, domain.EscrowPatch{
		PendingAction: &action,
		UpdatedAt:     s.clock.Now(),
	})
	if err != nil {
		return nil, s.reject(ctx, e.ID, action, err)
	}

	// 2. Перевод
	tr, err := s.transfers.Execute(ctx, domain.TransferRequest{
		OrgID:          claimed.OrgID,
		AgentID:        claimed.FunderAgentID,
		SourceWallet:   m.from,
		Destination:    m.to,
		Amount:         claimed.Amount,
		Token:          claimed.Token,
		IdempotencyKey: claimed.TransferKey(action),
		Memo:           claimed.TransferKey(action),
	})

	held := domain.EscrowGuard{
		Statuses: []domain.EscrowStatus{from},
		Pending:  []domain.EscrowAction{action},
	}
	bctx := context.WithoutCancel(ctx)

	if err != nil {
		// Исход неизвестен: маркер остается, повтор продолжит с тем же ключом
		if errors.Is(err, domain.ErrOutcomeUnknown) {
			s.logger.Warn("escrow transfer outcome unknown, claim kept",
				zap.String("id", e.ID), zap.String("action", string(action)), zap.Error(err))
			s.record(ctx, claimed, string(action), from, from, err)
			return claimed, err
		}

		// Перевод не состоялся: снимаем маркер. Если ключ уже израсходован отказом Ledger,
		// следующая попытка пойдет под новым ключом.
		patch := domain.EscrowPatch{PendingAction: domain.Ptr(domain.EscrowActionNone), UpdatedAt: s.clock.Now()}
		if errors.Is(err, &domain.Error{Kind: domain.KindUpstream, Code: domain.CodeLedgerFailed}) {
			patch.Attempt = domain.Ptr(claimed.Attempt + 1)
		}
		if _, uerr := s.repo.UpdateEscrow(bctx, e.ID, held, patch); uerr != nil {
			s.logger.Error("failed to release escrow claim", zap.String("id", e.ID), zap.Error(uerr))
		}
		s.record(ctx, claimed, string(action), from, from, err)
		return nil, err
	}

	// 3. Новое состояние
	to, _ := domain.NextEscrowStatus(from, action)
	now := s.clock.Now()
	patch := domain.EscrowPatch{
		Status:        &to,
		PendingAction: domain.Ptr(domain.EscrowActionNone),
		UpdatedAt:     now,
	}
	m.ref(&patch, tr.SettlementRef)
	if m.funded {
		patch.FundedAt = &now
	} else {
		patch.CompletedAt = &now
	}
	if m.notes != "" {
		patch.ResolutionNotes = &m.notes
	}

	updated, err := s.repo.UpdateEscrow(bctx, e.ID, held, patch)
	if err != nil {
		return nil, s.reject(bctx, e.ID, action, err)
	}
	s.transitioned(ctx, from, updated, action)
	return updated, nil
}

// reject превращает несработавший guard в понятную ошибку
func (s *Service) reject(ctx context.Context, id string, action domain.EscrowAction, err error) error {
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		return fmt.Errorf("escrow: update %s: %w", id, err)
	}
	cur, gerr := s.repo.GetEscrow(ctx, id)
	if gerr != nil {
		return gerr
	}
	return s.rejection(cur, action)
}

func (s *Service) rejection(e *domain.Escrow, action domain.EscrowAction) error {
	if e.PendingAction != domain.EscrowActionNone && e.PendingAction != action {
		return domain.TransitionPending(entity, string(e.PendingAction), string(action))
	}
	return domain.InvalidTransition(entity, string(e.Status), string(action))
}

func (s *Service) transitioned(ctx context.Context, from domain.EscrowStatus, e *domain.Escrow, action domain.EscrowAction) {
	s.metrics.ObserveTransition(entity, string(from), string(e.Status))
	s.logger.Info("escrow transition",
		zap.String("id", e.ID),
		zap.String("action", string(action)),
		zap.String("from", string(from)),
		zap.String("to", string(e.Status)))
	s.record(ctx, e, string(action), from, e.Status, nil)
}

func (s *Service) record(ctx context.Context, e *domain.Escrow, action string, from, to domain.EscrowStatus, cause error) {
	ev := audit.AuditEvent{
		ID:        s.newID(),
		TraceID:   engine.TraceID(ctx),
		OrgID:     e.OrgID,
		AgentID:   e.FunderAgentID,
		Entity:    audit.EntityEscrow,
		EntityID:  e.ID,
		Action:    action,
		FromState: string(from),
		ToState:   string(to),
		Amount:    e.Amount,
		Token:     e.Token,
		Status:    audit.StatusApplied,
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
