// Package acp — автомат заказа Agent Commerce Protocol:
// request -> negotiation -> transaction -> evaluation -> completed,
// с выходами cancelled (до оплаты) и disputed (после сдачи).
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/escrow"
	"github.com/xela07ax/agentpay-core/internal/events"
)

const entity = "job"

type Repository interface {
	// CreateJob сохраняет заказ вместе с первым мемо
	CreateJob(ctx context.Context, j *domain.Job, memo *domain.Memo) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// UpdateJob — условное обновление по (phase, pending_event) и запись мемо в одной транзакции
	UpdateJob(ctx context.Context, id string, guard domain.JobGuard, patch domain.JobPatch, memo *domain.Memo) (*domain.Job, error)
	AppendMemo(ctx context.Context, memo *domain.Memo) error
	ListMemos(ctx context.Context, jobID string) ([]domain.Memo, error)
	ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, error)
}

// Escrows — автомат эскроу, через который идут деньги заказа
type Escrows interface {
	Create(ctx context.Context, in escrow.CreateInput) (*domain.Escrow, error)
	Get(ctx context.Context, id string) (*domain.Escrow, error)
	Fund(ctx context.Context, id, actor string) (*domain.Escrow, error)
	Release(ctx context.Context, id, actor, notes string) (*domain.Escrow, error)
	Refund(ctx context.Context, id, actor, notes string) (*domain.Escrow, error)
	Dispute(ctx context.Context, id, actor, reason string) (*domain.Escrow, error)
}

type Deps struct {
	Repo      Repository
	Escrows   Escrows
	Publisher events.Publisher
	Clock     clock.Clock
	NewID     func() string
	Audit     audit.Auditor
	Metrics   *engine.Metrics
	Logger    *zap.Logger
}

type Service struct {
	repo      Repository
	escrows   Escrows
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
		escrows:   d.Escrows,
		publisher: d.Publisher,
		clock:     d.Clock,
		newID:     d.NewID,
		audit:     d.Audit,
		metrics:   d.Metrics,
		logger:    d.Logger.Named("acp"),
	}
}

type CreateInput struct {
	OrgID        string
	Buyer        string
	Seller       string
	Evaluator    string
	BuyerWallet  string
	SellerWallet string
	Terms        domain.JobTerms
	// Price — предложенная цена, продавец может изменить ее в negotiate
	Price    uint64
	Token    string
	Deadline *time.Time

	SwarmTaskID string
	SubtaskID   string
}

func (in CreateInput) validate() error {
	switch {
	case in.OrgID == "":
		return domain.Validationf("job: org_id is required")
	case in.Buyer == "" || in.Seller == "":
		return domain.Validationf("job: buyer and seller are required")
	case in.Buyer == in.Seller:
		return domain.Validationf("job: buyer and seller must differ")
	case in.BuyerWallet == "" || in.SellerWallet == "":
		return domain.Validationf("job: buyer_wallet and seller_wallet are required")
	case in.Token == "":
		return domain.Validationf("job: token is required")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Job, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	j := &domain.Job{
		ID:           s.newID(),
		OrgID:        in.OrgID,
		Buyer:        in.Buyer,
		Seller:       in.Seller,
		Evaluator:    in.Evaluator,
		BuyerWallet:  in.BuyerWallet,
		SellerWallet: in.SellerWallet,
		Phase:        domain.PhaseRequest,
		Terms:        in.Terms,
		AgreedPrice:  in.Price,
		Token:        in.Token,
		SwarmTaskID:  in.SwarmTaskID,
		SubtaskID:    in.SubtaskID,
		Deadline:     in.Deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	memo, err := s.memo(j.ID, domain.SystemSender, domain.MemoJobRequest, false,
		domain.AgreementContent{Terms: in.Terms, Price: in.Price})
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateJob(ctx, j, memo); err != nil {
		return nil, fmt.Errorf("acp: create job: %w", err)
	}

	s.logger.Info("job created", zap.String("id", j.ID), zap.String("buyer", j.Buyer), zap.String("seller", j.Seller))
	s.record(ctx, j, "create", "", j.Phase, nil)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	if f.OrgID == "" {
		return nil, domain.Validationf("job: org_id is required")
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 20
	}
	return s.repo.ListJobs(ctx, f)
}

// Memos — журнал заказа в порядке записи
func (s *Service) Memos(ctx context.Context, id string) ([]domain.Memo, error) {
	return s.repo.ListMemos(ctx, id)
}

// Negotiate фиксирует условия. Цена 0 — оставить предложенную при создании.
func (s *Service) Negotiate(ctx context.Context, id, seller string, terms domain.JobTerms, price uint64) (*domain.Job, error) {
	j, _, err := s.negotiate(ctx, id, seller, terms, price)
	return j, err
}

func (s *Service) negotiate(ctx context.Context, id, seller string, terms domain.JobTerms, price uint64) (*domain.Job, *domain.Memo, error) {
	j, err := s.load(ctx, id, domain.JobEventNegotiate)
	if err != nil {
		return nil, nil, err
	}
	if seller != j.Seller {
		return nil, nil, domain.ForbiddenActor(entity, seller, string(domain.JobEventNegotiate))
	}
	if price == 0 {
		price = j.AgreedPrice
	}
	if price == 0 {
		return nil, nil, domain.Validationf("job: agreed price must be positive")
	}

	memo, err := s.memo(j.ID, seller, domain.MemoAgreement, true, domain.AgreementContent{Terms: terms, Price: price})
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	updated, err := s.step(ctx, j, domain.JobEventNegotiate, domain.JobPatch{
		AgreedTerms:  &terms,
		AgreedPrice:  &price,
		NegotiatedAt: &now,
	}, memo)
	return updated, memo, err
}

// Fund создает эскроу на согласованную цену и пополняет его с кошелька покупателя
func (s *Service) Fund(ctx context.Context, id, buyer string) (*domain.Job, error) {
	j, _, err := s.fund(ctx, id, buyer)
	return j, err
}

func (s *Service) fund(ctx context.Context, id, buyer string) (*domain.Job, *domain.Memo, error) {
	j, err := s.load(ctx, id, domain.JobEventFund)
	if err != nil {
		return nil, nil, err
	}
	if buyer != j.Buyer {
		return nil, nil, domain.ForbiddenActor(entity, buyer, string(domain.JobEventFund))
	}

	// 1. Маркер fund: конкурирующие события ждут исхода оплаты
	claimed, err := s.claim(ctx, j, domain.JobEventFund)
	if err != nil {
		return nil, nil, err
	}

	// 2. Эскроу создается один раз и переиспользуется повторными попытками
	esc, err := s.ensureEscrow(ctx, claimed)
	if err != nil {
		return nil, nil, s.unclaim(ctx, claimed, domain.JobEventFund, err)
	}

	// 3. Движение средств
	funded, err := s.escrows.Fund(ctx, esc.ID, claimed.Buyer)
	if err != nil && errors.Is(err, domain.ErrInvalidTransition) {
		// Эскроу уже пополнен прошлой попыткой, не успевшей записать фазу
		if cur, gerr := s.escrows.Get(ctx, esc.ID); gerr == nil && cur.Status == domain.EscrowFunded {
			funded, err = cur, nil
		}
	}
	if err != nil {
		return nil, nil, s.unclaim(ctx, claimed, domain.JobEventFund, err)
	}

	// 4. Фаза transaction
	memo, err := s.memo(j.ID, buyer, domain.MemoTransaction, true, domain.TransactionContent{
		EscrowID:      funded.ID,
		Amount:        funded.Amount,
		SettlementRef: funded.FundRef,
	})
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	updated, err := s.settle(ctx, claimed, domain.JobEventFund, domain.JobPatch{TransactedAt: &now}, memo)
	return updated, memo, err
}

func (s *Service) ensureEscrow(ctx context.Context, j *domain.Job) (*domain.Escrow, error) {
	if j.EscrowID != "" {
		return s.escrows.Get(ctx, j.EscrowID)
	}

	// Срок у эскроу заказа не задается: спор и возврат решает арбитр
	esc, err := s.escrows.Create(ctx, escrow.CreateInput{
		OrgID:         j.OrgID,
		FunderAgentID: j.Buyer,
		FunderWallet:  j.BuyerWallet,
		Recipient:     j.SellerWallet,
		Arbiter:       j.Evaluator,
		Amount:        j.AgreedPrice,
		Token:         j.Token,
		Conditions:    domain.ConditionSet{domain.DeliveryConfirmation{JobID: j.ID}},
		ExpiresIn:     -1,
	})
	if err != nil {
		return nil, err
	}

	held := domain.JobGuard{Phases: []domain.JobPhase{j.Phase}, Pending: []domain.JobEvent{domain.JobEventFund}}
	if _, err := s.repo.UpdateJob(ctx, j.ID, held, domain.JobPatch{EscrowID: &esc.ID, UpdatedAt: s.clock.Now()}, nil); err != nil {
		return nil, s.reject(ctx, j.ID, domain.JobEventFund, err)
	}
	j.EscrowID = esc.ID
	return esc, nil
}

// Deliver — продавец сдает результат
func (s *Service) Deliver(ctx context.Context, id, seller string, result json.RawMessage, notes string) (*domain.Job, error) {
	j, _, err := s.deliver(ctx, id, seller, result, notes)
	return j, err
}

func (s *Service) deliver(ctx context.Context, id, seller string, result json.RawMessage, notes string) (*domain.Job, *domain.Memo, error) {
	j, err := s.load(ctx, id, domain.JobEventDeliver)
	if err != nil {
		return nil, nil, err
	}
	if seller != j.Seller {
		return nil, nil, domain.ForbiddenActor(entity, seller, string(domain.JobEventDeliver))
	}
	if result != nil && !json.Valid(result) {
		return nil, nil, domain.Validationf("job: result_data is not valid JSON")
	}

	memo, err := s.memo(j.ID, seller, domain.MemoDeliverable, true, domain.DeliverableContent{Result: result, Notes: notes})
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	updated, err := s.step(ctx, j, domain.JobEventDeliver, domain.JobPatch{
		ResultData:    result,
		DeliveryNotes: &notes,
		DeliveredAt:   &now,
	}, memo)
	return updated, memo, err
}

// Evaluate — приемка. approved освобождает эскроу продавцу, иначе заказ уходит в спор.
func (s *Service) Evaluate(ctx context.Context, id, evaluator string, approved bool, notes string, rating int) (*domain.Job, error) {
	j, _, err := s.evaluate(ctx, id, evaluator, domain.EvaluationContent{Approved: approved, Notes: notes, Rating: rating})
	return j, err
}

func (s *Service) evaluate(ctx context.Context, id, evaluator string, ev domain.EvaluationContent) (*domain.Job, *domain.Memo, error) {
	if ev.Rating < 0 || ev.Rating > 5 {
		return nil, nil, domain.Validationf("job: rating %d out of range 0..5 (0 = none)", ev.Rating)
	}
	event := domain.JobEventReject
	if ev.Approved {
		event = domain.JobEventApprove
	}
	j, err := s.load(ctx, id, event)
	if err != nil {
		return nil, nil, err
	}
	if !j.CanEvaluate(evaluator) {
		return nil, nil, domain.ForbiddenActor(entity, evaluator, string(event))
	}

	memo, err := s.memo(j.ID, evaluator, domain.MemoEvaluation, true, ev)
	if err != nil {
		return nil, nil, err
	}
	now := s.clock.Now()
	patch := domain.JobPatch{EvaluationNotes: &ev.Notes, EvaluatedAt: &now}
	if ev.Rating > 0 {
		patch.Rating = &ev.Rating
	}

	if !ev.Approved {
		updated, err := s.step(ctx, j, domain.JobEventReject, patch, memo)
		if err != nil {
			return nil, nil, err
		}
		s.holdEscrow(ctx, updated, ev.Notes)
		s.publish(ctx, updated, domain.OutcomeDisputed)
		return updated, memo, nil
	}

	// approve: сначала деньги продавцу, потом фаза
	claimed, err := s.claim(ctx, j, domain.JobEventApprove)
	if err != nil {
		return nil, nil, err
	}
	if claimed.EscrowID != "" {
		_, err := s.escrows.Release(ctx, claimed.EscrowID, domain.SystemSender, ev.Notes)
		if err != nil && errors.Is(err, domain.ErrInvalidTransition) {
			if cur, gerr := s.escrows.Get(ctx, claimed.EscrowID); gerr == nil && cur.Status == domain.EscrowReleased {
				err = nil
			}
		}
		if err != nil {
			return nil, nil, s.unclaim(ctx, claimed, domain.JobEventApprove, err)
		}
	}

	patch.CompletedAt = &now
	updated, err := s.settle(ctx, claimed, domain.JobEventApprove, patch, memo)
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, updated, domain.OutcomeCompleted)
	return updated, memo, nil
}

// holdEscrow переводит эскроу отклоненного заказа в спор, чтобы его решил арбитр
func (s *Service) holdEscrow(ctx context.Context, j *domain.Job, reason string) {
	if j.EscrowID == "" {
		return
	}
	if _, err := s.escrows.Dispute(context.WithoutCancel(ctx), j.EscrowID, domain.SystemSender, reason); err != nil {
		s.metrics.ErrorTotal.WithLabelValues("escrow_dispute").Inc()
		s.logger.Error("failed to dispute escrow of rejected job",
			zap.String("job_id", j.ID), zap.String("escrow_id", j.EscrowID), zap.Error(err))
	}
}

type cancelContent struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel — отмена до оплаты, покупателем или продавцом
func (s *Service) Cancel(ctx context.Context, id, actor, reason string) (*domain.Job, error) {
	j, err := s.load(ctx, id, domain.JobEventCancel)
	if err != nil {
		return nil, err
	}
	if actor == "" || (actor != j.Buyer && actor != j.Seller) {
		return nil, domain.ForbiddenActor(entity, actor, string(domain.JobEventCancel))
	}

	memo, err := s.memo(j.ID, actor, domain.MemoGeneral, true, cancelContent{Reason: reason})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	updated, err := s.step(ctx, j, domain.JobEventCancel, domain.JobPatch{
		CancelReason: &reason,
		CompletedAt:  &now,
	}, memo)
	if err != nil {
		return nil, err
	}

	// Эскроу после неудачной оплаты остался created: закрываем без движения средств
	if updated.EscrowID != "" {
		if _, err := s.escrows.Refund(context.WithoutCancel(ctx), updated.EscrowID, domain.SystemSender, "job cancelled"); err != nil {
			s.metrics.ErrorTotal.WithLabelValues("escrow_refund").Inc()
			s.logger.Error("failed to close escrow of cancelled job",
				zap.String("job_id", updated.ID), zap.String("escrow_id", updated.EscrowID), zap.Error(err))
		}
	}
	s.publish(ctx, updated, domain.OutcomeCancelled)
	return updated, nil
}

type SendMemoInput struct {
	JobID         string
	Sender        string
	Type          domain.MemoType
	Content       json.RawMessage
	AdvancesPhase bool
}

// SendMemo дописывает мемо в журнал. Мемо с advances_phase проходит через тот же
// переход, что и прямой вызов; если переход отклонен, мемо не записывается.
func (s *Service) SendMemo(ctx context.Context, in SendMemoInput) (*domain.Memo, error) {
	if _, err := domain.ParseMemoType(string(in.Type)); err != nil {
		return nil, domain.Validationf("memo: %v", err)
	}
	if in.Content != nil && !json.Valid(in.Content) {
		return nil, domain.Validationf("memo: content is not valid JSON")
	}
	j, err := s.repo.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, err
	}
	if !j.IsParty(in.Sender) {
		return nil, domain.ForbiddenActor(entity, in.Sender, "send memo")
	}

	if !in.AdvancesPhase {
		memo := &domain.Memo{
			ID:        s.newID(),
			JobID:     j.ID,
			Sender:    in.Sender,
			Type:      in.Type,
			Content:   in.Content,
			CreatedAt: s.clock.Now(),
		}
		if err := s.repo.AppendMemo(ctx, memo); err != nil {
			return nil, fmt.Errorf("acp: append memo: %w", err)
		}
		return memo, nil
	}

	var memo *domain.Memo
	switch in.Type {
	case domain.MemoAgreement:
		var c domain.AgreementContent
		if err := decode(in.Content, &c); err != nil {
			return nil, err
		}
		_, memo, err = s.negotiate(ctx, j.ID, in.Sender, c.Terms, c.Price)
	case domain.MemoTransaction:
		_, memo, err = s.fund(ctx, j.ID, in.Sender)
	case domain.MemoDeliverable:
		var c domain.DeliverableContent
		if err := decode(in.Content, &c); err != nil {
			return nil, err
		}
		_, memo, err = s.deliver(ctx, j.ID, in.Sender, c.Result, c.Notes)
	case domain.MemoEvaluation:
		var c domain.EvaluationContent
		if err := decode(in.Content, &c); err != nil {
			return nil, err
		}
		_, memo, err = s.evaluate(ctx, j.ID, in.Sender, c)
	default:
		return nil, domain.Validationf("memo: type %q does not advance the phase", in.Type)
	}
	if err != nil {
		return nil, err
	}
	return memo, nil
}

func decode(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.Validationf("memo: malformed content: %v", err)
	}
	return nil
}
