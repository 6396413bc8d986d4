package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobPhase — фазы протокола ACP. Фаза движется только вперед.
type JobPhase string

const (
	PhaseRequest     JobPhase = "request"
	PhaseNegotiation JobPhase = "negotiation"
	PhaseTransaction JobPhase = "transaction"
	PhaseEvaluation  JobPhase = "evaluation"
	PhaseCompleted   JobPhase = "completed"
	PhaseCancelled   JobPhase = "cancelled"
	PhaseDisputed    JobPhase = "disputed"
)

func ParseJobPhase(s string) (JobPhase, error) {
	switch JobPhase(s) {
	case PhaseRequest, PhaseNegotiation, PhaseTransaction, PhaseEvaluation,
		PhaseCompleted, PhaseCancelled, PhaseDisputed:
		return JobPhase(s), nil
	}
	return "", fmt.Errorf("unknown job phase %q", s)
}

func (p JobPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseDisputed
}

// Order — позиция фазы в основной последовательности (-1 для выходов cancelled/disputed)
func (p JobPhase) Order() int {
	switch p {
	case PhaseRequest:
		return 0
	case PhaseNegotiation:
		return 1
	case PhaseTransaction:
		return 2
	case PhaseEvaluation:
		return 3
	case PhaseCompleted:
		return 4
	}
	return -1
}

type JobEvent string

const (
	JobEventNone      JobEvent = ""
	JobEventNegotiate JobEvent = "negotiate"
	JobEventFund      JobEvent = "fund"
	JobEventDeliver   JobEvent = "deliver"
	JobEventApprove   JobEvent = "approve"
	JobEventReject    JobEvent = "reject"
	JobEventCancel    JobEvent = "cancel"
)

func ParseJobEvent(s string) (JobEvent, error) {
	switch JobEvent(s) {
	case JobEventNone, JobEventNegotiate, JobEventFund, JobEventDeliver,
		JobEventApprove, JobEventReject, JobEventCancel:
		return JobEvent(s), nil
	}
	return "", fmt.Errorf("unknown job event %q", s)
}

var jobTransitions = map[JobPhase]map[JobEvent]JobPhase{
	PhaseRequest: {
		JobEventNegotiate: PhaseNegotiation,
		JobEventCancel:    PhaseCancelled,
	},
	PhaseNegotiation: {
		JobEventFund:   PhaseTransaction,
		JobEventCancel: PhaseCancelled,
	},
	PhaseTransaction: {
		JobEventDeliver: PhaseEvaluation,
	},
	PhaseEvaluation: {
		JobEventApprove: PhaseCompleted,
		JobEventReject:  PhaseDisputed,
	},
}

func NextJobPhase(from JobPhase, event JobEvent) (JobPhase, bool) {
	to, ok := jobTransitions[from][event]
	return to, ok
}

// JobSourcePhases — фазы, из которых событие допустимо
func JobSourcePhases(event JobEvent) []JobPhase {
	var out []JobPhase
	for _, from := range []JobPhase{PhaseRequest, PhaseNegotiation, PhaseTransaction, PhaseEvaluation} {
		if _, ok := jobTransitions[from][event]; ok {
			out = append(out, from)
		}
	}
	return out
}

// JobTerms — условия заказа. Extra хранит поля, которые ядро не интерпретирует.
type JobTerms struct {
	Description  string          `json:"description,omitempty"`
	Requirements []string        `json:"requirements,omitempty"`
	Deliverables []string        `json:"deliverables,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
}

type Job struct {
	ID           string `json:"id"`
	OrgID        string `json:"org_id"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	Evaluator    string `json:"evaluator,omitempty"`
	BuyerWallet  string `json:"buyer_wallet"`
	SellerWallet string `json:"seller_wallet"`

	Phase        JobPhase `json:"phase"`
	PendingEvent JobEvent `json:"pending_event,omitempty"`

	Terms       JobTerms  `json:"terms"`
	AgreedTerms *JobTerms `json:"agreed_terms,omitempty"`
	AgreedPrice uint64    `json:"agreed_price"`
	Token       string    `json:"token"`

	// Мягкие ссылки на связанные сущности
	EscrowID    string `json:"escrow_id,omitempty"`
	SwarmTaskID string `json:"swarm_task_id,omitempty"`
	SubtaskID   string `json:"subtask_id,omitempty"`

	ResultData      json.RawMessage `json:"result_data,omitempty"`
	DeliveryNotes   string          `json:"delivery_notes,omitempty"`
	EvaluationNotes string          `json:"evaluation_notes,omitempty"`
	Rating          int             `json:"rating,omitempty"`
	CancelReason    string          `json:"cancel_reason,omitempty"`

	Deadline     *time.Time `json:"deadline,omitempty"`
	NegotiatedAt *time.Time `json:"negotiated_at,omitempty"`
	TransactedAt *time.Time `json:"transacted_at,omitempty"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	EvaluatedAt  *time.Time `json:"evaluated_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsParty — агент участвует в заказе и может писать мемо
func (j *Job) IsParty(agentID string) bool {
	return agentID != "" && (agentID == j.Buyer || agentID == j.Seller || agentID == j.Evaluator)
}

// CanEvaluate — назначенный оценщик, а если его нет — покупатель
func (j *Job) CanEvaluate(agentID string) bool {
	if j.Evaluator != "" {
		return agentID == j.Evaluator || agentID == j.Buyer
	}
	return agentID == j.Buyer
}

// OnTime — сдача уложилась в срок. nil, если срок не задан.
func (j *Job) OnTime() *bool {
	if j.Deadline == nil || j.DeliveredAt == nil {
		return nil
	}
	ok := !j.DeliveredAt.After(*j.Deadline)
	return &ok
}

type MemoType string

const (
	MemoJobRequest  MemoType = "job_request"
	MemoAgreement   MemoType = "agreement"
	MemoTransaction MemoType = "transaction"
	MemoDeliverable MemoType = "deliverable"
	MemoEvaluation  MemoType = "evaluation"
	MemoGeneral     MemoType = "general"
)

func ParseMemoType(s string) (MemoType, error) {
	switch MemoType(s) {
	case MemoJobRequest, MemoAgreement, MemoTransaction, MemoDeliverable, MemoEvaluation, MemoGeneral:
		return MemoType(s), nil
	}
	return "", fmt.Errorf("unknown memo type %q", s)
}

// SystemSender — отправитель мемо, которые пишет само ядро
const SystemSender = "system"

// Memo — запись в журнале заказа. Журнал только дополняется.
type Memo struct {
	ID            string          `json:"id"`
	JobID         string          `json:"job_id"`
	Seq           int             `json:"seq"`
	Sender        string          `json:"sender"`
	Type          MemoType        `json:"type"`
	Content       json.RawMessage `json:"content,omitempty"`
	AdvancesPhase bool            `json:"advances_phase"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Содержимое мемо, которые двигают фазу

type AgreementContent struct {
	Terms JobTerms `json:"terms"`
	Price uint64   `json:"price"`
}

type DeliverableContent struct {
	Result json.RawMessage `json:"result,omitempty"`
	Notes  string          `json:"notes,omitempty"`
}

type EvaluationContent struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
	Rating   int    `json:"rating,omitempty"`
}

type TransactionContent struct {
	EscrowID      string `json:"escrow_id,omitempty"`
	Amount        uint64 `json:"amount,omitempty"`
	SettlementRef string `json:"settlement_ref,omitempty"`
}

// JobFilter — выборка заказов организации; AgentID совпадает с покупателем или продавцом
type JobFilter struct {
	OrgID   string
	AgentID string
	Phase   JobPhase
	Limit   int
	Offset  int
}
