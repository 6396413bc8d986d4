package domain

/*
Файл patch.go описывает условные обновления сущностей.
Guard — ожидаемое состояние строки, Patch — набор изменяемых полей (nil — не трогать).
Хранилище применяет Patch только если строка удовлетворяет Guard, атомарно;
иначе возвращает ErrPreconditionFailed.
*/

import (
	"encoding/json"
	"slices"
	"time"
)

// TransferUpdate — исход перевода после ответа Ledger или сверки
type TransferUpdate struct {
	Status        TransferStatus
	SettlementRef string
	FailureReason string
	UpdatedAt     time.Time
}

type EscrowGuard struct {
	Statuses []EscrowStatus
	// Pending — допустимые значения pending_action (пустой список: только отсутствие маркера)
	Pending []EscrowAction
}

func (g EscrowGuard) Match(e *Escrow) bool {
	if !slices.Contains(g.Statuses, e.Status) {
		return false
	}
	if len(g.Pending) == 0 {
		return e.PendingAction == EscrowActionNone
	}
	return slices.Contains(g.Pending, e.PendingAction)
}

type EscrowPatch struct {
	Status          *EscrowStatus
	PendingAction   *EscrowAction
	Attempt         *int
	FundRef         *string
	ReleaseRef      *string
	RefundRef       *string
	DisputeReason   *string
	ResolutionNotes *string
	FundedAt        *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

func (p EscrowPatch) ApplyTo(e *Escrow) {
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.PendingAction != nil {
		e.PendingAction = *p.PendingAction
	}
	if p.Attempt != nil {
		e.Attempt = *p.Attempt
	}
	if p.FundRef != nil {
		e.FundRef = *p.FundRef
	}
	if p.ReleaseRef != nil {
		e.ReleaseRef = *p.ReleaseRef
	}
	if p.RefundRef != nil {
		e.RefundRef = *p.RefundRef
	}
	if p.DisputeReason != nil {
		e.DisputeReason = *p.DisputeReason
	}
	if p.ResolutionNotes != nil {
		e.ResolutionNotes = *p.ResolutionNotes
	}
	if p.FundedAt != nil {
		t := *p.FundedAt
		e.FundedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		e.CompletedAt = &t
	}
	e.UpdatedAt = p.UpdatedAt
}

type JobGuard struct {
	Phases []JobPhase
	// Pending — допустимые значения pending_event (пустой список: только отсутствие маркера)
	Pending []JobEvent
}

func (g JobGuard) Match(j *Job) bool {
	if !slices.Contains(g.Phases, j.Phase) {
		return false
	}
	if len(g.Pending) == 0 {
		return j.PendingEvent == JobEventNone
	}
	return slices.Contains(g.Pending, j.PendingEvent)
}

type JobPatch struct {
	Phase           *JobPhase
	PendingEvent    *JobEvent
	AgreedTerms     *JobTerms
	AgreedPrice     *uint64
	EscrowID        *string
	ResultData      json.RawMessage
	DeliveryNotes   *string
	EvaluationNotes *string
	Rating          *int
	CancelReason    *string
	NegotiatedAt    *time.Time
	TransactedAt    *time.Time
	DeliveredAt     *time.Time
	EvaluatedAt     *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

func (p JobPatch) ApplyTo(j *Job) {
	if p.Phase != nil {
		j.Phase = *p.Phase
	}
	if p.PendingEvent != nil {
		j.PendingEvent = *p.PendingEvent
	}
	if p.AgreedTerms != nil {
		t := *p.AgreedTerms
		j.AgreedTerms = &t
	}
	if p.AgreedPrice != nil {
		j.AgreedPrice = *p.AgreedPrice
	}
	if p.EscrowID != nil {
		j.EscrowID = *p.EscrowID
	}
	if p.ResultData != nil {
		j.ResultData = append(json.RawMessage(nil), p.ResultData...)
	}
	if p.DeliveryNotes != nil {
		j.DeliveryNotes = *p.DeliveryNotes
	}
	if p.EvaluationNotes != nil {
		j.EvaluationNotes = *p.EvaluationNotes
	}
	if p.Rating != nil {
		j.Rating = *p.Rating
	}
	if p.CancelReason != nil {
		j.CancelReason = *p.CancelReason
	}
	setTime(&j.NegotiatedAt, p.NegotiatedAt)
	setTime(&j.TransactedAt, p.TransactedAt)
	setTime(&j.DeliveredAt, p.DeliveredAt)
	setTime(&j.EvaluatedAt, p.EvaluatedAt)
	setTime(&j.CompletedAt, p.CompletedAt)
	j.UpdatedAt = p.UpdatedAt
}

func setTime(dst **time.Time, v *time.Time) {
	if v != nil {
		t := *v
		*dst = &t
	}
}

// Ptr — адрес значения для полей Patch
func Ptr[T any](v T) *T { return &v }
