package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// EscrowStatus — состояния конечного автомата эскроу
type EscrowStatus string

const (
	EscrowCreated  EscrowStatus = "created"
	EscrowFunded   EscrowStatus = "funded"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
	EscrowDisputed EscrowStatus = "disputed"
)

func ParseEscrowStatus(s string) (EscrowStatus, error) {
	switch EscrowStatus(s) {
	case EscrowCreated, EscrowFunded, EscrowReleased, EscrowRefunded, EscrowDisputed:
		return EscrowStatus(s), nil
	}
	return "", fmt.Errorf("unknown escrow status %q", s)
}

func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// EscrowAction — событие автомата. Для событий с движением средств оно же
// хранится в pending_action, пока идет вызов Ledger.
type EscrowAction string

const (
	EscrowActionNone    EscrowAction = ""
	EscrowActionFund    EscrowAction = "fund"
	EscrowActionRelease EscrowAction = "release"
	EscrowActionRefund  EscrowAction = "refund"
	EscrowActionDispute EscrowAction = "dispute"
	EscrowActionExpire  EscrowAction = "expire"
)

func ParseEscrowAction(s string) (EscrowAction, error) {
	switch EscrowAction(s) {
	case EscrowActionNone, EscrowActionFund, EscrowActionRelease, EscrowActionRefund,
		EscrowActionDispute, EscrowActionExpire:
		return EscrowAction(s), nil
	}
	return "", fmt.Errorf("unknown escrow action %q", s)
}

// escrowTransitions — таблица переходов: состояние -> событие -> новое состояние
var escrowTransitions = map[EscrowStatus]map[EscrowAction]EscrowStatus{
	EscrowCreated: {
		EscrowActionFund:   EscrowFunded,
		EscrowActionRefund: EscrowRefunded,
		EscrowActionExpire: EscrowRefunded,
	},
	EscrowFunded: {
		EscrowActionRelease: EscrowReleased,
		EscrowActionRefund:  EscrowRefunded,
		EscrowActionDispute: EscrowDisputed,
		EscrowActionExpire:  EscrowRefunded,
	},
	EscrowDisputed: {
		EscrowActionRelease: EscrowReleased,
		EscrowActionRefund:  EscrowRefunded,
	},
}

// NextEscrowStatus возвращает целевое состояние или false, если событие недопустимо
func NextEscrowStatus(from EscrowStatus, action EscrowAction) (EscrowStatus, bool) {
	to, ok := escrowTransitions[from][action]
	return to, ok
}

// EscrowSourceStates — все состояния, из которых событие допустимо
func EscrowSourceStates(action EscrowAction) []EscrowStatus {
	var out []EscrowStatus
	for _, from := range []EscrowStatus{EscrowCreated, EscrowFunded, EscrowDisputed} {
		if _, ok := escrowTransitions[from][action]; ok {
			out = append(out, from)
		}
	}
	return out
}

type Escrow struct {
	ID            string `json:"id"`
	OrgID         string `json:"org_id"`
	FunderAgentID string `json:"funder_agent_id,omitempty"`
	FunderWallet  string `json:"funder_wallet"`
	Recipient     string `json:"recipient"`
	Arbiter       string `json:"arbiter,omitempty"`
	Amount        uint64 `json:"amount"`
	Token         string `json:"token"`

	Status        EscrowStatus `json:"status"`
	PendingAction EscrowAction `json:"pending_action,omitempty"`
	// Attempt растет после явного отказа Ledger, чтобы повтор шел под новым ключом
	Attempt    int          `json:"attempt,omitempty"`
	Conditions ConditionSet `json:"conditions"`

	FundRef         string `json:"fund_ref,omitempty"`
	ReleaseRef      string `json:"release_ref,omitempty"`
	RefundRef       string `json:"refund_ref,omitempty"`
	DisputeReason   string `json:"dispute_reason,omitempty"`
	ResolutionNotes string `json:"resolution_notes,omitempty"`

	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	FundedAt    *time.Time `json:"funded_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (e *Escrow) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// TransferKey — ключ идемпотентности перевода для события эскроу.
// Первая попытка: escrow:<id>:<action>, после отказов добавляется номер попытки.
func (e *Escrow) TransferKey(action EscrowAction) string {
	key := "escrow:" + e.ID + ":" + string(action)
	if e.Attempt > 0 {
		key += ":" + strconv.Itoa(e.Attempt)
	}
	return key
}

// ConditionKind — вид условия освобождения средств. Движок условия не интерпретирует.
type ConditionKind string

const (
	ConditionManualApproval       ConditionKind = "manual_approval"
	ConditionDeliveryConfirmation ConditionKind = "delivery_confirmation"
	ConditionUnknown              ConditionKind = "unknown"
)

type Condition interface {
	ConditionKind() ConditionKind
}

type ManualApproval struct {
	Approver string `json:"approver,omitempty"`
	Note     string `json:"note,omitempty"`
}

type DeliveryConfirmation struct {
	JobID       string `json:"job_id,omitempty"`
	Description string `json:"description,omitempty"`
}

type UnknownCondition struct {
	RawKind string
	Raw     json.RawMessage
}

func (ManualApproval) ConditionKind() ConditionKind       { return ConditionManualApproval }
func (DeliveryConfirmation) ConditionKind() ConditionKind { return ConditionDeliveryConfirmation }
func (UnknownCondition) ConditionKind() ConditionKind     { return ConditionUnknown }

type ConditionSet []Condition

func (s ConditionSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, c := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		if u, ok := c.(UnknownCondition); ok {
			buf.Write(u.Raw)
			continue
		}
		body, err := json.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("conditions: %w", err)
		}
		kind, _ := json.Marshal(c.ConditionKind())
		buf.WriteString(`{"kind":`)
		buf.Write(kind)
		if len(body) > 2 {
			buf.WriteByte(',')
			buf.Write(body[1:])
		} else {
			buf.WriteByte('}')
		}
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (s *ConditionSet) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("conditions: %w", err)
	}

	out := make(ConditionSet, 0, len(items))
	for _, raw := range items {
		var head struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("conditions: %w", err)
		}
		switch ConditionKind(head.Kind) {
		case ConditionManualApproval:
			var v ManualApproval
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("conditions: %w", err)
			}
			out = append(out, v)
		case ConditionDeliveryConfirmation:
			var v DeliveryConfirmation
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("conditions: %w", err)
			}
			out = append(out, v)
		default:
			out = append(out, UnknownCondition{RawKind: head.Kind, Raw: append(json.RawMessage(nil), raw...)})
		}
	}
	*s = out
	return nil
}

// EscrowFilter — выборка эскроу организации для консоли
type EscrowFilter struct {
	OrgID  string
	Status EscrowStatus // "" — любые
	Limit  int
	Offset int
}
