package domain

import (
	"fmt"
	"strings"
	"time"
)

type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"   // инструкция отправлена в Ledger, ответа еще нет
	TransferConfirmed TransferStatus = "confirmed" // Ledger подтвердил расчет
	TransferFailed    TransferStatus = "failed"    // Ledger явно отказал
	TransferUnknown   TransferStatus = "unknown"   // таймаут, исход выяснит сверка
)

func ParseTransferStatus(s string) (TransferStatus, error) {
	switch TransferStatus(s) {
	case TransferPending, TransferConfirmed, TransferFailed, TransferUnknown:
		return TransferStatus(s), nil
	}
	return "", fmt.Errorf("unknown transfer status %q", s)
}

// Settled — статус окончательный и повтор по ключу идемпотентности вернет его без исполнения
func (s TransferStatus) Settled() bool {
	return s == TransferConfirmed || s == TransferFailed
}

// CountsTowardsWindow — сумма учитывается в скользящем лимите.
// Неподтвержденные переводы тоже учитываются: они еще могут быть исполнены.
func (s TransferStatus) CountsTowardsWindow() bool {
	return s != TransferFailed
}

// TransferRequest — предложенное перемещение средств
type TransferRequest struct {
	OrgID          string `json:"org_id"`
	AgentID        string `json:"agent_id,omitempty"`
	SourceWallet   string `json:"source_wallet"`
	Destination    string `json:"destination"`
	Amount         uint64 `json:"amount"`
	Token          string `json:"token"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Memo           string `json:"memo,omitempty"`
}

func (r TransferRequest) Validate() error {
	var missing []string
	if r.OrgID == "" {
		missing = append(missing, "org_id")
	}
	if r.SourceWallet == "" {
		missing = append(missing, "source_wallet")
	}
	if r.Destination == "" {
		missing = append(missing, "destination")
	}
	if r.Token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return Validationf("transfer: missing %s", strings.Join(missing, ", "))
	}
	if r.Amount == 0 {
		return Validationf("transfer: amount must be positive")
	}
	if r.SourceWallet == r.Destination {
		return Validationf("transfer: source and destination are the same")
	}
	return nil
}

// Transfer — сохраненная запись о переводе
type Transfer struct {
	ID             string         `json:"id"`
	OrgID          string         `json:"org_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	SourceWallet   string         `json:"source_wallet"`
	Destination    string         `json:"destination"`
	Amount         uint64         `json:"amount"`
	Fee            uint64         `json:"fee"`
	Token          string         `json:"token"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         TransferStatus `json:"status"`
	SettlementRef  string         `json:"settlement_ref,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// SameRequest сравнивает параметры повтора с исходным запросом
func (t *Transfer) SameRequest(r TransferRequest) bool {
	return t.OrgID == r.OrgID &&
		t.SourceWallet == r.SourceWallet &&
		t.Destination == r.Destination &&
		t.Amount == r.Amount &&
		t.Token == r.Token
}

// OutcomeErr — ошибка, которую видит вызывающий для сохраненного исхода
func (t *Transfer) OutcomeErr() error {
	switch t.Status {
	case TransferConfirmed:
		return nil
	case TransferFailed:
		return LedgerFailed(t.FailureReason)
	default:
		return OutcomeUnknown(t.IdempotencyKey, nil)
	}
}
