// Package ledger описывает контракт внешнего исполнителя переводов (Ledger Executor).
// Подпись транзакций, хранение ключей и отправка в сеть живут за этим интерфейсом.
package ledger

import (
	"context"
	"fmt"
	"strconv"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusConfirmed, StatusFailed, StatusPending:
		return Status(s), nil
	}
	return "", fmt.Errorf("ledger: unknown status %q", s)
}

// Instruction — проверенная инструкция перевода. Исполнитель идемпотентен по IdempotencyKey.
type Instruction struct {
	From           string
	To             string
	Amount         uint64
	Token          string
	IdempotencyKey string
	Memo           string
	// Комиссия платформы списывается той же инструкцией
	Fee          uint64
	FeeRecipient string
}

type Result struct {
	Status        Status
	SettlementRef string
	Reason        string
}

type Executor interface {
	// SubmitTransfer отправляет инструкцию. Ошибка означает, что исход неизвестен
	// (таймаут, обрыв связи), кроме случаев NotSubmitted.
	SubmitTransfer(ctx context.Context, ins Instruction) (Result, error)
	// TransferStatus — сверка по ключу идемпотентности. ErrUnknownTransfer, если ключ не встречался.
	TransferStatus(ctx context.Context, idempotencyKey string) (Result, error)
}

func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }
