package domain

/*
Файл errors.go задает таксономию ошибок ядра.
Класс ошибки (Kind) определяет, что вызывающая сторона может с ней сделать:
исправить запрос, повторить позже или показать причину отказа.
Сравнение через errors.Is идет по классу, а если у эталона задан Code — еще и по коду.
*/

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
	KindPolicyViolation   ErrorKind = "policy_violation"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindUpstream          ErrorKind = "upstream"
)

// Машинные коды, которые различают ошибки внутри одного класса
const (
	CodeEscrowExpired     = "ESCROW_EXPIRED"
	CodeOutcomeUnknown    = "OUTCOME_UNKNOWN"
	CodeLedgerFailed      = "LEDGER_FAILED"
	CodeDuplicateKey      = "DUPLICATE_IDEMPOTENCY_KEY"
	CodeKeyReuse          = "IDEMPOTENCY_KEY_REUSE"
	CodeTransitionPending = "TRANSITION_PENDING"
	CodeForbiddenActor    = "FORBIDDEN_ACTOR"
	CodeWalletBusy        = "WALLET_BUSY"
)

type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error

	Retryable bool
	// Timeout — исход вызова Ledger неизвестен, нужна сверка по ключу идемпотентности
	Timeout bool

	// Заполняется для PolicyViolation
	PolicyID string
	Rule     RuleKind

	// Заполняется для InvalidStateTransition
	Entity string
	State  string
	Event  string
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Эталоны для errors.Is
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrPolicyViolation   = &Error{Kind: KindPolicyViolation}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrUpstream          = &Error{Kind: KindUpstream}

	ErrEscrowExpired  = &Error{Kind: KindInvalidTransition, Code: CodeEscrowExpired}
	ErrOutcomeUnknown = &Error{Kind: KindUpstream, Code: CodeOutcomeUnknown}
)

// ErrPreconditionFailed возвращается репозиториями, когда условное обновление
// не нашло строку в ожидаемом состоянии. Сервис перечитывает сущность и
// превращает это в NotFound или InvalidStateTransition.
var ErrPreconditionFailed = errors.New("precondition failed")

func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Entity: entity, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

func Conflict(code, format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: fmt.Sprintf(format, args...)}
}

func PolicyViolation(policyID string, rule RuleKind, reason string) *Error {
	return &Error{
		Kind:     KindPolicyViolation,
		PolicyID: policyID,
		Rule:     rule,
		Message:  fmt.Sprintf("policy %s denied by %s: %s", policyID, rule.Label(), reason),
	}
}

func InvalidTransition(entity, state, event string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Entity:  entity,
		State:   state,
		Event:   event,
		Message: fmt.Sprintf("%s: %q is not allowed from %q", entity, event, state),
	}
}

func TransitionPending(entity, pending, event string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Code:    CodeTransitionPending,
		Entity:  entity,
		State:   pending,
		Event:   event,
		Message: fmt.Sprintf("%s: %q is in progress, %q rejected", entity, pending, event),
	}
}

func ForbiddenActor(entity, actor, event string) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    CodeForbiddenActor,
		Entity:  entity,
		Event:   event,
		Message: fmt.Sprintf("%s: actor %q may not %s", entity, actor, event),
	}
}

func EscrowExpired(id string) *Error {
	return &Error{
		Kind:    KindInvalidTransition,
		Code:    CodeEscrowExpired,
		Entity:  "escrow",
		Message: fmt.Sprintf("escrow %s expired, refund required", id),
	}
}

// LedgerFailed — явный отказ Ledger. Состояние сущности не изменилось, операцию можно повторить.
func LedgerFailed(reason string) *Error {
	return &Error{Kind: KindUpstream, Code: CodeLedgerFailed, Retryable: true, Message: reason}
}

// OutcomeUnknown — таймаут или обрыв связи с Ledger, сверка не дала результата.
func OutcomeUnknown(key string, cause error) *Error {
	return &Error{
		Kind:      KindUpstream,
		Code:      CodeOutcomeUnknown,
		Retryable: true,
		Timeout:   true,
		Message:   fmt.Sprintf("settlement of %q not confirmed yet", key),
		Cause:     cause,
	}
}

// WalletBusy — не дождались сериализации по кошельку, повтор безопасен
func WalletBusy(wallet string, cause error) *Error {
	return &Error{
		Kind:      KindConflict,
		Code:      CodeWalletBusy,
		Retryable: true,
		Message:   fmt.Sprintf("wallet %s is busy with another transfer", wallet),
		Cause:     cause,
	}
}

// KindOf возвращает класс ошибки или "" для ошибок вне таксономии.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
