package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownTransfer — исполнитель не знает такого ключа идемпотентности
	ErrUnknownTransfer = errors.New("ledger: transfer not found")
	// ErrNotSubmitted — инструкция гарантированно не дошла до исполнителя
	// (открыт предохранитель, исчерпан лимит). Повтор безопасен.
	ErrNotSubmitted = errors.New("ledger: instruction not submitted")
	// ErrTimeout — ответа нет, исход неизвестен
	ErrTimeout = errors.New("ledger: call timed out")
)

// ThrottleError — исполнитель отклонил вызов до обработки и просит подождать
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// NotSubmitted — по ошибке точно известно, что перевод не исполнялся
func NotSubmitted(err error) bool {
	var tErr *ThrottleError
	return errors.Is(err, ErrNotSubmitted) || errors.As(err, &tErr)
}
