// Package lock сериализует оценку политики и запись перевода по одному кошельку.
// Без этой блокировки два конкурентных перевода читают одно и то же окно расходов
// и вместе превышают лимит.
package lock

import (
	"context"
	"errors"
)

// ErrNotAcquired — блокировку не удалось взять за отведенное время
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker берет эксклюзивную блокировку ресурса. unlock безопасно вызывать один раз.
type Locker interface {
	Lock(ctx context.Context, resource string) (unlock func(), err error)
}
