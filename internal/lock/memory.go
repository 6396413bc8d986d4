package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory — блокировки в памяти процесса: тесты и запуск в один инстанс.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	wait  time.Duration
}

func NewMemory(wait time.Duration) *Memory {
	return &Memory{slots: make(map[string]chan struct{}), wait: wait}
}

func (m *Memory) slot(resource string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[resource]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[resource] = ch
	}
	return ch
}

func (m *Memory) Lock(ctx context.Context, resource string) (func(), error) {
	ch := m.slot(resource)

	if m.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.wait)
		defer cancel()
	}

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, resource, ctx.Err())
	}

	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}
