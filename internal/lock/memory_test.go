package lock

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLockSerializes(t *testing.T) {
	l := NewMemory(time.Second)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(t.Context(), "wallet:a")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("critical section entered by %d goroutines at once", maxInside.Load())
	}
}

func TestMemoryLockTimeout(t *testing.T) {
	l := NewMemory(20 * time.Millisecond)

	unlock, err := l.Lock(t.Context(), "wallet:a")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	if _, err := l.Lock(t.Context(), "wallet:a"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	// Другой ресурс не блокируется
	other, err := l.Lock(t.Context(), "wallet:b")
	if err != nil {
		t.Fatalf("lock other: %v", err)
	}
	other()
}

func TestMemoryUnlockIsIdempotent(t *testing.T) {
	l := NewMemory(20 * time.Millisecond)
	unlock, err := l.Lock(t.Context(), "r")
	if err != nil {
		t.Fatal(err)
	}
	unlock()
	unlock()

	again, err := l.Lock(t.Context(), "r")
	if err != nil {
		t.Fatalf("relock: %v", err)
	}
	again()
}
