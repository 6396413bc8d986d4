package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FaultKind — сбой, который мок подставит в следующий вызов SubmitTransfer
type FaultKind int

const (
	FaultFail          FaultKind = iota // явный отказ
	FaultTimeoutBefore                  // таймаут, перевод не исполнен
	FaultTimeoutAfter                   // перевод исполнен, но ответ потерян
	FaultPending                        // исполнитель принял, подтверждение позже
	FaultThrottle                       // отказ до обработки
)

type Fault struct {
	Kind   FaultKind
	Reason string
}

// MockLedger — исполнитель в памяти для тестов и локального запуска.
// Идемпотентен по ключу, опционально проверяет балансы.
type MockLedger struct {
	mu       sync.Mutex
	results  map[string]Result
	balances map[string]uint64 // "wallet|token" -> баланс
	enforce  bool
	faults   []Fault
	latency  time.Duration

	submissions int
	executed    []Instruction
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		results:  make(map[string]Result),
		balances: make(map[string]uint64),
	}
}

// WithLatency имитирует задержку сети на каждый вызов
func (m *MockLedger) WithLatency(d time.Duration) *MockLedger {
	m.latency = d
	return m
}

// SetBalance включает проверку балансов и задает баланс кошелька
func (m *MockLedger) SetBalance(wallet, token string, amount uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enforce = true
	m.balances[wallet+"|"+token] = amount
}

func (m *MockLedger) Balance(wallet, token string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[wallet+"|"+token]
}

// InjectFault ставит сбой в очередь на следующие вызовы
func (m *MockLedger) InjectFault(f Fault) {
	m.mu.Lock()
	m.faults = append(m.faults, f)
	m.mu.Unlock()
}

// Settle подтверждает перевод, оставленный в pending
func (m *MockLedger) Settle(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[key]; ok && r.Status == StatusPending {
		m.results[key] = Result{Status: StatusConfirmed, SettlementRef: r.SettlementRef}
	}
}

func (m *MockLedger) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}

// Executed возвращает копию списка исполненных инструкций
func (m *MockLedger) Executed() []Instruction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Instruction(nil), m.executed...)
}

func (m *MockLedger) SubmitTransfer(ctx context.Context, ins Instruction) (Result, error) {
	if m.latency > 0 {
		select {
		case <-time.After(m.latency):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions++

	// Повтор по тому же ключу возвращает исходный результат
	if r, ok := m.results[ins.IdempotencyKey]; ok {
		return r, nil
	}

	var fault *Fault
	if len(m.faults) > 0 {
		f := m.faults[0]
		m.faults = m.faults[1:]
		fault = &f
	}

	if fault != nil {
		switch fault.Kind {
		case FaultFail:
			r := Result{Status: StatusFailed, Reason: fault.Reason}
			m.results[ins.IdempotencyKey] = r
			return r, nil
		case FaultTimeoutBefore:
			return Result{}, ErrTimeout
		case FaultThrottle:
			return Result{}, &ThrottleError{RetryAfter: time.Millisecond, Cause: fmt.Errorf("mock throttle")}
		}
	}

	if m.enforce {
		from := ins.From + "|" + ins.Token
		need := ins.Amount + ins.Fee
		if need < ins.Amount || m.balances[from] < need {
			r := Result{Status: StatusFailed, Reason: "insufficient_funds"}
			m.results[ins.IdempotencyKey] = r
			return r, nil
		}
		m.balances[from] -= need
		m.balances[ins.To+"|"+ins.Token] += ins.Amount
		if ins.Fee > 0 && ins.FeeRecipient != "" {
			m.balances[ins.FeeRecipient+"|"+ins.Token] += ins.Fee
		}
	}

	ref := "mock-" + uuid.NewString()
	m.executed = append(m.executed, ins)

	if fault != nil && fault.Kind == FaultPending {
		r := Result{Status: StatusPending, SettlementRef: ref}
		m.results[ins.IdempotencyKey] = r
		return r, nil
	}

	r := Result{Status: StatusConfirmed, SettlementRef: ref}
	m.results[ins.IdempotencyKey] = r

	if fault != nil && fault.Kind == FaultTimeoutAfter {
		return Result{}, ErrTimeout
	}
	return r, nil
}

func (m *MockLedger) TransferStatus(_ context.Context, idempotencyKey string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[idempotencyKey]
	if !ok {
		return Result{}, ErrUnknownTransfer
	}
	return r, nil
}
