package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/xela07ax/agentpay-core/internal/infra"
	"github.com/xela07ax/agentpay-core/internal/ledger"
)

func testLedgerConfig() infra.LedgerConfig {
	return infra.LedgerConfig{
		CallTimeout:      time.Second,
		CBMaxRequests:    1,
		CBTimeout:        time.Minute,
		CBTripFailures:   1,
		StatusRetryCount: 2,
	}
}

func TestReliabilityWrapper_Submit(t *testing.T) {
	ins := ledger.Instruction{From: "a", To: "b", Amount: 10, Token: "SOL", IdempotencyKey: "k"}

	tests := []struct {
		name            string
		faults          []ledger.FaultKind
		wantErr         error
		wantStatus      ledger.Status
		wantSubmissions int
	}{
		{name: "clean", wantStatus: ledger.StatusConfirmed, wantSubmissions: 1},
		{name: "throttle is retried", faults: []ledger.FaultKind{ledger.FaultThrottle}, wantStatus: ledger.StatusConfirmed, wantSubmissions: 2},
		{name: "timeout is not retried", faults: []ledger.FaultKind{ledger.FaultTimeoutAfter}, wantErr: ledger.ErrTimeout, wantSubmissions: 1},
		{name: "explicit failure passes through", faults: []ledger.FaultKind{ledger.FaultFail}, wantStatus: ledger.StatusFailed, wantSubmissions: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := ledger.NewMockLedger()
			for _, f := range tt.faults {
				mock.InjectFault(ledger.Fault{Kind: f})
			}
			w := NewReliabilityWrapper(mock, testLedgerConfig(), nil, nil)

			res, err := w.SubmitTransfer(t.Context(), ins)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr == nil && res.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", res.Status, tt.wantStatus)
			}
			if got := mock.Submissions(); got != tt.wantSubmissions {
				t.Errorf("submissions = %d, want %d", got, tt.wantSubmissions)
			}
		})
	}
}

func TestReliabilityWrapper_BreakerOpensAsNotSubmitted(t *testing.T) {
	mock := ledger.NewMockLedger()
	w := NewReliabilityWrapper(mock, testLedgerConfig(), nil, nil)

	// Два таймаута подряд открывают предохранитель (порог > 1)
	for i := 0; i < 2; i++ {
		mock.InjectFault(ledger.Fault{Kind: ledger.FaultTimeoutBefore})
		if _, err := w.SubmitTransfer(t.Context(), ledger.Instruction{IdempotencyKey: "t"}); !errors.Is(err, ledger.ErrTimeout) {
			t.Fatalf("call %d: expected timeout, got %v", i, err)
		}
	}

	before := mock.Submissions()
	_, err := w.SubmitTransfer(t.Context(), ledger.Instruction{IdempotencyKey: "next"})
	if !ledger.NotSubmitted(err) {
		t.Fatalf("expected not-submitted error from open breaker, got %v", err)
	}
	if mock.Submissions() != before {
		t.Fatal("open breaker must not reach the executor")
	}
}

func TestReliabilityWrapper_StatusUnknownIsNotRetried(t *testing.T) {
	mock := ledger.NewMockLedger()
	w := NewReliabilityWrapper(mock, testLedgerConfig(), nil, nil)

	for i := 0; i < 5; i++ {
		if _, err := w.TransferStatus(t.Context(), "missing"); !errors.Is(err, ledger.ErrUnknownTransfer) {
			t.Fatalf("expected ErrUnknownTransfer, got %v", err)
		}
	}

	// Незнакомый ключ не считается сбоем: предохранитель закрыт
	if _, err := w.SubmitTransfer(t.Context(), ledger.Instruction{IdempotencyKey: "ok"}); err != nil {
		t.Fatalf("breaker must stay closed: %v", err)
	}
}
