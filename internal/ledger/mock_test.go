package ledger

import (
	"errors"
	"testing"
)

func TestMockLedgerIdempotent(t *testing.T) {
	m := NewMockLedger()
	ins := Instruction{From: "a", To: "b", Amount: 10, Token: "SOL", IdempotencyKey: "k1"}

	first, err := m.SubmitTransfer(t.Context(), ins)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := m.SubmitTransfer(t.Context(), ins)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first != second {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
	if n := len(m.Executed()); n != 1 {
		t.Fatalf("executed %d times, want 1", n)
	}
}

func TestMockLedgerFaults(t *testing.T) {
	m := NewMockLedger()
	m.InjectFault(Fault{Kind: FaultTimeoutAfter})

	_, err := m.SubmitTransfer(t.Context(), Instruction{From: "a", To: "b", Amount: 1, Token: "SOL", IdempotencyKey: "lost"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	r, err := m.TransferStatus(t.Context(), "lost")
	if err != nil || r.Status != StatusConfirmed {
		t.Fatalf("status after lost response = %+v, %v", r, err)
	}

	if _, err := m.TransferStatus(t.Context(), "never"); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}

	m.InjectFault(Fault{Kind: FaultThrottle})
	_, err = m.SubmitTransfer(t.Context(), Instruction{From: "a", To: "b", Amount: 1, Token: "SOL", IdempotencyKey: "busy"})
	if !NotSubmitted(err) {
		t.Fatalf("throttle must be reported as not submitted, got %v", err)
	}
}

func TestMockLedgerBalances(t *testing.T) {
	m := NewMockLedger()
	m.SetBalance("a", "SOL", 5)

	r, err := m.SubmitTransfer(t.Context(), Instruction{From: "a", To: "b", Amount: 6, Token: "SOL", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.Status != StatusFailed || r.Reason != "insufficient_funds" {
		t.Fatalf("expected insufficient funds, got %+v", r)
	}

	r, err = m.SubmitTransfer(t.Context(), Instruction{From: "a", To: "b", Amount: 5, Token: "SOL", IdempotencyKey: "k2"})
	if err != nil || r.Status != StatusConfirmed {
		t.Fatalf("submit: %+v, %v", r, err)
	}
	if got := m.Balance("b", "SOL"); got != 5 {
		t.Fatalf("balance b = %d, want 5", got)
	}
}
