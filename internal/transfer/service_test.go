package transfer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/ledger"
	"github.com/xela07ax/agentpay-core/internal/lock"
	"github.com/xela07ax/agentpay-core/internal/policy"
	"github.com/xela07ax/agentpay-core/internal/repository/memory"
)

type fixture struct {
	svc    *Service
	store  *memory.Store
	ledger *ledger.MockLedger
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, policies ...domain.Policy) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewStore(),
		ledger: ledger.NewMockLedger(),
		clock:  clock.Fake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)),
	}
	var seq atomic.Int64
	f.svc = NewService(Deps{
		Repo:           f.store,
		Policies:       policy.StaticSource(policies),
		Ledger:         f.ledger,
		Locker:         lock.NewMemory(5 * time.Second),
		Clock:          f.clock,
		NewID:          func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
		ReconcileGrace: time.Minute,
	})
	return f
}

func request(key string, amount uint64) domain.TransferRequest {
	return domain.TransferRequest{
		OrgID:          "org-1",
		AgentID:        "agent-1",
		SourceWallet:   "wallet-1",
		Destination:    "dest-1",
		Amount:         amount,
		Token:          "SOL",
		IdempotencyKey: key,
	}
}

func dailyCap(max uint64) domain.Policy {
	return domain.Policy{
		ID: "daily", Scope: domain.ScopeOrganization, ScopeID: "org-1", OrgID: "org-1", Enabled: true,
		Rules: domain.RuleSet{domain.RollingWindowCap{Max: max, WindowSeconds: 86400}},
	}
}

func TestExecute_DailyCapScenario(t *testing.T) {
	capAmount, _ := domain.ParseAmount("0.01", 9)
	half, _ := domain.ParseAmount("0.005", 9)
	f := newFixture(t, dailyCap(capAmount))

	tr, err := f.svc.Execute(t.Context(), request("k1", half))
	if err != nil {
		t.Fatalf("first transfer: %v", err)
	}
	if tr.Status != domain.TransferConfirmed || tr.SettlementRef == "" {
		t.Fatalf("first transfer = %+v", tr)
	}

	f.clock.Advance(time.Hour)
	_, err = f.svc.Execute(t.Context(), request("k2", half))
	if !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.Rule != domain.RuleRollingWindowCap || de.PolicyID != "daily" {
		t.Fatalf("violation details = %+v", de)
	}

	// Отказ не оставляет записи под ключом
	if _, err := f.svc.Get(t.Context(), "k2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("denied transfer must not be stored, got %v", err)
	}
	if n := len(f.ledger.Executed()); n != 1 {
		t.Fatalf("ledger executed %d transfers, want 1", n)
	}

	// Через сутки окно освобождается
	f.clock.Advance(24 * time.Hour)
	if _, err := f.svc.Execute(t.Context(), request("k3", half)); err != nil {
		t.Fatalf("transfer after window: %v", err)
	}
}

func TestExecute_SuspendedAgent(t *testing.T) {
	f := newFixture(t)
	ks := engine.NewKillSwitch(nil, zap.NewNop())
	f.svc.suspensions = ks

	if _, err := f.svc.Execute(t.Context(), request("before", 100)); err != nil {
		t.Fatalf("transfer before suspension: %v", err)
	}
	if err := ks.Suspend(t.Context(), "agent-1"); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	// Повтор уже проведенного ключа отдает сохраненный исход
	if _, err := f.svc.Execute(t.Context(), request("before", 100)); err != nil {
		t.Fatalf("replay of settled key: %v", err)
	}

	_, err := f.svc.Execute(t.Context(), request("after", 100))
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindPolicyViolation || de.Rule != domain.RuleAgentSuspended {
		t.Fatalf("expected suspension violation, got %v", err)
	}
	if _, err := f.svc.Get(t.Context(), "after"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("denied transfer must not be stored, got %v", err)
	}

	if err := ks.Resume(t.Context(), "agent-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := f.svc.Execute(t.Context(), request("after", 100)); err != nil {
		t.Fatalf("transfer after resume: %v", err)
	}
}

func TestExecute_Idempotency(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Execute(t.Context(), request("same", 100))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.Execute(t.Context(), request("same", 100))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID || second.Status != domain.TransferConfirmed {
		t.Fatalf("replay returned %+v, want %+v", second, first)
	}
	if n := f.ledger.Submissions(); n != 1 {
		t.Fatalf("ledger called %d times, want 1", n)
	}

	_, err = f.svc.Execute(t.Context(), request("same", 200))
	if !errors.Is(err, &domain.Error{Kind: domain.KindConflict, Code: domain.CodeKeyReuse}) {
		t.Fatalf("expected key reuse conflict, got %v", err)
	}
}

func TestExecute_ConcurrentRequestsRespectWindowCap(t *testing.T) {
	f := newFixture(t, dailyCap(10))

	var ok, denied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Execute(t.Context(), request(fmt.Sprintf("c-%d", i), 3))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrPolicyViolation):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 3+3+3 = 9 < 10, четвертый перевод дал бы 12
	if ok.Load() != 3 || denied.Load() != 7 {
		t.Fatalf("allowed %d, denied %d; want 3 and 7", ok.Load(), denied.Load())
	}
}

func TestExecute_LedgerOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		fault      ledger.FaultKind
		wantStatus domain.TransferStatus
		wantErr    error
		timeout    bool
	}{
		{name: "lost response resolved by reconciliation read", fault: ledger.FaultTimeoutAfter, wantStatus: domain.TransferConfirmed},
		{name: "timeout before execution stays unknown", fault: ledger.FaultTimeoutBefore, wantStatus: domain.TransferUnknown, wantErr: domain.ErrOutcomeUnknown, timeout: true},
		{name: "pending settlement stays unknown", fault: ledger.FaultPending, wantStatus: domain.TransferUnknown, wantErr: domain.ErrOutcomeUnknown, timeout: true},
		{name: "explicit failure", fault: ledger.FaultFail, wantStatus: domain.TransferFailed, wantErr: domain.ErrUpstream},
		{name: "throttle is not submitted", fault: ledger.FaultThrottle, wantStatus: domain.TransferFailed, wantErr: domain.ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ledger.InjectFault(ledger.Fault{Kind: tt.fault, Reason: "rejected"})

			tr, err := f.svc.Execute(t.Context(), request("k", 100))
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr != nil && !domain.IsRetryable(err) {
				t.Errorf("ledger errors must be retryable: %v", err)
			}
			var de *domain.Error
			if tt.timeout && (!errors.As(err, &de) || !de.Timeout) {
				t.Errorf("expected timeout flag, got %v", err)
			}
			if tr == nil || tr.Status != tt.wantStatus {
				t.Fatalf("transfer = %+v, want status %s", tr, tt.wantStatus)
			}

			stored, err := f.svc.Get(t.Context(), "k")
			if err != nil || stored.Status != tt.wantStatus {
				t.Fatalf("stored = %+v, %v", stored, err)
			}
		})
	}
}

func TestExecute_FailedKeyReplaysFailure(t *testing.T) {
	f := newFixture(t)
	f.ledger.InjectFault(ledger.Fault{Kind: ledger.FaultFail, Reason: "insufficient_funds"})

	if _, err := f.svc.Execute(t.Context(), request("k", 100)); !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected ledger failure, got %v", err)
	}
	tr, err := f.svc.Execute(t.Context(), request("k", 100))
	if !errors.Is(err, domain.ErrUpstream) || tr.FailureReason != "insufficient_funds" {
		t.Fatalf("replay = %+v, %v", tr, err)
	}
	if n := f.ledger.Submissions(); n != 1 {
		t.Fatalf("failed key must not be resubmitted, submissions = %d", n)
	}
}

func TestReconcile(t *testing.T) {
	t.Run("pending settles later", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.InjectFault(ledger.Fault{Kind: ledger.FaultPending})
		if _, err := f.svc.Execute(t.Context(), request("k", 100)); !errors.Is(err, domain.ErrOutcomeUnknown) {
			t.Fatalf("expected unknown outcome, got %v", err)
		}

		f.ledger.Settle("k")
		tr, err := f.svc.Reconcile(t.Context(), "k")
		if err != nil || tr.Status != domain.TransferConfirmed {
			t.Fatalf("reconcile = %+v, %v", tr, err)
		}
	})

	t.Run("unknown to ledger is resubmitted after grace", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.InjectFault(ledger.Fault{Kind: ledger.FaultTimeoutBefore})
		if _, err := f.svc.Execute(t.Context(), request("k", 100)); !errors.Is(err, domain.ErrOutcomeUnknown) {
			t.Fatalf("expected unknown outcome, got %v", err)
		}

		// До истечения паузы повторной отправки нет
		n, err := f.svc.ReconcilePending(t.Context())
		if err != nil || n != 0 {
			t.Fatalf("early pass resolved %d, %v", n, err)
		}
		if len(f.ledger.Executed()) != 0 {
			t.Fatal("transfer resubmitted before grace period")
		}

		f.clock.Advance(2 * time.Minute)
		n, err = f.svc.ReconcilePending(t.Context())
		if err != nil || n != 1 {
			t.Fatalf("pass resolved %d, %v", n, err)
		}
		tr, _ := f.svc.Get(t.Context(), "k")
		if tr.Status != domain.TransferConfirmed {
			t.Fatalf("status = %s", tr.Status)
		}
		if got := f.ledger.Executed(); len(got) != 1 || got[0].IdempotencyKey != "k" {
			t.Fatalf("executed = %+v", got)
		}
	})
}

func TestExecuteBatch(t *testing.T) {
	f := newFixture(t)
	reqs := []domain.TransferRequest{request("b1", 1), request("b2", 0), request("b3", 3)}

	res := f.svc.ExecuteBatch(t.Context(), reqs, 2)
	if res[0].Err != nil || res[2].Err != nil {
		t.Fatalf("unexpected errors: %v, %v", res[0].Err, res[2].Err)
	}
	if !errors.Is(res[1].Err, domain.ErrValidation) {
		t.Fatalf("zero amount must fail validation, got %v", res[1].Err)
	}
}

func TestFeeSchedule(t *testing.T) {
	tests := []struct {
		name   string
		fees   FeeSchedule
		amount uint64
		want   uint64
	}{
		{"bps above minimum", FeeSchedule{BPS: 50, MinFee: 1000}, 10_000_000, 50_000},
		{"minimum applies", FeeSchedule{BPS: 50, MinFee: 1000}, 100_000, 1000},
		{"below minimum is free", FeeSchedule{BPS: 50, MinFee: 1000}, 1000, 0},
		{"no overflow on max amount", FeeSchedule{BPS: 10000}, ^uint64(0), ^uint64(0)},
		{"zero schedule", FeeSchedule{}, 500, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fees.Compute(tt.amount); got != tt.want {
				t.Errorf("Compute(%d) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}
