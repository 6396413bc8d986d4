package escrow

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/ledger"
	"github.com/xela07ax/agentpay-core/internal/lock"
	"github.com/xela07ax/agentpay-core/internal/policy"
	"github.com/xela07ax/agentpay-core/internal/repository/memory"
	"github.com/xela07ax/agentpay-core/internal/transfer"
)

const custody = "custody-wallet"

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
	newID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }

	transfers := transfer.NewService(transfer.Deps{
		Repo:           f.store,
		Policies:       policy.StaticSource(policies),
		Ledger:         f.ledger,
		Locker:         lock.NewMemory(5 * time.Second),
		Clock:          f.clock,
		NewID:          newID,
		ReconcileGrace: time.Minute,
	})
	f.svc = NewService(Deps{
		Repo:          f.store,
		Transfers:     transfers,
		CustodyWallet: custody,
		DefaultTTL:    time.Hour,
		Clock:         f.clock,
		NewID:         newID,
	})
	return f
}

func (f *fixture) create(t *testing.T, mutate ...func(*CreateInput)) *domain.Escrow {
	t.Helper()
	in := CreateInput{
		OrgID:         "org-1",
		FunderAgentID: "buyer",
		FunderWallet:  "buyer-wallet",
		Recipient:     "seller-wallet",
		Arbiter:       "arbiter",
		Amount:        1000,
		Token:         "USDC",
	}
	for _, m := range mutate {
		m(&in)
	}
	e, err := f.svc.Create(t.Context(), in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return e
}

func TestEscrow_FundAndRelease(t *testing.T) {
	f := newFixture(t)
	f.ledger.SetBalance("buyer-wallet", "USDC", 1000)
	e := f.create(t)

	if e.Status != domain.EscrowCreated || e.ExpiresAt == nil || !e.ExpiresAt.Equal(f.clock.Now().Add(time.Hour)) {
		t.Fatalf("created = %+v", e)
	}

	funded, err := f.svc.Fund(t.Context(), e.ID, "buyer")
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
	if funded.Status != domain.EscrowFunded || funded.FundRef == "" || funded.FundedAt == nil || funded.PendingAction != domain.EscrowActionNone {
		t.Fatalf("funded = %+v", funded)
	}
	if got := f.ledger.Balance(custody, "USDC"); got != 1000 {
		t.Fatalf("custody balance = %d, want 1000", got)
	}

	released, err := f.svc.Release(t.Context(), e.ID, "buyer", "work accepted")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != domain.EscrowReleased || released.ReleaseRef == "" || released.CompletedAt == nil {
		t.Fatalf("released = %+v", released)
	}
	if released.ResolutionNotes != "work accepted" {
		t.Errorf("notes = %q", released.ResolutionNotes)
	}
	if got := f.ledger.Balance("seller-wallet", "USDC"); got != 1000 {
		t.Fatalf("recipient balance = %d, want 1000", got)
	}

	// Терминальное состояние не принимает событий
	if _, err := f.svc.Refund(t.Context(), e.ID, "arbiter", ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("refund after release: %v", err)
	}
}

func TestEscrow_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		run  func(f *fixture, id string) error
	}{
		{"release before fund", func(f *fixture, id string) error {
			_, err := f.svc.Release(t.Context(), id, "buyer", "")
			return err
		}},
		{"dispute before fund", func(f *fixture, id string) error {
			_, err := f.svc.Dispute(t.Context(), id, "buyer", "late")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			e := f.create(t)
			err := tt.run(f, e.ID)
			var de *domain.Error
			if !errors.As(err, &de) || de.Kind != domain.KindInvalidTransition || de.State != string(domain.EscrowCreated) {
				t.Fatalf("expected invalid transition from created, got %v", err)
			}
			stored, _ := f.svc.Get(t.Context(), e.ID)
			if stored.Status != domain.EscrowCreated {
				t.Fatalf("status changed to %s", stored.Status)
			}
		})
	}
}

func TestEscrow_ActorChecks(t *testing.T) {
	f := newFixture(t)
	e := f.create(t)

	if _, err := f.svc.Fund(t.Context(), e.ID, "stranger"); !errors.Is(err, &domain.Error{Kind: domain.KindValidation, Code: domain.CodeForbiddenActor}) {
		t.Fatalf("stranger fund: %v", err)
	}
	if _, err := f.svc.Fund(t.Context(), e.ID, "buyer"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// Из funded заказчик сам деньги не возвращает
	if _, err := f.svc.Refund(t.Context(), e.ID, "buyer", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("buyer refund from funded: %v", err)
	}
	if _, err := f.svc.Dispute(t.Context(), e.ID, "buyer", "no delivery"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	// Спор решает только арбитр
	if _, err := f.svc.Release(t.Context(), e.ID, "buyer", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("buyer release from disputed: %v", err)
	}
	refunded, err := f.svc.Refund(t.Context(), e.ID, "arbiter", "seller absent")
	if err != nil || refunded.Status != domain.EscrowRefunded || refunded.RefundRef == "" {
		t.Fatalf("arbiter refund = %+v, %v", refunded, err)
	}
}

func TestEscrow_ConcurrentReleaseSettlesOnce(t *testing.T) {
	f := newFixture(t)
	e := f.create(t)
	if _, err := f.svc.Fund(t.Context(), e.ID, "buyer"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Release(t.Context(), e.ID, "system", "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInvalidTransition):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("%d releases succeeded, want 1", ok.Load())
	}
	releases := 0
	for _, ins := range f.ledger.Executed() {
		if strings.HasSuffix(ins.IdempotencyKey, ":release") {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("ledger executed %d releases, want 1", releases)
	}
}

func TestEscrow_ExpiredRejectsFundAndRelease(t *testing.T) {
	f := newFixture(t)
	e := f.create(t)

	f.clock.Advance(2 * time.Hour)
	if _, err := f.svc.Fund(t.Context(), e.ID, "buyer"); !errors.Is(err, domain.ErrEscrowExpired) {
		t.Fatalf("fund after expiry: %v", err)
	}
	// Refund остается доступным
	refunded, err := f.svc.Refund(t.Context(), e.ID, "buyer", "")
	if err != nil || refunded.Status != domain.EscrowRefunded {
		t.Fatalf("refund = %+v, %v", refunded, err)
	}
	if n := f.ledger.Submissions(); n != 0 {
		t.Fatalf("unfunded refund moved money: %d submissions", n)
	}
}

func TestEscrow_LedgerFailureRotatesKey(t *testing.T) {
	f := newFixture(t)
	e := f.create(t)
	f.ledger.InjectFault(ledger.Fault{Kind: ledger.FaultFail, Reason: "insufficient_funds"})

	if _, err := f.svc.Fund(t.Context(), e.ID, "buyer"); !errors.Is(err, domain.ErrUpstream) {
		t.Fatalf("expected ledger failure, got %v", err)
	}
	stored, _ := f.svc.Get(t.Context(), e.ID)
	if stored.Status != domain.EscrowCreated || stored.PendingAction != domain.EscrowActionNone || stored.Attempt != 1 {
		t.Fatalf("after failure = %+v", stored)
	}

	funded, err := f.svc.Fund(t.Context(), e.ID, "buyer")
	if err != nil || funded.Status != domain.EscrowFunded {
		t.Fatalf("retry = %+v, %v", funded, err)
	}
	executed := f.ledger.Executed()
	if len(executed) != 1 || executed[0].IdempotencyKey != "escrow:"+e.ID+":fund:1" {
		t.Fatalf("executed = %+v", executed)
	}
}

func TestEscrow_PolicyDenialKeepsState(t *testing.T) {
	f := newFixture(t, domain.Policy{
		ID: "cap", Scope: domain.ScopeOrganization, ScopeID: "org-1", OrgID: "org-1", Enabled: true,
		Rules: domain.RuleSet{domain.PerTransactionCap{Max: 500}},
	})
	e := f.create(t)

	if _, err := f.svc.Fund(t.Context(), e.ID, "buyer"); !errors.Is(err, domain.ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	stored, _ := f.svc.Get(t.Context(), e.ID)
	if stored.Status != domain.EscrowCreated || stored.PendingAction != domain.EscrowActionNone || stored.Attempt != 0 {
		t.Fatalf("after denial = %+v", stored)
	}
}

func TestEscrow_UnknownOutcomeKeepsClaim(t *testing.T) {
	f := newFixture(t)
	e := f.create(t, func(in *CreateInput) { in.ExpiresIn = -1 })
	if _, err := f.svc.Fund(t.Context(), e.ID, "buyer"); err != nil {
		t.Fatalf("fund: %v", err)
	}

	f.ledger.InjectFault(ledger.Fault{Kind: ledger.FaultTimeoutBefore})
	if _, err := f.svc.Release(t.Context(), e.ID, "buyer", ""); !errors.Is(err, domain.ErrOutcomeUnknown) {
		t.Fatalf("expected unknown outcome, got %v", err)
	}
	stored, _ := f.svc.Get(t.Context(), e.ID)
	if stored.Status != domain.EscrowFunded || stored.PendingAction != domain.EscrowActionRelease {
		t.Fatalf("claim lost: %+v", stored)
	}

	// Пока release в полете, refund отклоняется
	_, err := f.svc.Refund(t.Context(), e.ID, "arbiter", "")
	if !errors.Is(err, &domain.Error{Kind: domain.KindInvalidTransition, Code: domain.CodeTransitionPending}) {
		t.Fatalf("expected transition pending, got %v", err)
	}

	// Повтор того же события после паузы доводит перевод с тем же ключом
	f.clock.Advance(2 * time.Minute)
	released, err := f.svc.Release(t.Context(), e.ID, "buyer", "")
	if err != nil || released.Status != domain.EscrowReleased {
		t.Fatalf("retry = %+v, %v", released, err)
	}
	last := f.ledger.Executed()
	if got := last[len(last)-1].IdempotencyKey; got != "escrow:"+e.ID+":release" {
		t.Fatalf("release key = %q", got)
	}
}

func TestEscrow_ExpireStale(t *testing.T) {
	f := newFixture(t)
	unfunded := f.create(t)
	funded := f.create(t)
	if _, err := f.svc.Fund(t.Context(), funded.ID, "buyer"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	open := f.create(t, func(in *CreateInput) { in.ExpiresIn = -1 })

	f.clock.Advance(2 * time.Hour)
	n, err := f.svc.ExpireStale(t.Context())
	if err != nil || n != 2 {
		t.Fatalf("expired %d, %v; want 2", n, err)
	}

	for _, id := range []string{unfunded.ID, funded.ID} {
		e, _ := f.svc.Get(t.Context(), id)
		if e.Status != domain.EscrowRefunded {
			t.Errorf("escrow %s status = %s", id, e.Status)
		}
	}
	if e, _ := f.svc.Get(t.Context(), funded.ID); e.RefundRef == "" {
		t.Error("funded escrow refunded without settlement ref")
	}
	if e, _ := f.svc.Get(t.Context(), open.ID); e.Status != domain.EscrowCreated {
		t.Errorf("escrow without expiry changed to %s", e.Status)
	}

	// Повторный проход ничего не находит
	if n, _ := f.svc.ExpireStale(t.Context()); n != 0 {
		t.Fatalf("second pass expired %d", n)
	}
}
