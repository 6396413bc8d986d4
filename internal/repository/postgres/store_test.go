package postgres

import (
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

func TestAmountScan(t *testing.T) {
	tests := []struct {
		name    string
		src     any
		want    uint64
		wantErr bool
	}{
		{"null", nil, 0, false},
		{"text", "1500", 1500, false},
		{"bytes", []byte("42"), 42, false},
		{"above int64", "18446744073709551615", math.MaxUint64, false},
		{"negative", "-1", 0, true},
		{"fraction", "1.5", 0, true},
		{"wrong type", int64(7), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := uint64(99)
			err := amount{&got}.Scan(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Scan(%v) error = %v, wantErr %v", tt.src, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("Scan(%v) = %d, want %d", tt.src, got, tt.want)
			}
		})
	}
}

func TestNumericRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, math.MaxInt64, math.MaxInt64 + 1, math.MaxUint64} {
		var got uint64
		if err := (amount{&got}).Scan(numeric(v)); err != nil || got != v {
			t.Fatalf("round trip %d = %d, %v", v, got, err)
		}
	}
}

func TestPage(t *testing.T) {
	tests := []struct {
		limit, offset int
		wantLimit     any
		wantOffset    int
	}{
		{0, 0, nil, 0},
		{-5, 10, nil, 10},
		{50, -1, 50, 0},
		{20, 40, 20, 40},
	}
	for _, tt := range tests {
		lim, off := page(tt.limit, tt.offset)
		if lim != tt.wantLimit || off != tt.wantOffset {
			t.Errorf("page(%d, %d) = (%v, %d), want (%v, %d)",
				tt.limit, tt.offset, lim, off, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestUniqueViolation(t *testing.T) {
	if !uniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("wrapped 23505 must be detected")
	}
	if uniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if uniqueViolation(errors.New("plain")) {
		t.Error("non-pg error is not a unique violation")
	}
}

// Интеграционный прогон на живой базе: AGENTPAY_TEST_DATABASE_URL=postgres://...
func TestStore_Integration(t *testing.T) {
	dsn := os.Getenv("AGENTPAY_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AGENTPAY_TEST_DATABASE_URL is not set")
	}
	ctx := t.Context()
	s, err := New(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Сумма выше MaxInt64 переживает запись и чтение
	id := fmt.Sprintf("it-%d", time.Now().UnixNano())
	in := &domain.Transfer{
		ID: id, OrgID: "org-it", AgentID: "agent-it", SourceWallet: "w-it", Destination: "d-it",
		Amount: math.MaxUint64 - 1, Token: "USDC", IdempotencyKey: "key-" + id,
		Status: domain.TransferPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := s.InsertTransfer(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetTransferByKey(ctx, in.IdempotencyKey)
	if err != nil || got == nil {
		t.Fatalf("get by key: %v, %v", got, err)
	}
	if got.Amount != in.Amount {
		t.Fatalf("amount = %d, want %d", got.Amount, in.Amount)
	}

	// Повтор ключа — конфликт, а не вторая запись
	dup := *in
	dup.ID = id + "-dup"
	if err := s.InsertTransfer(ctx, &dup); err == nil {
		t.Fatal("duplicate idempotency key must be rejected")
	}

	// CAS из чужого статуса не проходит
	err = s.UpdateTransferStatus(ctx, id, []domain.TransferStatus{domain.TransferUnknown},
		domain.TransferUpdate{Status: domain.TransferConfirmed})
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("CAS from wrong status = %v, want ErrPreconditionFailed", err)
	}
}
