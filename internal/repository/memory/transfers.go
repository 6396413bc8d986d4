package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

func (s *Store) GetTransferByKey(_ context.Context, key string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.transferByKey[key]
	if !ok {
		return nil, nil
	}
	t := *s.transfers[id]
	return &t, nil
}

func (s *Store) InsertTransfer(_ context.Context, t *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transferByKey[t.IdempotencyKey]; ok {
		return domain.Conflict(domain.CodeDuplicateKey, "idempotency key %q already used", t.IdempotencyKey)
	}
	cp := *t
	s.transfers[t.ID] = &cp
	s.transferByKey[t.IdempotencyKey] = t.ID
	return nil
}

func (s *Store) UpdateTransferStatus(_ context.Context, id string, from []domain.TransferStatus, u domain.TransferUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok || !slices.Contains(from, t.Status) {
		return domain.ErrPreconditionFailed
	}
	t.Status = u.Status
	if u.SettlementRef != "" {
		t.SettlementRef = u.SettlementRef
	}
	t.FailureReason = u.FailureReason
	t.UpdatedAt = u.UpdatedAt
	return nil
}

func (s *Store) ListWalletTransfers(_ context.Context, orgID, wallet string, since time.Time) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transfer
	for _, t := range s.transfers {
		if t.OrgID == orgID && t.SourceWallet == wallet && t.CreatedAt.After(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListUnsettledTransfers(_ context.Context, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transfer
	for _, t := range s.transfers {
		if !t.Status.Settled() && !t.UpdatedAt.After(updatedBefore) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
