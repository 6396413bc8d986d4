package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

func (s *Store) CreateEscrow(_ context.Context, e *domain.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; ok {
		return domain.Conflict("", "escrow %s already exists", e.ID)
	}
	cp := *e
	s.escrows[e.ID] = &cp
	return nil
}

func (s *Store) GetEscrow(_ context.Context, id string) (*domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok {
		return nil, domain.NotFound("escrow", id)
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpdateEscrow(_ context.Context, id string, guard domain.EscrowGuard, patch domain.EscrowPatch) (*domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.escrows[id]
	if !ok || !guard.Match(e) {
		return nil, domain.ErrPreconditionFailed
	}
	patch.ApplyTo(e)
	cp := *e
	return &cp, nil
}

func (s *Store) ListExpiredEscrows(_ context.Context, now time.Time, limit int) ([]domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Escrow
	for _, e := range s.escrows {
		if (e.Status == domain.EscrowCreated || e.Status == domain.EscrowFunded) &&
			e.PendingAction == domain.EscrowActionNone && e.Expired(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListEscrows(_ context.Context, f domain.EscrowFilter) ([]domain.Escrow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Escrow
	for _, e := range s.escrows {
		if e.OrgID != f.OrgID || (f.Status != "" && e.Status != f.Status) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}
