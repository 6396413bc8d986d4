package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

func (s *Store) GetTransfer(_ context.Context, id string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, domain.NotFound("transfer", id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) GetPolicy(_ context.Context, id string) (*domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, domain.NotFound("policy", id)
	}
	return &p, nil
}

func (s *Store) DeletePolicy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[id]; !ok {
		return domain.NotFound("policy", id)
	}
	delete(s.policies, id)
	return nil
}

func (s *Store) AuditTrail(_ context.Context, entity, entityID string, limit int) ([]audit.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.AuditEvent, 0)
	for _, e := range s.audit {
		if e.Entity == entity && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetDashboard считает ту же сводку, что и SQL-версия. Окно в час отсчитывается
// от времени вызова, P95 по журналу не считается.
func (s *Store) GetDashboard(_ context.Context, orgID string) (*domain.Dashboard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &domain.Dashboard{}

	for _, e := range s.escrows {
		if e.OrgID != orgID {
			continue
		}
		switch e.Status {
		case domain.EscrowCreated:
			d.Escrows.Open++
		case domain.EscrowFunded:
			d.Escrows.Open++
			d.Escrows.Locked = domain.SaturatingAdd(d.Escrows.Locked, e.Amount)
		case domain.EscrowDisputed:
			d.Escrows.Disputed++
			d.Escrows.Locked = domain.SaturatingAdd(d.Escrows.Locked, e.Amount)
		}
	}

	for _, j := range s.jobs {
		if j.OrgID != orgID {
			continue
		}
		switch {
		case j.Phase == domain.PhaseCompleted:
			d.Jobs.Completed++
		case j.Phase == domain.PhaseDisputed:
			d.Jobs.Disputed++
		case !j.Phase.Terminal():
			d.Jobs.Active++
		}
	}

	since := time.Now().Add(-time.Hour)
	for _, t := range s.transfers {
		if t.OrgID != orgID || !t.CreatedAt.After(since) {
			continue
		}
		d.Transfers.Total++
		switch {
		case t.Status == domain.TransferFailed:
			d.Transfers.Failed++
		case !t.Status.Settled():
			d.Transfers.Unsettled++
		}
	}
	for _, e := range s.audit {
		if e.OrgID == orgID && e.Entity == audit.EntityTransfer && e.Status == audit.StatusDenied && e.Timestamp.After(since) {
			d.Transfers.Denied++
		}
	}
	d.Transfers.RPS = float64(d.Transfers.Total) / 3600
	return d, nil
}
