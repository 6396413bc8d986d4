package memory

import (
	"context"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

func (s *Store) ApplyOutcome(_ context.Context, o domain.Outcome, apply func(rep *domain.AgentReputation)) (*domain.AgentReputation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep, ok := s.reputations[o.AgentID]
	if !ok {
		rep = &domain.AgentReputation{AgentID: o.AgentID}
	}
	if _, dup := s.outcomes[o.ID]; dup {
		cp := *rep
		return &cp, false, nil
	}

	apply(rep)
	s.reputations[o.AgentID] = rep
	s.outcomes[o.ID] = struct{}{}
	cp := *rep
	return &cp, true, nil
}

func (s *Store) GetReputation(_ context.Context, agentID string) (*domain.AgentReputation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reputations[agentID]
	if !ok {
		return nil, nil
	}
	cp := *rep
	return &cp, nil
}
