package memory

import (
	"context"
	"sort"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

func (s *Store) CreateJob(_ context.Context, j *domain.Job, memo *domain.Memo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return domain.Conflict("", "job %s already exists", j.ID)
	}
	cp := *j
	s.jobs[j.ID] = &cp
	if memo != nil {
		s.appendMemoLocked(memo)
	}
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.NotFound("job", id)
	}
	cp := *j
	return &cp, nil
}

// UpdateJob применяет patch и добавляет memo в одной критической секции
func (s *Store) UpdateJob(_ context.Context, id string, guard domain.JobGuard, patch domain.JobPatch, memo *domain.Memo) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || !guard.Match(j) {
		return nil, domain.ErrPreconditionFailed
	}
	patch.ApplyTo(j)
	if memo != nil {
		s.appendMemoLocked(memo)
	}
	cp := *j
	return &cp, nil
}

func (s *Store) AppendMemo(_ context.Context, memo *domain.Memo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[memo.JobID]; !ok {
		return domain.NotFound("job", memo.JobID)
	}
	s.appendMemoLocked(memo)
	return nil
}

func (s *Store) appendMemoLocked(memo *domain.Memo) {
	memo.Seq = len(s.memos[memo.JobID]) + 1
	s.memos[memo.JobID] = append(s.memos[memo.JobID], *memo)
}

func (s *Store) ListMemos(_ context.Context, jobID string) ([]domain.Memo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.NotFound("job", jobID)
	}
	return append([]domain.Memo(nil), s.memos[jobID]...), nil
}

func (s *Store) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.jobs {
		if j.OrgID != f.OrgID || (f.Phase != "" && j.Phase != f.Phase) {
			continue
		}
		if f.AgentID != "" && j.Buyer != f.AgentID && j.Seller != f.AgentID {
			continue
		}
		out = append(out, *j)
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
