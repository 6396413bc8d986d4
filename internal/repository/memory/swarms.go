package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

func cloneTask(t *domain.SwarmTask) *domain.SwarmTask {
	cp := *t
	cp.Subtasks = append([]domain.Subtask(nil), t.Subtasks...)
	return &cp
}

func (s *Store) CreateSwarm(_ context.Context, sw *domain.Swarm, orchestrator domain.SwarmMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.swarms[sw.ID]; ok {
		return domain.Conflict("", "swarm %s already exists", sw.ID)
	}
	cp := *sw
	s.swarms[sw.ID] = &cp
	s.members[sw.ID] = []domain.SwarmMember{orchestrator}
	return nil
}

func (s *Store) GetSwarm(_ context.Context, id string) (*domain.Swarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swarms[id]
	if !ok {
		return nil, domain.NotFound("swarm", id)
	}
	cp := *sw
	return &cp, nil
}

// AddMember проверяет лимит и дубликат в той же критической секции, что и запись
func (s *Store) AddMember(_ context.Context, m domain.SwarmMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swarms[m.SwarmID]
	if !ok {
		return domain.NotFound("swarm", m.SwarmID)
	}

	active, existing := 0, -1
	for i, cur := range s.members[m.SwarmID] {
		if cur.Active {
			active++
		}
		if cur.AgentID == m.AgentID {
			existing = i
		}
	}
	if existing >= 0 && s.members[m.SwarmID][existing].Active {
		return domain.Conflict("", "agent %s is already a member of swarm %s", m.AgentID, m.SwarmID)
	}
	if sw.MaxMembers > 0 && active >= sw.MaxMembers {
		return domain.Validationf("swarm %s is full (%d members)", m.SwarmID, sw.MaxMembers)
	}

	if existing >= 0 {
		s.members[m.SwarmID][existing] = m
		return nil
	}
	s.members[m.SwarmID] = append(s.members[m.SwarmID], m)
	return nil
}

func (s *Store) DeactivateMember(_ context.Context, swarmID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.members[swarmID] {
		if m.AgentID == agentID && m.Active {
			s.members[swarmID][i].Active = false
			return nil
		}
	}
	return domain.NotFound("swarm member", agentID)
}

func (s *Store) GetMember(_ context.Context, swarmID, agentID string) (*domain.SwarmMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members[swarmID] {
		if m.AgentID == agentID {
			cp := m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) ListMembers(_ context.Context, swarmID string) ([]domain.SwarmMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.swarms[swarmID]; !ok {
		return nil, domain.NotFound("swarm", swarmID)
	}
	return append([]domain.SwarmMember(nil), s.members[swarmID]...), nil
}

func (s *Store) CreateTask(_ context.Context, t *domain.SwarmTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swarms[t.SwarmID]
	if !ok {
		return domain.NotFound("swarm", t.SwarmID)
	}
	s.tasks[t.ID] = cloneTask(t)
	sw.TotalTasks++
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*domain.SwarmTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.NotFound("swarm task", id)
	}
	return cloneTask(t), nil
}

func (s *Store) AppendSubtask(_ context.Context, taskID string, st domain.Subtask) (*domain.SwarmTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.NotFound("swarm task", taskID)
	}
	if t.Status.Terminal() {
		return nil, domain.ErrPreconditionFailed
	}
	if _, dup := t.Subtask(st.ID); dup {
		return nil, domain.Conflict("", "subtask %s already assigned in task %s", st.ID, taskID)
	}
	st.Seq = t.NextSeq()
	t.Subtasks = append(t.Subtasks, st)
	t.TotalSubtasks++
	if t.Status == domain.TaskPending {
		t.Status = domain.TaskInProgress
	}
	t.UpdatedAt = st.AssignedAt
	return cloneTask(t), nil
}

func (s *Store) SetSubtaskJob(_ context.Context, taskID, subtaskID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.NotFound("swarm task", taskID)
	}
	st, ok := t.Subtask(subtaskID)
	if !ok {
		return domain.NotFound("subtask", subtaskID)
	}
	st.JobID = jobID
	return nil
}

func (s *Store) MarkSubtaskCompleted(_ context.Context, taskID, subtaskID string, result json.RawMessage, at time.Time) (*domain.SwarmTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.NotFound("swarm task", taskID)
	}
	st, ok := t.Subtask(subtaskID)
	if !ok {
		return nil, domain.NotFound("subtask", subtaskID)
	}
	if st.Completed || t.Status != domain.TaskInProgress {
		return nil, domain.ErrPreconditionFailed
	}
	st.Completed = true
	st.Result = append(json.RawMessage(nil), result...)
	st.CompletedAt = &at
	t.CompletedSubtasks++
	t.UpdatedAt = at
	return cloneTask(t), nil
}

// RemoveSubtask откатывает невыполненное назначение
func (s *Store) RemoveSubtask(_ context.Context, taskID, subtaskID string, at time.Time) (*domain.SwarmTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.NotFound("swarm task", taskID)
	}
	idx := -1
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == subtaskID {
			idx = i
		}
	}
	if idx < 0 {
		return nil, domain.NotFound("subtask", subtaskID)
	}
	if t.Subtasks[idx].Completed || t.Status.Terminal() {
		return nil, domain.ErrPreconditionFailed
	}
	t.Subtasks = append(t.Subtasks[:idx], t.Subtasks[idx+1:]...)
	t.TotalSubtasks--
	if t.TotalSubtasks == 0 {
		t.Status = domain.TaskPending
	}
	t.UpdatedAt = at
	return cloneTask(t), nil
}

func (s *Store) FinalizeTask(_ context.Context, taskID string, total int, agg domain.AggregatedResult, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, domain.NotFound("swarm task", taskID)
	}
	if !t.ReadyToAggregate() || t.TotalSubtasks != total {
		return false, nil
	}
	t.Status = domain.TaskCompleted
	t.AggregatedResult = &agg
	t.CompletedAt = &at
	t.UpdatedAt = at
	if sw, ok := s.swarms[t.SwarmID]; ok {
		sw.CompletedTasks++
	}
	return true, nil
}

func (s *Store) FailTask(_ context.Context, taskID, reason string, at time.Time) (*domain.SwarmTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, domain.NotFound("swarm task", taskID)
	}
	if t.Status.Terminal() {
		return nil, domain.ErrPreconditionFailed
	}
	t.Status = domain.TaskFailed
	t.FailureReason = reason
	t.UpdatedAt = at
	return cloneTask(t), nil
}
