package postgres

/*
Файл swarm_repo.go хранит рои, участников и задачи с подзадачами.
Счетчики задачи меняются только под блокировкой ее строки, финализация —
условный UPDATE, который выигрывает ровно один из конкурирующих вызовов.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/agentpay-core/internal/domain"
)

const swarmColumns = `id, org_id, name, orchestrator, max_members, total_tasks, completed_tasks, created_at, updated_at`

const memberColumns = `swarm_id, agent_id, role, contestable, active, joined_at`

const taskColumns = `id, swarm_id, title, description, status, total_subtasks, completed_subtasks,
	aggregated_result, failure_reason, completed_at, created_at, updated_at`

func (s *Store) CreateSwarm(ctx context.Context, sw *domain.Swarm, orchestrator domain.SwarmMember) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO swarms (`+swarmColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			sw.ID, sw.OrgID, sw.Name, sw.Orchestrator, sw.MaxMembers, sw.TotalTasks, sw.CompletedTasks,
			sw.CreatedAt, sw.UpdatedAt)
		if err != nil {
			if uniqueViolation(err) {
				return domain.Conflict("", "swarm %s already exists", sw.ID)
			}
			return fmt.Errorf("postgres: failed to create swarm: %w", err)
		}
		return upsertMember(ctx, tx, orchestrator)
	})
}

func (s *Store) GetSwarm(ctx context.Context, id string) (*domain.Swarm, error) {
	var sw domain.Swarm
	err := s.pool.QueryRow(ctx, `SELECT `+swarmColumns+` FROM swarms WHERE id = $1`, id).Scan(
		&sw.ID, &sw.OrgID, &sw.Name, &sw.Orchestrator, &sw.MaxMembers, &sw.TotalTasks, &sw.CompletedTasks,
		&sw.CreatedAt, &sw.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("swarm", id)
		}
		return nil, fmt.Errorf("postgres: failed to get swarm: %w", err)
	}
	return &sw, nil
}

// AddMember блокирует строку роя, поэтому проверка лимита и дубликата
// не пересекается с параллельным добавлением
func (s *Store) AddMember(ctx context.Context, m domain.SwarmMember) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var maxMembers int
		err := tx.QueryRow(ctx, `SELECT max_members FROM swarms WHERE id = $1 FOR UPDATE`, m.SwarmID).Scan(&maxMembers)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.NotFound("swarm", m.SwarmID)
			}
			return fmt.Errorf("postgres: failed to lock swarm: %w", err)
		}

		var active int
		var already bool
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FILTER (WHERE active),
			       COALESCE(BOOL_OR(active AND agent_id = $2), FALSE)
			FROM swarm_members WHERE swarm_id = $1`, m.SwarmID, m.AgentID).Scan(&active, &already)
		if err != nil {
			return fmt.Errorf("postgres: failed to count members: %w", err)
		}
		if already {
			return domain.Conflict("", "agent %s is already a member of swarm %s", m.AgentID, m.SwarmID)
		}
		if maxMembers > 0 && active >= maxMembers {
			return domain.Validationf("swarm %s is full (%d members)", m.SwarmID, maxMembers)
		}
		return upsertMember(ctx, tx, m)
	})
}

// upsertMember — повторное вступление ранее исключенного агента перезаписывает его строку
func upsertMember(ctx context.Context, tx pgx.Tx, m domain.SwarmMember) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO swarm_members (`+memberColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (swarm_id, agent_id) DO UPDATE SET
			role = EXCLUDED.role,
			contestable = EXCLUDED.contestable,
			active = EXCLUDED.active,
			joined_at = EXCLUDED.joined_at`,
		m.SwarmID, m.AgentID, string(m.Role), m.Contestable, m.Active, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save member: %w", err)
	}
	return nil
}

func (s *Store) DeactivateMember(ctx context.Context, swarmID, agentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE swarm_members SET active = FALSE WHERE swarm_id = $1 AND agent_id = $2 AND active`, swarmID, agentID)
	if err != nil {
		return fmt.Errorf("postgres: failed to deactivate member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("swarm member", agentID)
	}
	return nil
}

func scanMember(row pgx.Row) (domain.SwarmMember, error) {
	var m domain.SwarmMember
	var role string
	err := row.Scan(&m.SwarmID, &m.AgentID, &role, &m.Contestable, &m.Active, &m.JoinedAt)
	m.Role = domain.MemberRole(role)
	return m, err
}

// GetMember возвращает nil, nil, если агент в рое не состоял
func (s *Store) GetMember(ctx context.Context, swarmID, agentID string) (*domain.SwarmMember, error) {
	m, err := scanMember(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM swarm_members WHERE swarm_id = $1 AND agent_id = $2`, swarmID, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: failed to get member: %w", err)
	}
	return &m, nil
}

func (s *Store) ListMembers(ctx context.Context, swarmID string) ([]domain.SwarmMember, error) {
	if _, err := s.GetSwarm(ctx, swarmID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM swarm_members WHERE swarm_id = $1 ORDER BY joined_at, agent_id`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query members: %w", err)
	}
	defer rows.Close()

	var out []domain.SwarmMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateTask(ctx context.Context, t *domain.SwarmTask) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE swarms SET total_tasks = total_tasks + 1, updated_at = $2 WHERE id = $1`,
			t.SwarmID, t.CreatedAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to bump swarm tasks: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.NotFound("swarm", t.SwarmID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO swarm_tasks (id, swarm_id, title, description, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			t.ID, t.SwarmID, t.Title, t.Description, string(t.Status), t.CreatedAt, t.UpdatedAt)
		if err != nil {
			if uniqueViolation(err) {
				return domain.Conflict("", "swarm task %s already exists", t.ID)
			}
			return fmt.Errorf("postgres: failed to create task: %w", err)
		}
		return nil
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.SwarmTask, error) {
	return getTask(ctx, s.pool, id, false)
}

// querier — общее у пула и транзакции
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// getTask читает задачу вместе с подзадачами; forUpdate блокирует строку задачи
func getTask(ctx context.Context, q querier, id string, forUpdate bool) (*domain.SwarmTask, error) {
	query := `SELECT ` + taskColumns + ` FROM swarm_tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var t domain.SwarmTask
	var status string
	var agg []byte
	err := q.QueryRow(ctx, query, id).Scan(&t.ID, &t.SwarmID, &t.Title, &t.Description, &status,
		&t.TotalSubtasks, &t.CompletedSubtasks, &agg, &t.FailureReason, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NotFound("swarm task", id)
		}
		return nil, fmt.Errorf("postgres: failed to get task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	if agg != nil {
		t.AggregatedResult = new(domain.AggregatedResult)
		if err := json.Unmarshal(agg, t.AggregatedResult); err != nil {
			return nil, fmt.Errorf("postgres: task %s aggregated result: %w", id, err)
		}
	}

	rows, err := q.Query(ctx, `
		SELECT id, seq, agent_id, description, result, completed, job_id, assigned_at, completed_at
		FROM swarm_subtasks WHERE task_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query subtasks: %w", err)
	}
	defer rows.Close()

	t.Subtasks = make([]domain.Subtask, 0, t.TotalSubtasks)
	for rows.Next() {
		var st domain.Subtask
		var result []byte
		if err := rows.Scan(&st.ID, &st.Seq, &st.AgentID, &st.Description, &result, &st.Completed,
			&st.JobID, &st.AssignedAt, &st.CompletedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan subtask: %w", err)
		}
		if result != nil {
			st.Result = json.RawMessage(result)
		}
		t.Subtasks = append(t.Subtasks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return &t, nil
}

// AppendSubtask назначает подзадачу и переводит pending-задачу в in_progress
func (s *Store) AppendSubtask(ctx context.Context, taskID string, st domain.Subtask) (*domain.SwarmTask, error) {
	var out *domain.SwarmTask
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return domain.ErrPreconditionFailed
		}
		if _, dup := t.Subtask(st.ID); dup {
			return domain.Conflict("", "subtask %s already assigned in task %s", st.ID, taskID)
		}

		st.Seq = t.NextSeq()
		_, err = tx.Exec(ctx, `
			INSERT INTO swarm_subtasks (task_id, id, seq, agent_id, description, job_id, assigned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			taskID, st.ID, st.Seq, st.AgentID, st.Description, st.JobID, st.AssignedAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert subtask: %w", err)
		}

		status := t.Status
		if status == domain.TaskPending {
			status = domain.TaskInProgress
		}
		_, err = tx.Exec(ctx, `
			UPDATE swarm_tasks SET total_subtasks = total_subtasks + 1, status = $2, updated_at = $3
			WHERE id = $1`, taskID, string(status), st.AssignedAt)
		if err != nil {
			return fmt.Errorf("postgres: failed to update task: %w", err)
		}

		t.Subtasks = append(t.Subtasks, st)
		t.TotalSubtasks++
		t.Status = status
		t.UpdatedAt = st.AssignedAt
		out = t
		return nil
	})
	return out, err
}

func (s *Store) SetSubtaskJob(ctx context.Context, taskID, subtaskID, jobID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE swarm_subtasks SET job_id = $3 WHERE task_id = $1 AND id = $2`, taskID, subtaskID, jobID)
	if err != nil {
		return fmt.Errorf("postgres: failed to link subtask job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("subtask", subtaskID)
	}
	return nil
}

// RemoveSubtask откатывает невыполненное назначение; задача без подзадач возвращается в pending
func (s *Store) RemoveSubtask(ctx context.Context, taskID, subtaskID string, at time.Time) (*domain.SwarmTask, error) {
	var out *domain.SwarmTask
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		st, ok := t.Subtask(subtaskID)
		if !ok {
			return domain.NotFound("subtask", subtaskID)
		}
		if st.Completed || t.Status.Terminal() {
			return domain.ErrPreconditionFailed
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM swarm_subtasks WHERE task_id = $1 AND id = $2`, taskID, subtaskID); err != nil {
			return fmt.Errorf("postgres: failed to delete subtask: %w", err)
		}
		status := t.Status
		if t.TotalSubtasks == 1 {
			status = domain.TaskPending
		}
		if _, err := tx.Exec(ctx, `
			UPDATE swarm_tasks SET total_subtasks = total_subtasks - 1, status = $2, updated_at = $3
			WHERE id = $1`, taskID, string(status), at); err != nil {
			return fmt.Errorf("postgres: failed to update task: %w", err)
		}

		kept := t.Subtasks[:0]
		for _, cur := range t.Subtasks {
			if cur.ID != subtaskID {
				kept = append(kept, cur)
			}
		}
		t.Subtasks = kept
		t.TotalSubtasks--
		t.Status = status
		t.UpdatedAt = at
		out = t
		return nil
	})
	return out, err
}

// MarkSubtaskCompleted засчитывает подзадачу один раз: повтор дает ErrPreconditionFailed
func (s *Store) MarkSubtaskCompleted(ctx context.Context, taskID, subtaskID string, result json.RawMessage, at time.Time) (*domain.SwarmTask, error) {
	var out *domain.SwarmTask
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		st, ok := t.Subtask(subtaskID)
		if !ok {
			return domain.NotFound("subtask", subtaskID)
		}
		if st.Completed || t.Status != domain.TaskInProgress {
			return domain.ErrPreconditionFailed
		}

		if _, err := tx.Exec(ctx, `
			UPDATE swarm_subtasks SET completed = TRUE, result = $3, completed_at = $4
			WHERE task_id = $1 AND id = $2`, taskID, subtaskID, rawOrNil(result), at); err != nil {
			return fmt.Errorf("postgres: failed to complete subtask: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE swarm_tasks SET completed_subtasks = completed_subtasks + 1, updated_at = $2
			WHERE id = $1`, taskID, at); err != nil {
			return fmt.Errorf("postgres: failed to update task: %w", err)
		}

		st.Completed = true
		st.Result = append(json.RawMessage(nil), result...)
		st.CompletedAt = &at
		t.CompletedSubtasks++
		t.UpdatedAt = at
		out = t
		return nil
	})
	return out, err
}

// FinalizeTask — условный переход in_progress -> completed. false означает,
// что задача не готова, состав подзадач изменился после снимка total
// или ее уже финализировал другой вызов.
func (s *Store) FinalizeTask(ctx context.Context, taskID string, total int, agg domain.AggregatedResult, at time.Time) (bool, error) {
	raw, err := json.Marshal(agg)
	if err != nil {
		return false, fmt.Errorf("postgres: encode aggregated result: %w", err)
	}

	var won bool
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var swarmID string
		err := tx.QueryRow(ctx, `
			UPDATE swarm_tasks
			SET status = 'completed', aggregated_result = $2, completed_at = $3, updated_at = $3
			WHERE id = $1 AND status = 'in_progress'
			  AND total_subtasks = $4 AND completed_subtasks = total_subtasks AND total_subtasks > 0
			RETURNING swarm_id`, taskID, raw, at, total).Scan(&swarmID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("postgres: failed to finalize task: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE swarms SET completed_tasks = completed_tasks + 1, updated_at = $2 WHERE id = $1`,
			swarmID, at); err != nil {
			return fmt.Errorf("postgres: failed to bump swarm counter: %w", err)
		}
		won = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !won {
		// Отличаем отсутствующую задачу от проигранной гонки
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return false, err
		}
	}
	return won, nil
}

func (s *Store) FailTask(ctx context.Context, taskID, reason string, at time.Time) (*domain.SwarmTask, error) {
	var out *domain.SwarmTask
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		t, err := getTask(ctx, tx, taskID, true)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return domain.ErrPreconditionFailed
		}
		if _, err := tx.Exec(ctx, `
			UPDATE swarm_tasks SET status = 'failed', failure_reason = $2, updated_at = $3
			WHERE id = $1`, taskID, reason, at); err != nil {
			return fmt.Errorf("postgres: failed to fail task: %w", err)
		}
		t.Status = domain.TaskFailed
		t.FailureReason = reason
		t.UpdatedAt = at
		out = t
		return nil
	})
	return out, err
}
