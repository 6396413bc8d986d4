package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type MemberRole string

const (
	RoleOrchestrator MemberRole = "orchestrator"
	RoleWorker       MemberRole = "worker"
	RoleReviewer     MemberRole = "reviewer"
)

func ParseMemberRole(s string) (MemberRole, error) {
	switch MemberRole(s) {
	case RoleOrchestrator, RoleWorker, RoleReviewer:
		return MemberRole(s), nil
	}
	return "", fmt.Errorf("unknown member role %q", s)
}

type Swarm struct {
	ID             string    `json:"id"`
	OrgID          string    `json:"org_id"`
	Name           string    `json:"name"`
	Orchestrator   string    `json:"orchestrator"`
	MaxMembers     int       `json:"max_members"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type SwarmMember struct {
	SwarmID     string     `json:"swarm_id"`
	AgentID     string     `json:"agent_id"`
	Role        MemberRole `json:"role"`
	Contestable bool       `json:"contestable"`
	Active      bool       `json:"active"`
	JoinedAt    time.Time  `json:"joined_at"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskPending, TaskInProgress, TaskCompleted, TaskFailed:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

type Subtask struct {
	ID          string          `json:"id"`
	Seq         int             `json:"seq"` // порядок назначения
	AgentID     string          `json:"agent_id"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result,omitempty"`
	Completed   bool            `json:"completed"`
	JobID       string          `json:"job_id,omitempty"`
	AssignedAt  time.Time       `json:"assigned_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type SwarmTask struct {
	ID          string     `json:"id"`
	SwarmID     string     `json:"swarm_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`

	Subtasks          []Subtask         `json:"subtasks"`
	TotalSubtasks     int               `json:"total_subtasks"`
	CompletedSubtasks int               `json:"completed_subtasks"`
	AggregatedResult  *AggregatedResult `json:"aggregated_result,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ReadyToAggregate — все назначенные подзадачи выполнены
func (t *SwarmTask) ReadyToAggregate() bool {
	return t.Status == TaskInProgress && t.TotalSubtasks > 0 && t.CompletedSubtasks == t.TotalSubtasks
}

// NextSeq — порядковый номер следующей подзадачи; откат назначения не дает номерам повториться
func (t *SwarmTask) NextSeq() int {
	seq := 0
	for i := range t.Subtasks {
		seq = max(seq, t.Subtasks[i].Seq)
	}
	return seq + 1
}

func (t *SwarmTask) Subtask(id string) (*Subtask, bool) {
	for i := range t.Subtasks {
		if t.Subtasks[i].ID == id {
			return &t.Subtasks[i], true
		}
	}
	return nil, false
}

type SubtaskResult struct {
	SubtaskID string          `json:"subtask_id"`
	AgentID   string          `json:"agent_id"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type AggregatedResult struct {
	SubtaskResults []SubtaskResult `json:"subtask_results"`
}
