package domain

import (
	"fmt"
	"time"
)

type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeCancelled OutcomeKind = "cancelled"
	OutcomeDisputed  OutcomeKind = "disputed"
)

func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch OutcomeKind(s) {
	case OutcomeCompleted, OutcomeCancelled, OutcomeDisputed:
		return OutcomeKind(s), nil
	}
	return "", fmt.Errorf("unknown outcome kind %q", s)
}

// OutcomeRole — чью статистику обновляет событие
type OutcomeRole string

const (
	RoleProvider OutcomeRole = "provider" // исполнитель: продавец или участник роя
	RoleClient   OutcomeRole = "client"   // покупатель
)

// Outcome — терминальное событие заказа или задачи для агрегатора репутации
type Outcome struct {
	ID         string      `json:"id"`
	AgentID    string      `json:"agent_id"`
	Role       OutcomeRole `json:"role"`
	Kind       OutcomeKind `json:"kind"`
	Source     string      `json:"source"` // "acp_job" или "swarm_task"
	SourceID   string      `json:"source_id"`
	Rating     int         `json:"rating,omitempty"` // 1..5, 0 — оценки нет
	OnTime     *bool       `json:"on_time,omitempty"`
	Amount     uint64      `json:"amount,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func (o Outcome) Validate() error {
	if o.ID == "" {
		return Validationf("outcome: id is required")
	}
	if o.AgentID == "" {
		return Validationf("outcome: agent_id is required")
	}
	if _, err := ParseOutcomeKind(string(o.Kind)); err != nil {
		return Validationf("outcome: %v", err)
	}
	if o.Role != RoleProvider && o.Role != RoleClient {
		return Validationf("outcome: unknown role %q", o.Role)
	}
	if o.Rating < 0 || o.Rating > 5 {
		return Validationf("outcome: rating %d out of range", o.Rating)
	}
	return nil
}

// AgentReputation — одна строка на агента, пересчитывается инкрементально
type AgentReputation struct {
	AgentID string `json:"agent_id"`

	TotalJobs     int `json:"total_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	CancelledJobs int `json:"cancelled_jobs"`
	DisputedJobs  int `json:"disputed_jobs"`
	DeadlineJobs  int `json:"deadline_jobs"` // заказы со сроком
	OnTimeJobs    int `json:"on_time_jobs"`
	ClientJobs    int `json:"client_jobs"`

	// RatingCounts[i] — количество оценок i+1
	RatingCounts [5]int  `json:"rating_counts"`
	RatingCount  int     `json:"rating_count"`
	RatingSum    int     `json:"rating_sum"`
	AvgRating    float64 `json:"avg_rating"`

	TotalEarned uint64 `json:"total_earned"`
	TotalSpent  uint64 `json:"total_spent"`
	TotalVolume uint64 `json:"total_volume"`

	Reliability   float64 `json:"reliability_score"`
	Quality       float64 `json:"quality_score"`
	Communication float64 `json:"communication_score"`
	Overall       float64 `json:"overall_score"`

	UpdatedAt time.Time `json:"updated_at"`
}
