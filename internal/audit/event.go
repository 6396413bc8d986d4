package audit

import "time"

// Сущности, по которым пишется журнал
const (
	EntityTransfer  = "transfer"
	EntityEscrow    = "escrow"
	EntityJob       = "job"
	EntitySwarmTask = "swarm_task"
)

// Статусы записи
const (
	StatusAllowed   = "ALLOWED"
	StatusDenied    = "DENIED"
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
	StatusUnknown   = "UNKNOWN"
	StatusApplied   = "APPLIED" // переход автомата применен
)

type AuditEvent struct {
	ID       string `json:"id"`        // UUID события
	TraceID  string `json:"trace_id"`  // Сквозной ID запроса
	OrgID    string `json:"org_id"`    // Организация
	AgentID  string `json:"agent_id"`  // Кто делал
	Entity   string `json:"entity"`    // transfer, escrow, job, swarm_task
	EntityID string `json:"entity_id"` // ID сущности
	Action   string `json:"action"`    // Событие автомата или "evaluate"

	// Переход состояния
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`

	// Денежный контекст
	Amount   uint64 `json:"amount,omitempty"`
	Token    string `json:"token,omitempty"`
	PolicyID string `json:"policy_id,omitempty"` // Какая политика перехватила
	Rule     string `json:"rule,omitempty"`

	// Результат
	Status     string                 `json:"status"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs int64                  `json:"duration_ms"` // Время обработки
	Error      string                 `json:"error"`
}
