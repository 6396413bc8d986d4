// Package memory — хранилище в памяти с теми же гарантиями условных обновлений,
// что и PostgreSQL: все проверки и записи идут под одним мьютексом.
// Используется в тестах и для локального запуска без БД.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/domain"
)

type Store struct {
	mu sync.Mutex

	policies map[string]domain.Policy

	transfers     map[string]*domain.Transfer // id -> запись
	transferByKey map[string]string           // idempotency key -> id

	escrows map[string]*domain.Escrow

	jobs  map[string]*domain.Job
	memos map[string][]domain.Memo

	swarms  map[string]*domain.Swarm
	members map[string][]domain.SwarmMember
	tasks   map[string]*domain.SwarmTask

	reputations map[string]*domain.AgentReputation
	outcomes    map[string]struct{}

	audit []audit.AuditEvent
}

func NewStore() *Store {
	return &Store{
		policies:      make(map[string]domain.Policy),
		transfers:     make(map[string]*domain.Transfer),
		transferByKey: make(map[string]string),
		escrows:       make(map[string]*domain.Escrow),
		jobs:          make(map[string]*domain.Job),
		memos:         make(map[string][]domain.Memo),
		swarms:        make(map[string]*domain.Swarm),
		members:       make(map[string][]domain.SwarmMember),
		tasks:         make(map[string]*domain.SwarmTask),
		reputations:   make(map[string]*domain.AgentReputation),
		outcomes:      make(map[string]struct{}),
	}
}

// --- Policies ---

func (s *Store) GetAllPolicies(_ context.Context) ([]domain.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertPolicy(_ context.Context, p domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

// --- Audit ---

func (s *Store) WriteBatch(_ context.Context, events []audit.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, events...)
	return nil
}

// AuditEvents — копия журнала для проверок в тестах
func (s *Store) AuditEvents() []audit.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.AuditEvent(nil), s.audit...)
}
