package policy

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/agentpay-core/internal/domain"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/infra"
	"go.uber.org/zap"
)

type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]domain.Policy, error)
}

// MemoCache — in-memory кэш политик, реализует Source.
// В распределенной системе синхронизируется с БД по сигналу из Redis,
// а в рантайме оценка перевода обращается только к памяти.
type MemoCache struct {
	mu sync.RWMutex
	// Кэш: "agent:<id>" или "organization:<id>" -> политики этой области
	policies map[string][]domain.Policy

	repo   PolicyRepository // Используется только для Refresh()
	rdb    *redis.Client
	logger *zap.Logger
}

func NewMemoCache(repo PolicyRepository, rdb *redis.Client, logger *zap.Logger) *MemoCache {
	return &MemoCache{
		policies: make(map[string][]domain.Policy),
		repo:     repo,
		rdb:      rdb,
		logger:   logger.Named("policy-cache"),
	}
}

func scopeKey(scope domain.PolicyScope, id string) string {
	return string(scope) + ":" + id
}

// Candidates работает только с RAM. Это Hot Path оценки перевода.
func (c *MemoCache) Candidates(_ context.Context, orgID, agentID string) ([]domain.Policy, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// 1. Персональные политики агента
	var out []domain.Policy
	if agentID != "" {
		out = append(out, c.policies[scopeKey(domain.ScopeAgent, agentID)]...)
	}
	// 2. Политики организации
	out = append(out, c.policies[scopeKey(domain.ScopeOrganization, orgID)]...)
	return out, nil
}

// Refresh выполняет «холодную загрузку» всех политик из PostgreSQL в память.
func (c *MemoCache) Refresh(ctx context.Context) error {
	policiesDb, err := c.repo.GetAllPolicies(ctx)
	if err != nil {
		return err
	}

	next := make(map[string][]domain.Policy)
	for _, p := range policiesDb {
		key := scopeKey(p.Scope, p.ScopeID)
		next[key] = append(next[key], p)
	}

	c.mu.Lock()
	c.policies = next
	c.mu.Unlock()

	c.logger.Info("policy cache refreshed", zap.Int("count", len(policiesDb)), zap.Int("scopes", len(next)))
	return nil
}

// StartListener держит подписку на сигнал обновления политик и перечитывает кэш.
// Блокирует до отмены контекста.
func (c *MemoCache) StartListener(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	reload := func() error { return c.Refresh(ctx) }
	engine.ListenStateResilient(ctx, c.rdb, c.logger, infra.RedisChanPolicyUpdate, reload, func(policyID string) {
		c.logger.Debug("policy update signal", zap.String("policy_id", policyID))
		if err := reload(); err != nil {
			c.logger.Error("policy refresh failed", zap.Error(err))
		}
	})
}

// PublishPolicyUpdate сообщает всем инстансам, что политики изменились
func PublishPolicyUpdate(ctx context.Context, rdb *redis.Client, policyID string) error {
	return rdb.Publish(ctx, infra.RedisChanPolicyUpdate, policyID).Err()
}

// Invalidate перечитывает кэш сразу. Годится для одного инстанса без Redis.
func (c *MemoCache) Invalidate(ctx context.Context, _ string) error {
	return c.Refresh(ctx)
}

// RedisNotifier рассылает сигнал обновления всем инстансам через Pub/Sub
type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Invalidate(ctx context.Context, policyID string) error {
	return PublishPolicyUpdate(ctx, n.rdb, policyID)
}
