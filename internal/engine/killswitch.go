package engine

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/infra"
)

// KillSwitch — реестр приостановленных агентов. Проверка идет по локальной
// мапе (L1), источник истины — Redis set, изменения приходят сигналом
// "+<agent_id>" или "-<agent_id>". Без Redis работает в пределах процесса.
type KillSwitch struct {
	mu        sync.RWMutex
	suspended map[string]struct{}
	rdb       *redis.Client
	logger    *zap.Logger
}

func NewKillSwitch(rdb *redis.Client, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{
		suspended: make(map[string]struct{}),
		rdb:       rdb,
		logger:    logger.Named("kill-switch"),
	}
}

// Init загружает текущее состояние блокировок при старте и после переподключения
func (k *KillSwitch) Init(ctx context.Context) error {
	if k.rdb == nil {
		return nil
	}
	agents, err := k.rdb.SMembers(ctx, infra.RedisKeyAgentsSuspended).Result()
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(agents))
	for _, id := range agents {
		next[id] = struct{}{}
	}
	k.mu.Lock()
	k.suspended = next
	k.mu.Unlock()

	k.logger.Info("suspended agents loaded", zap.Int("count", len(agents)))
	return nil
}

// IsSuspended — hot path конвейера переводов, только RAM
func (k *KillSwitch) IsSuspended(agentID string) bool {
	if agentID == "" {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.suspended[agentID]
	return ok
}

// Suspend останавливает переводы агента на всех инстансах
func (k *KillSwitch) Suspend(ctx context.Context, agentID string) error {
	return k.change(ctx, agentID, true)
}

// Resume снимает приостановку
func (k *KillSwitch) Resume(ctx context.Context, agentID string) error {
	return k.change(ctx, agentID, false)
}

func (k *KillSwitch) change(ctx context.Context, agentID string, suspend bool) error {
	if k.rdb != nil {
		// 1. Сначала источник истины, затем сигнал остальным инстансам
		pipe := k.rdb.TxPipeline()
		sign := "+"
		if suspend {
			pipe.SAdd(ctx, infra.RedisKeyAgentsSuspended, agentID)
		} else {
			pipe.SRem(ctx, infra.RedisKeyAgentsSuspended, agentID)
			sign = "-"
		}
		pipe.Publish(ctx, infra.RedisChanKillSwitch, sign+agentID)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}

	// 2. Локальная мапа обновляется сразу, не дожидаясь своего же сигнала
	k.set(agentID, suspend)
	k.logger.Warn("agent suspension changed", zap.String("agent_id", agentID), zap.Bool("suspended", suspend))
	return nil
}

// Suspended возвращает отсортированный список. С Redis читается источник
// истины, чтобы отдельный процесс консоли не зависел от своей мапы.
func (k *KillSwitch) Suspended(ctx context.Context) ([]string, error) {
	var out []string
	if k.rdb != nil {
		ids, err := k.rdb.SMembers(ctx, infra.RedisKeyAgentsSuspended).Result()
		if err != nil {
			return nil, err
		}
		out = ids
	} else {
		k.mu.RLock()
		for id := range k.suspended {
			out = append(out, id)
		}
		k.mu.RUnlock()
	}
	sort.Strings(out)
	return out, nil
}

// StartListener держит подписку на сигналы kill-switch. Блокирует до отмены контекста.
func (k *KillSwitch) StartListener(ctx context.Context) {
	if k.rdb == nil {
		return
	}
	ListenStateResilient(ctx, k.rdb, k.logger, infra.RedisChanKillSwitch,
		func() error { return k.Init(ctx) },
		k.apply)
}

func (k *KillSwitch) apply(payload string) {
	switch {
	case strings.HasPrefix(payload, "+"):
		k.set(payload[1:], true)
	case strings.HasPrefix(payload, "-"):
		k.set(payload[1:], false)
	default:
		k.logger.Warn("malformed kill-switch signal", zap.String("payload", payload))
	}
}

func (k *KillSwitch) set(agentID string, suspend bool) {
	if agentID == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if suspend {
		k.suspended[agentID] = struct{}{}
	} else {
		delete(k.suspended, agentID)
	}
}
