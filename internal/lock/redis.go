package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/infra"
)

// Снимаем блокировку только если она все еще наша (токен совпадает)
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis — распределенная блокировка на SetNX с TTL.
// TTL страхует от упавшего инстанса, токен не дает снять чужую блокировку.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
	logger *zap.Logger
}

func NewRedis(rdb *redis.Client, ttl, wait time.Duration, logger *zap.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		ttl:    ttl,
		wait:   wait,
		poll:   25 * time.Millisecond,
		logger: logger.Named("lock"),
	}
}

func (l *Redis) Lock(ctx context.Context, resource string) (func(), error) {
	key := infra.LockKey(resource)
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		// 1. Пытаемся захватить ключ
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: redis setnx %s: %w", key, err)
		}
		if ok {
			break
		}

		// 2. Ключ занят другим инстансом: ждем до дедлайна
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, resource)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, resource, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	return func() {
		// Снимаем даже если контекст запроса уже отменен
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := unlockScript.Run(uctx, l.rdb, []string{key}, token).Err(); err != nil {
			l.logger.Warn("unlock failed, key will expire by ttl", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
