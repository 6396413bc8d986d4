package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres — сессионная advisory-блокировка. Держит соединение пула до unlock.
type Postgres struct {
	pool   *pgxpool.Pool
	wait   time.Duration
	logger *zap.Logger
}

func NewPostgres(pool *pgxpool.Pool, wait time.Duration, logger *zap.Logger) *Postgres {
	return &Postgres{pool: pool, wait: wait, logger: logger.Named("lock")}
}

func (l *Postgres) Lock(ctx context.Context, resource string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire conn: %w", err)
	}

	lctx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	if _, err := conn.Exec(lctx, "SELECT pg_advisory_lock(hashtext($1))", resource); err != nil {
		// Соединение могло остаться в очереди ожидания блокировки: не возвращаем его в пул
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if lctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, resource, lctx.Err())
		}
		return nil, fmt.Errorf("lock: advisory lock %s: %w", resource, err)
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock(hashtext($1))", resource); err != nil {
			l.logger.Warn("advisory unlock failed, dropping connection", zap.String("resource", resource), zap.Error(err))
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
	}, nil
}
