// Package postgres — хранилище ядра на PostgreSQL.
// Условные обновления (guard/patch) выполняются в транзакции с SELECT ... FOR UPDATE,
// поэтому гарантии совпадают с хранилищем в памяти.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

type Store struct {
	pool *pgxpool.Pool
}

// New открывает пул соединений и проверяет доступность базы
func New(ctx context.Context, connString string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Pool отдается advisory-блокировкам кошельков, им нужно то же подключение
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

// Migrate применяет встроенную схему. Все DDL идемпотентны.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, fn)
}

// uniqueViolation — нарушение уникального индекса (SQLSTATE 23505)
func uniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// numeric передает uint64 в колонку NUMERIC(20,0). Строки pgx отправляет
// в текстовом формате, так что значения выше MaxInt64 доходят без потерь.
func numeric(v uint64) string { return strconv.FormatUint(v, 10) }

// amount сканирует NUMERIC, выбранный как ::text, обратно в uint64
type amount struct{ dst *uint64 }

func (a amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a.dst = 0
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("postgres: unexpected numeric type %T", src)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("postgres: parse numeric %q: %w", s, err)
	}
	*a.dst = n
	return nil
}

// page превращает limit/offset фильтра в аргументы запроса
func page(limit, offset int) (any, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return nil, offset // LIMIT NULL — без ограничения
	}
	return limit, offset
}
