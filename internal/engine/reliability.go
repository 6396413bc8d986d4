package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/agentpay-core/internal/infra"
	"github.com/xela07ax/agentpay-core/internal/ledger"
)

// ReliabilityWrapper оборачивает Ledger Executor: лимитер, предохранитель, повторы.
// Повтор отправки разрешен только когда исполнитель явно отклонил вызов до обработки
// (ThrottleError). Таймаут не повторяется: исход неизвестен, решает сверка.
type ReliabilityWrapper struct {
	next    ledger.Executor
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *Metrics
	logger  *zap.Logger

	callTimeout time.Duration
	statusTries uint
	submitTries uint
}

func NewReliabilityWrapper(next ledger.Executor, cfg infra.LedgerConfig, metrics *Metrics, logger *zap.Logger) *ReliabilityWrapper {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	trip := cfg.CBTripFailures
	if trip == 0 {
		trip = 5
	}
	statusTries := cfg.StatusRetryCount
	if statusTries == 0 {
		statusTries = 3
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger-executor",
		MaxRequests: cfg.CBMaxRequests,
		Interval:    cfg.CBInterval,
		Timeout:     cfg.CBTimeout, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более N ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > trip
		},
		// Незнакомый ключ при сверке — нормальный ответ, а не сбой исполнителя
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ledger.ErrUnknownTransfer)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &ReliabilityWrapper{
		next:        next,
		cb:          cb,
		limiter:     rate.NewLimiter(limit, burst),
		metrics:     metrics,
		logger:      logger,
		callTimeout: callTimeout,
		statusTries: statusTries,
		submitTries: 3,
	}
}

func (w *ReliabilityWrapper) SubmitTransfer(ctx context.Context, ins ledger.Instruction) (ledger.Result, error) {
	start := time.Now()
	res, err := w.submit(ctx, ins)
	w.observe("submit", start, res, err)
	return res, err
}

func (w *ReliabilityWrapper) submit(ctx context.Context, ins ledger.Instruction) (ledger.Result, error) {
	// 1. Rate Limiter
	if err := w.limiter.Wait(ctx); err != nil {
		w.metrics.ErrorTotal.WithLabelValues("rate_limit").Inc()
		return ledger.Result{}, fmt.Errorf("%w: rate limit: %w", ledger.ErrNotSubmitted, err)
	}

	var final ledger.Result

	// 2. Circuit Breaker
	_, err := w.cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.submitTries),
			// Повторяем только отказ до обработки: инструкция точно не исполнялась
			retry.RetryIf(func(err error) bool {
				var tErr *ledger.ThrottleError
				return errors.As(err, &tErr)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ledger.ThrottleError
				if errors.As(err, &tErr) && tErr.RetryAfter > 0 {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
			defer cancel()

			var callErr error
			final, callErr = w.next.SubmitTransfer(tCtx, ins)
			return asTimeout(callErr)
		})

		return final, retryErr
	})

	return final, w.classify(err)
}

func (w *ReliabilityWrapper) TransferStatus(ctx context.Context, key string) (ledger.Result, error) {
	start := time.Now()
	res, err := w.status(ctx, key)
	w.observe("status", start, res, err)
	return res, err
}

func (w *ReliabilityWrapper) status(ctx context.Context, key string) (ledger.Result, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		w.metrics.ErrorTotal.WithLabelValues("rate_limit").Inc()
		return ledger.Result{}, fmt.Errorf("%w: rate limit: %w", ledger.ErrNotSubmitted, err)
	}

	var final ledger.Result

	_, err := w.cb.Execute(func() (interface{}, error) {
		// Чтение статуса безопасно повторять, кроме однозначного "ключ не найден"
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(w.statusTries),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, ledger.ErrUnknownTransfer)
			}),
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				return retry.BackOffDelay(n, err, config)
			}),
		)

		retryErr := r.Do(func() error {
			tCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
			defer cancel()

			var callErr error
			final, callErr = w.next.TransferStatus(tCtx, key)
			return asTimeout(callErr)
		})

		return final, retryErr
	})

	return final, w.classify(err)
}

// classify приводит ошибки предохранителя к контракту Executor
func (w *ReliabilityWrapper) classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		w.metrics.ErrorTotal.WithLabelValues("breaker_open").Inc()
		return fmt.Errorf("%w: %w", ledger.ErrNotSubmitted, err)
	case errors.Is(err, ledger.ErrTimeout):
		w.metrics.ErrorTotal.WithLabelValues("timeout").Inc()
	}
	return err
}

func (w *ReliabilityWrapper) observe(op string, start time.Time, res ledger.Result, err error) {
	status := string(res.Status)
	switch {
	case errors.Is(err, ledger.ErrTimeout):
		status = "timeout"
	case ledger.NotSubmitted(err):
		status = "not_submitted"
	case err != nil:
		status = "error"
	}
	w.metrics.LedgerDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// asTimeout — истекший дедлайн попытки означает неизвестный исход
func asTimeout(err error) error {
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ledger.ErrTimeout) {
		return fmt.Errorf("%w: %w", ledger.ErrTimeout, err)
	}
	return err
}
