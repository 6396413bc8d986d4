// Package app собирает ядро из конфигурации: хранилище, исполнитель, политики,
// сервисы автоматов, воркеры и консоль. Транспорт операций ядра остается
// встраивающему слою, он получает готовые сервисы из App.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/xela07ax/agentpay-core/internal/acp"
	"github.com/xela07ax/agentpay-core/internal/audit"
	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/console/handler"
	"github.com/xela07ax/agentpay-core/internal/console/server"
	"github.com/xela07ax/agentpay-core/internal/console/service"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/escrow"
	"github.com/xela07ax/agentpay-core/internal/events"
	"github.com/xela07ax/agentpay-core/internal/infra"
	"github.com/xela07ax/agentpay-core/internal/infra/auth"
	"github.com/xela07ax/agentpay-core/internal/ledger"
	"github.com/xela07ax/agentpay-core/internal/lock"
	"github.com/xela07ax/agentpay-core/internal/policy"
	"github.com/xela07ax/agentpay-core/internal/repository/postgres"
	"github.com/xela07ax/agentpay-core/internal/reputation"
	"github.com/xela07ax/agentpay-core/internal/swarm"
	"github.com/xela07ax/agentpay-core/internal/transfer"
)

// App — собранное ядро. Поля-сервисы можно вызывать после New.
type App struct {
	Transfers  *transfer.Service
	Escrows    *escrow.Service
	Jobs       *acp.Service
	Swarms     *swarm.Service
	Reputation *reputation.Aggregator

	cfg      *infra.Config
	logger   *zap.Logger
	store    *postgres.Store
	rdb      *redis.Client
	registry *prometheus.Registry
	auditor  *audit.AgentFS
	cache    *policy.MemoCache // nil при политиках из бандла
	kill     *engine.KillSwitch
	consume  func(ctx context.Context) error
	console  *server.ConsoleServer

	closers []func()
}

// New открывает ресурсы и собирает сервисы. При ошибке все открытое закрывается.
func New(ctx context.Context, cfg *infra.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// 1. Инфраструктура и ресурсы
	if cfg.Database.URL == "" {
		return nil, errors.New("app: database.url is required")
	}
	a.store, err = postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)
	if cfg.Database.AutoMigrate {
		if err := a.store.Migrate(ctx); err != nil {
			return nil, err
		}
	}

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, func() { _ = a.rdb.Close() })

	// Метрики живут в своем реестре, без глобального состояния
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(a.registry)

	// Аудит: события пишутся в PostgreSQL пачками
	a.auditor = audit.NewAgentFS(a.store, cfg.Engine.AuditBufferSize, cfg.Engine.AuditFlushInterval, metrics, logger)
	a.auditor.Start()
	a.closers = append(a.closers, a.auditor.Stop)

	// 2. Execution Layer (Исполнитель + Надежность)
	executor, err := a.newLedger()
	if err != nil {
		return nil, err
	}
	safeExecutor := engine.NewReliabilityWrapper(executor, cfg.Ledger, metrics, logger)

	// 3. Политики: кэш из базы с сигналом через Redis или статичный бандл
	var (
		policies    policy.Source
		invalidator service.Invalidator
	)
	switch cfg.Policy.Source {
	case "bundle":
		bundle, err := policy.LoadBundle(cfg.Policy.BundlePath)
		if err != nil {
			return nil, err
		}
		policies = policy.StaticSource(bundle)
		logger.Info("policy bundle loaded", zap.Int("count", len(bundle)))
		logger.Warn("policy source is a static bundle: console policy edits will not reach the engine")
	default:
		a.cache = policy.NewMemoCache(a.store, a.rdb, logger)
		if err := a.cache.Refresh(ctx); err != nil {
			return nil, fmt.Errorf("app: initial policy load: %w", err)
		}
		policies = a.cache
		invalidator = policy.NewRedisNotifier(a.rdb)
	}

	// Kill-switch: без загруженного списка приостановленных агентов не стартуем
	a.kill = engine.NewKillSwitch(a.rdb, logger)
	if err := a.kill.Init(ctx); err != nil {
		return nil, fmt.Errorf("app: load suspended agents: %w", err)
	}

	// 4. Core (Сборка сервисов)
	clk := clock.Real()
	a.Transfers = transfer.NewService(transfer.Deps{
		Repo:           a.store,
		Policies:       policies,
		Ledger:         safeExecutor,
		Locker:         a.newLocker(),
		Fees:           transfer.NewFeeSchedule(cfg.Fees),
		Clock:          clk,
		Audit:          a.auditor,
		Metrics:        metrics,
		Logger:         logger,
		ReconcileGrace: cfg.Engine.ReconcileGrace,
		Suspensions:    a.kill,
	})
	a.Escrows = escrow.NewService(escrow.Deps{
		Repo:          a.store,
		Transfers:     a.Transfers,
		CustodyWallet: cfg.Escrow.CustodyWallet,
		DefaultTTL:    cfg.Escrow.DefaultTTL,
		ExpiryBatch:   cfg.Escrow.ExpiryBatch,
		Clock:         clk,
		Audit:         a.auditor,
		Metrics:       metrics,
		Logger:        logger,
	})

	a.Reputation = reputation.NewAggregator(a.store, clk, logger)
	publisher, err := a.newEvents(a.Reputation)
	if err != nil {
		return nil, err
	}

	a.Jobs = acp.NewService(acp.Deps{
		Repo:      a.store,
		Escrows:   a.Escrows,
		Publisher: publisher,
		Clock:     clk,
		Audit:     a.auditor,
		Metrics:   metrics,
		Logger:    logger,
	})
	a.Swarms = swarm.NewService(swarm.Deps{
		Repo:      a.store,
		Jobs:      a.Jobs,
		Publisher: publisher,
		Clock:     clk,
		Audit:     a.auditor,
		Metrics:   metrics,
		Logger:    logger,
	})

	// 5. Консоль оператора
	validator, err := NewValidator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	a.console = server.NewConsoleServer(logger, validator, a.store, nil,
		handler.NewInspectHandler(service.NewInspectService(a.store, a.Reputation, logger)),
		handler.NewPolicyHandler(service.NewPolicyService(a.store, invalidator, clk, logger)),
		handler.NewAgentHandler(service.NewSuspensionService(a.kill, logger)),
	)
	return a, nil
}

// Run запускает воркеры и HTTP-серверы и блокирует до отмены ctx
// или падения сервера. Воркеры дожидаются остановки перед возвратом.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Фоновые воркеры
	var wg sync.WaitGroup
	spawn := func(f func(ctx context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	spawn(func(ctx context.Context) { a.Transfers.RunReconciler(ctx, a.cfg.Engine.ReconcileInterval) })
	spawn(func(ctx context.Context) { a.Escrows.RunExpiryWorker(ctx, a.cfg.Escrow.ExpiryInterval) })
	spawn(a.kill.StartListener)
	if a.cache != nil {
		spawn(a.cache.StartListener)
	}
	if a.consume != nil {
		spawn(func(ctx context.Context) {
			if err := a.consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("outcome consumer stopped", zap.Error(err))
			}
		})
	}

	// 2. HTTP: консоль и метрики
	servers := []*http.Server{
		{
			Addr:         net.JoinHostPort(a.cfg.Server.Host, strconv.Itoa(a.cfg.Server.Port)),
			Handler:      a.console,
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
		},
		{
			Addr:    a.cfg.Server.MetricsAddr,
			Handler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		},
	}
	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			a.logger.Info("http server started", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", s.Addr, err)
			}
		}(s)
	}

	// 3. Graceful Shutdown
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("agentpay core stopping...")
	case runErr = <-errCh:
		a.logger.Error("server failed, stopping", zap.Error(runErr))
	}
	cancel()

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown failed", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
	wg.Wait()
	return runErr
}

// Close освобождает ресурсы в обратном порядке: аудит дописывает буфер до закрытия пула
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// newLedger выбирает исполнителя: gRPC-сервис или in-memory мок для стендов
func (a *App) newLedger() (ledger.Executor, error) {
	if a.cfg.Ledger.Driver == "mock" {
		a.logger.Warn("ledger driver is mock: transfers are not settled on-chain")
		return ledger.NewMockLedger(), nil
	}
	conn, err := grpc.NewClient(a.cfg.Ledger.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("app: failed to connect to ledger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = conn.Close() })
	return ledger.NewGRPCAdapter(conn, a.cfg.Ledger.CallTimeout), nil
}

func (a *App) newLocker() lock.Locker {
	switch a.cfg.Lock.Driver {
	case "postgres":
		return lock.NewPostgres(a.store.Pool(), a.cfg.Lock.Wait, a.logger)
	case "memory":
		a.logger.Warn("lock driver is memory: run a single instance only")
		return lock.NewMemory(a.cfg.Lock.Wait)
	default:
		return lock.NewRedis(a.rdb, a.cfg.Lock.TTL, a.cfg.Lock.Wait, a.logger)
	}
}

// newEvents возвращает публикатор исходов. Для брокера Run дополнительно
// поднимает потребителя, который кормит агрегатор.
func (a *App) newEvents(h events.Handler) (events.Publisher, error) {
	if a.cfg.Events.Driver != "rabbitmq" {
		return events.NewInline(h, a.logger), nil
	}
	mq, err := events.NewRabbitMQ(events.RabbitMQConfig{
		URL:      a.cfg.Events.AMQPURL,
		Queue:    a.cfg.Events.Queue,
		Prefetch: a.cfg.Events.Prefetch,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = mq.Close() })
	a.consume = func(ctx context.Context) error { return mq.Consume(ctx, a.cfg.Events.Workers, h) }
	return mq, nil
}

// NewValidator строит проверку RS256 токенов консоли из PEM в конфиге
func NewValidator(cfg infra.AuthConfig) (auth.TokenValidator, error) {
	if len(cfg.PublicKey) == 0 {
		return nil, errors.New("app: auth public key is required (auth.public_key_path or AUTH_PUBLIC_KEY_DATA)")
	}
	pub, err := auth.ParseRSAPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("app: parse auth public key: %w", err)
	}
	return auth.NewBaseValidator(pub), nil
}
