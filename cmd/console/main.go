package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/app"
	"github.com/xela07ax/agentpay-core/internal/clock"
	"github.com/xela07ax/agentpay-core/internal/console/handler"
	"github.com/xela07ax/agentpay-core/internal/console/server"
	"github.com/xela07ax/agentpay-core/internal/console/service"
	"github.com/xela07ax/agentpay-core/internal/engine"
	"github.com/xela07ax/agentpay-core/internal/infra"
	"github.com/xela07ax/agentpay-core/internal/policy"
	"github.com/xela07ax/agentpay-core/internal/repository/postgres"
	"github.com/xela07ax/agentpay-core/internal/reputation"
)

// Отдельный процесс консоли: читает ту же базу, что и ядро, а изменения
// политик доносит до инстансов ядра сигналом через Redis.
func main() {
	fs := pflag.NewFlagSet("console", pflag.ExitOnError)
	infra.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	cfg, err := infra.LoadConfig(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// 1. Инициализация ресурсов
	if cfg.Database.URL == "" {
		logger.Fatal("database.url is required")
	}
	// Проверяем соединение с таймаутом
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	store, err := postgres.New(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	cancel()
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	validator, err := app.NewValidator(cfg.Auth)
	if err != nil {
		logger.Fatal("auth init failed", zap.Error(err))
	}

	// 2. Инициализация слоев (Dependency Injection)
	clk := clock.Real()
	inspect := service.NewInspectService(store, reputation.NewAggregator(store, clk, logger), logger)
	policies := service.NewPolicyService(store, policy.NewRedisNotifier(rdb), clk, logger)
	// Консоль только пишет в Redis set и сигналит ядру, своя мапа ей не нужна
	suspensions := service.NewSuspensionService(engine.NewKillSwitch(rdb, logger), logger)
	console := server.NewConsoleServer(logger, validator, store, nil,
		handler.NewInspectHandler(inspect), handler.NewPolicyHandler(policies), handler.NewAgentHandler(suspensions))

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      console,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("console listen failed", zap.Error(err))
			stop()
		}
	}()

	<-stopCtx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API stopped")
}
