package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/xela07ax/agentpay-core/internal/app"
	"github.com/xela07ax/agentpay-core/internal/infra"
)

func main() {
	fs := pflag.NewFlagSet("agentpayd", pflag.ExitOnError)
	infra.BindFlags(fs)
	_ = fs.Parse(os.Args[1:])

	// 1. Конфигурация и логгер
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

	// Контекст жизненного цикла: SIGTERM отменяет воркеры и подписки
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Сборка ядра
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	core, err := app.New(initCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("agentpayd init failed", zap.Error(err))
	}
	defer core.Close()

	// 3. Работа до сигнала
	if err := core.Run(ctx); err != nil {
		logger.Error("agentpayd stopped with error", zap.Error(err))
		return
	}
	logger.Info("agentpayd exited properly")
}
