// Package main is the entry point for workflowd.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/workflowd/internal/config"
	"github.com/nugget/workflowd/internal/scheduler"
	"github.com/nugget/workflowd/internal/webhook"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println("workflowd")
		return
	}

	runServe(logger, *configPath)
}

func runServe(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"data_dir", cfg.DataDir,
		"listen_port", cfg.Listen.Port,
		"deadlock_threshold", cfg.Scheduler.DeadlockThreshold,
	)

	engine, err := scheduler.Default(cfg, logger)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	webhookServer := webhook.NewServer(engine, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.DeadlockSweepInterval*4)
		defer shutdownCancel()

		if err := webhookServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("webhook server shutdown failed", "error", err)
		}
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("engine shutdown failed", "error", err)
		}
	}()

	if err := webhookServer.Start(addr); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("workflowd stopped")
}
