package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/meetmemo/pipeline/config"
	"github.com/meetmemo/pipeline/internal/app"
	"github.com/meetmemo/pipeline/internal/logger"
)

func main() {
	// A missing .env file is fine
	_ = godotenv.Load()
	logger.InitializeAndConfigure()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	a, err := app.NewFromConfig(cfg)
	if err != nil {
		logger.Fatalf("failed to start pipeline: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Errorf("failed to close pipeline: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logger.Errorf("pipeline stopped: %v", err)
		stop()
		_ = a.Close()
		os.Exit(1)
	}
}
