package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-orchestrator/internal/app"
	"github.com/unclebandit/campaign-orchestrator/internal/config"
	"github.com/unclebandit/campaign-orchestrator/internal/db"
	"github.com/unclebandit/campaign-orchestrator/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.QueueBackend == "memory" {
		logger.Warn("memory queue backend is per process; run the server instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	q, err := app.OpenQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	w, err := app.NewWorker(cfg, app.PostgresRepositories(conn), logger)
	if err != nil {
		return err
	}

	logger.Info("worker running, waiting for jobs", zap.Int("concurrency", cfg.Worker.Concurrency))
	return app.NewPool(cfg, q, w, logger).Run(ctx)
}
