// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/campaign-orchestrator/internal/app"
	"github.com/unclebandit/campaign-orchestrator/internal/config"
	"github.com/unclebandit/campaign-orchestrator/internal/controller"
	"github.com/unclebandit/campaign-orchestrator/internal/db"
	"github.com/unclebandit/campaign-orchestrator/internal/handler"
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
		logger.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}

	q, err := app.OpenQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	repos := app.PostgresRepositories(conn)
	campaignController := &controller.CampaignController{
		CampaignService: app.NewCampaignService(cfg, repos, q, logger),
		Logger:          logger,
	}
	queueHandler := &handler.QueueHandler{Queue: q, Logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	campaignController.Routes(r)
	queueHandler.Routes(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// With the in-process backend nothing else can drain the queues.
	if cfg.QueueBackend == "memory" {
		w, err := app.NewWorker(cfg, repos, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return app.NewPool(cfg, q, w, logger).Run(ctx) })
	}

	return g.Wait()
}
