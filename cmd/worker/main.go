package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"interview-pipeline/internal/app"
	"interview-pipeline/internal/config"
	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/queue"
	"interview-pipeline/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	rdb := queue.NewRedisClient(cfg)
	defer rdb.Close()

	processor, err := app.NewWorker(ctx, cfg, st, rdb, log)
	if err != nil {
		log.WithError(err).Fatal("init worker")
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithFields(map[string]any{
		"visibility":      cfg.VisibilityTimeout.String(),
		"backoff_initial": cfg.BackoffInitial.String(),
		"stt_concurrency": cfg.STTConcurrency,
	}).Info("worker started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return processor.RunSweeper(gctx) })
	g.Go(func() error { return processor.Run(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}
}
