// Command standalone runs the API and one worker in a single process. It is
// the only sensible home for STORE_DRIVER=memory.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"interview-pipeline/internal/app"
	"interview-pipeline/internal/config"
	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/queue"
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

	server, err := app.NewAPI(ctx, cfg, st, rdb, log)
	if err != nil {
		log.WithError(err).Fatal("init api")
	}
	processor, err := app.NewWorker(ctx, cfg, st, rdb, log)
	if err != nil {
		log.WithError(err).Fatal("init worker")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.HTTPPort).Info("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return processor.RunSweeper(gctx) })
	g.Go(func() error { return processor.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("stopped")
	}
}
