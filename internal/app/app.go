// Package app builds the component graph shared by the binaries.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"interview-pipeline/internal/api"
	"interview-pipeline/internal/audio"
	"interview-pipeline/internal/blob"
	"interview-pipeline/internal/cache"
	"interview-pipeline/internal/config"
	"interview-pipeline/internal/extraction"
	"interview-pipeline/internal/heartbeat"
	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/persist"
	"interview-pipeline/internal/pipeline"
	"interview-pipeline/internal/queue"
	"interview-pipeline/internal/ratelimit"
	"interview-pipeline/internal/steps"
	"interview-pipeline/internal/store"
	"interview-pipeline/internal/store/memstore"
	"interview-pipeline/internal/stt"
	"interview-pipeline/internal/worker"
)

// Backend is everything the services need from persistence. Both the
// Postgres store and memstore satisfy it.
type Backend interface {
	api.Store
	worker.JobStore
	heartbeat.Store
	heartbeat.StallStore
	steps.Store
	persist.Store
	Close()
}

var (
	_ Backend = (*store.Store)(nil)
	_ Backend = (*memstore.Store)(nil)
)

// OpenStore connects the configured store driver and applies migrations.
func OpenStore(ctx context.Context, cfg config.Config, log *logger.Logger) (Backend, error) {
	switch cfg.StoreDriver {
	case "memory":
		log.Warn("using in-memory store; state is lost on exit")
		return memstore.New(), nil
	case "", "postgres":
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// NewAPI assembles the HTTP server.
func NewAPI(ctx context.Context, cfg config.Config, st Backend, rdb *redis.Client, log *logger.Logger) (*api.Server, error) {
	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}
	return api.New(cfg, api.Deps{
		Store:   st,
		Queue:   queue.NewRedisQueue(rdb, cfg.VisibilityTimeout),
		Limiter: ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0),
		Blobs:   blobs,
		Records: cache.NewRecordCache(rdb, cfg.RecordCacheTTL),
		Log:     log,
	}), nil
}

// NewWorker assembles the orchestrator and the worker loop around it.
func NewWorker(ctx context.Context, cfg config.Config, st Backend, rdb *redis.Client, log *logger.Logger) (*worker.Processor, error) {
	blobs, err := blob.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("blob store: %w", err)
	}

	locks := heartbeat.NewManager(st, heartbeat.Options{
		Interval:    cfg.HeartbeatInterval,
		MaxDuration: cfg.MaxJobDuration,
	}, log.Component("heartbeat"))

	audioOpts := audio.Options{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Bitrate:     cfg.AudioBitrate,
		WorkDir:     cfg.WorkDir,
	}
	transcriber := stt.NewClient(stt.ClientOptions{
		BaseURL:  cfg.STTBaseURL,
		APIKey:   cfg.STTAPIKey,
		Model:    cfg.STTModel,
		Language: cfg.STTLanguage,
		Timeout:  cfg.STTTimeout,
	}, log.Component("stt"))

	orch := pipeline.New(pipeline.Deps{
		Locks:     locks,
		Steps:     steps.NewTracker(st, log.Component("steps")),
		Converter: audio.NewConverter(audioOpts, log.Component("convert")),
		Splitter: audio.NewSplitter(audio.SplitOptions{
			Options:            audioOpts,
			SilenceThresholdDB: cfg.SilenceThresholdDB,
			SilenceMinDuration: cfg.SilenceMinDuration,
			ChunkMaxDuration:   cfg.ChunkMaxDuration,
			ChunkMinDuration:   cfg.ChunkMinDuration,
		}, log.Component("split")),
		STT: stt.NewProcessor(transcriber, cfg.STTConcurrency, cfg.STTMinSuccessRate, log.Component("stt")),
		Extractor: extraction.NewRunner(extraction.Options{
			BaseURL: cfg.WorkflowBaseURL,
			APIKey:  cfg.WorkflowAPIKey,
			Timeout: cfg.WorkflowTimeout,
		}, log.Component("extraction")),
		Persister: persist.NewPersister(st, cache.NewRecordCache(rdb, cfg.RecordCacheTTL), log.Component("persist")),
		Log:       log.Component("pipeline"),
	})

	return worker.NewProcessor(cfg, worker.Deps{
		Queue:    queue.NewRedisQueue(rdb, cfg.VisibilityTimeout),
		Store:    st,
		Blobs:    blobs,
		Orch:     orch,
		Locks:    locks,
		Sweeper:  heartbeat.NewSweeper(st, cfg.HeartbeatTimeout, log.Component("sweeper")),
		Log:      log.Component("worker"),
		WorkerID: WorkerID(),
	}), nil
}

// WorkerID prefers WORKER_ID, then the hostname, and always appends a short
// random suffix so restarts on the same host are distinguishable.
func WorkerID() string {
	id := os.Getenv("WORKER_ID")
	if id == "" {
		id, _ = os.Hostname()
	}
	if id == "" {
		id = fmt.Sprintf("worker-%d", os.Getpid())
	}
	return id + "-" + uuid.New().String()[:8]
}
