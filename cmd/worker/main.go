package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"og-image-service/internal/cache"
	"og-image-service/internal/config"
	"og-image-service/internal/generation"
	"og-image-service/internal/logging"
	"og-image-service/internal/observability"
	"og-image-service/internal/publish"
	"og-image-service/internal/queue"
	"og-image-service/internal/render"
	"og-image-service/internal/store"
	"og-image-service/internal/telemetry"
	"og-image-service/internal/worker"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup("og-image-worker", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, observability.Options{
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.OTELServiceName + "-worker",
		SampleRatio: cfg.OTELSampleRatio,
	}, version)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("open record store")
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	populator := generation.NewPopulator(cache.NewRedis(rdb, logger), generation.Keys{Prefix: cfg.CachePrefix}, logger)
	transitions := generation.NewTransitions(st, logger)
	q := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout, cfg.DLQName)

	renderer, release := render.FromConfig(cfg, logger)
	defer release()
	publisher, _, err := publish.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init publisher")
	}
	exec, err := generation.NewExecutor(transitions, renderer, publisher, populator, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init executor")
	}

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	processor := worker.NewProcessor(q, exec, transitions, worker.Options{
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		WorkerID:     workerID,
	}, logger)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	logger.Info().
		Str("worker_id", workerID).
		Int("concurrency", cfg.WorkerConcurrency).
		Dur("visibility", cfg.VisibilityTimeout).
		Str("renderer", cfg.Renderer).
		Msg("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}
