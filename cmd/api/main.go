package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"og-image-service/internal/api"
	"og-image-service/internal/cache"
	"og-image-service/internal/config"
	"og-image-service/internal/generation"
	"og-image-service/internal/logging"
	"og-image-service/internal/observability"
	"og-image-service/internal/publish"
	"og-image-service/internal/queue"
	"og-image-service/internal/ratelimit"
	"og-image-service/internal/render"
	"og-image-service/internal/store"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger := logging.Setup("og-image-api", cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, observability.Options{
		Enabled:     cfg.OTELEnabled,
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.OTELServiceName,
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

	rc := cache.NewRedis(rdb, logger)
	keys := generation.Keys{Prefix: cfg.CachePrefix}
	populator := generation.NewPopulator(rc, keys, logger)
	transitions := generation.NewTransitions(st, logger)
	q := queue.NewRedisQueue(rdb, cfg.VisibilityTimeout, cfg.DLQName)

	publisher, files, err := publish.FromConfig(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init publisher")
	}

	dispatcher, release, err := newDispatcher(cfg, q, transitions, publisher, populator, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init dispatcher")
	}
	defer release()

	orch, err := generation.NewOrchestrator(generation.Deps{
		Store:      st,
		Cache:      populator,
		Leaser:     rc,
		Keys:       keys,
		Dispatcher: dispatcher,
		Poller:     generation.NewPoller(st, populator, cfg.PollInterval, cfg.PollTimeout, logger),
		Validator:  generation.URLValidator{Allowed: cfg.AllowedDomains, Contact: cfg.ContactEmail},
		Log:        logger,
	}, generation.Options{
		DefaultTTL:    cfg.DefaultTTL,
		DefaultWidth:  cfg.DefaultWidth,
		DefaultHeight: cfg.DefaultHeight,
		MaxDimension:  cfg.MaxDimension,
		LeaseTTL:      cfg.LeaseTTL,
		LeaseWait:     cfg.LeaseWait,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init orchestrator")
	}

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	server := api.New(orch, api.Options{
		Limiter:     limiter,
		Checks:      map[string]api.Pinger{"store": st, "redis": rc},
		DLQ:         q,
		Files:       files,
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// The redirect endpoint may wait for a full poll timeout.
		WriteTimeout: cfg.PollTimeout + cfg.RenderTimeout + 10*time.Second,
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("dispatch", cfg.DispatchMode).Str("version", version).Msg("api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
}

// newDispatcher runs generation on the request path in inline mode and hands
// it to the worker queue otherwise.
func newDispatcher(cfg config.Config, q *queue.RedisQueue, t generation.Transitions, pub publish.Publisher, pop *generation.Populator, logger zerolog.Logger) (generation.Dispatcher, func(), error) {
	if !cfg.Inline() {
		d, err := generation.NewDeferredDispatcher(q, t, logger)
		return d, func() {}, err
	}
	renderer, release := render.FromConfig(cfg, logger)
	exec, err := generation.NewExecutor(t, renderer, pub, pop, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	d, err := generation.NewInlineDispatcher(exec)
	if err != nil {
		release()
		return nil, nil, err
	}
	return d, release, nil
}
