package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sogni-ai/photobooth-server/internal/generate"
	"github.com/sogni-ai/photobooth-server/internal/http/handlers"
	"github.com/sogni-ai/photobooth-server/internal/http/httpapi"
	"github.com/sogni-ai/photobooth-server/internal/infra"
	"github.com/sogni-ai/photobooth-server/internal/metrics"
	"github.com/sogni-ai/photobooth-server/internal/pool"
	"github.com/sogni-ai/photobooth-server/internal/session"
	"github.com/sogni-ai/photobooth-server/internal/sogni"
	"github.com/sogni-ai/photobooth-server/internal/sse"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}

	var creds pool.CredentialCache
	var counters metrics.Counters
	if redisClient != nil {
		defer redisClient.Close()
		creds = pool.NewRedisCredentialCache(redisClient)
		counters = metrics.NewRedisCounters(redisClient, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	} else {
		creds = pool.NewMemoryCredentialCache()
		counters = metrics.NewMemoryCounters()
		logger.Warn().Msg("redis not configured, using in-memory bookkeeping")
	}

	network := sogni.Network(cfg.SogniEnv)
	httpClient := &http.Client{Timeout: 60 * time.Second}
	dial := func(ctx context.Context, appID string) (sogni.Client, error) {
		return sogni.Dial(ctx, sogni.Options{
			AppID:      appID,
			Network:    network,
			HTTPClient: httpClient,
			Logger:     &logger,
		})
	}

	connPool := pool.New(pool.Options{
		Dial:        dial,
		Credentials: creds,
		Username:    cfg.SogniUsername,
		Password:    cfg.SogniPassword,
		Logger:      logger,
	})
	registry := session.NewRegistry(session.Options{
		Pool:        connPool,
		Logger:      logger,
		AppIDPrefix: cfg.SogniAppIDPrefix,
		Shared:      true,
	})
	coordinator := generate.NewCoordinator(logger, connPool, generate.Timeouts{
		JobFallback:      cfg.JobFallbackGrace,
		FailsafeEnhance:  cfg.FailsafeEnhance,
		FailsafeGenerate: cfg.FailsafeGenerate,
		Project:          cfg.ProjectTimeout,
	})
	sseManager := sse.NewManager(logger)
	sseManager.StartHeartbeat(30*time.Second, ctx.Done())

	go runReaper(ctx, logger, connPool, registry, cfg)

	app := handlers.NewApp(logger, cfg, connPool, registry, coordinator, sseManager, counters)
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("env", cfg.SogniEnv).Msgf("photobooth API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

// runReaper periodically releases idle upstream connections and prunes
// session bindings that no longer point at a live connection.
func runReaper(ctx context.Context, logger infra.Logger, connPool *pool.Pool, registry *session.Registry, cfg *infra.Config) {
	ticker := time.NewTicker(cfg.IdleReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released := connPool.ReapIdle(ctx, cfg.IdleReapThreshold)
			pruned := registry.PruneOrphans()
			if len(released) > 0 || pruned > 0 {
				logger.Info().
					Strs("released", released).
					Int("pruned_bindings", pruned).
					Msg("reaper: idle sweep")
			}
		}
	}
}
