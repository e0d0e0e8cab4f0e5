// Retry worker: claims due delivery records from the store and drives them to
// a terminal state. Designed to run as multiple instances; the SKIP LOCKED
// claim keeps replicas off each other's records.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/config"
	"github.com/hanibalsk/geohook/internal/delivery"
	"github.com/hanibalsk/geohook/internal/observability"
	"github.com/hanibalsk/geohook/internal/repository/postgres"
	"github.com/hanibalsk/geohook/internal/resilience"
	"github.com/hanibalsk/geohook/internal/retry"
	"github.com/hanibalsk/geohook/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = cfg.Database.MaxConns
	poolConfig.MinConns = cfg.Database.MaxConns / 3

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	webhookRepo := postgres.NewWebhookRepository(pool)
	deliveryRepo := postgres.NewDeliveryRepository(pool)

	// Coalesce concurrent outcome updates into batched writes.
	batchedDeliveries := postgres.NewDeliveryBatcher(deliveryRepo, postgres.DefaultBatcherConfig())

	metrics := observability.NewMetrics("geohook")
	healthHandler := observability.NewHealthHandler()
	healthHandler.AddCheck("database", observability.HealthCheckFunc(pool.Ping))

	// Resilience (Redis-backed for limits that must hold across replicas)
	var rateLimiter resilience.RateLimiter
	var semaphore resilience.Semaphore
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, using in-memory rate limiting", "error", err)
			rateLimiter = resilience.NewInMemoryRateLimiterAdapter(resilience.DefaultRateLimiterConfig())
		} else {
			logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
			rateLimiter = resilience.NewRedisRateLimiter(redisClient,
				resilience.RedisRateLimiterConfig{Window: cfg.Redis.RateWindow}, logger)
			semaphore = resilience.NewRedisSemaphore(redisClient,
				resilience.RedisSemaphoreConfig{Limit: cfg.Redis.MaxInFlight}, logger)
			healthHandler.AddCheck("redis", observability.HealthCheckFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}))
		}
	} else {
		logger.Info("Redis not configured, using in-memory rate limiting")
		rateLimiter = resilience.NewInMemoryRateLimiterAdapter(resilience.DefaultRateLimiterConfig())
	}

	breaker := resilience.NewCircuitBreaker(webhookRepo, resilience.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenDuration:     cfg.Breaker.OpenDuration,
	}, clock.RealClock{}, logger)

	httpClient := &http.Client{
		Timeout: cfg.Worker.AttemptTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	attempter := delivery.NewAttempter(
		httpClient,
		batchedDeliveries,
		breaker,
		retry.NewSchedule(),
		clock.RealClock{},
		cfg.Worker.AttemptTimeout,
		logger,
	).WithMetrics(metrics)

	workerConfig := worker.Config{
		Workers:       cfg.Worker.Workers,
		PollInterval:  cfg.Worker.PollInterval,
		BatchSize:     cfg.Worker.BatchSize,
		ClaimLease:    cfg.Worker.ClaimLease,
		ThrottleDelay: cfg.Worker.ThrottleDelay,
		RateLimit:     cfg.Redis.RateLimit,
	}
	workerPool := worker.NewPool(
		workerConfig,
		batchedDeliveries,
		webhookRepo,
		attempter,
		breaker,
		clock.RealClock{},
		logger,
	).WithMetrics(metrics).WithResilience(rateLimiter, semaphore)

	workerPool.Start(ctx)

	router := observability.NewAdminRouter(observability.AdminRouterConfig{
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting admin HTTP server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	healthHandler.SetReady(true)
	logger.Info("retry worker started",
		"workers", workerConfig.Workers,
		"poll_interval", workerConfig.PollInterval,
		"batch_size", workerConfig.BatchSize,
		"claim_lease", workerConfig.ClaimLease,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	workerPool.Stop()

	if err := batchedDeliveries.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to flush pending updates", "error", err)
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown admin HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}
