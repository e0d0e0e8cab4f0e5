// Dispatcher service: consumes geofence events from Kafka, creates delivery
// records and runs their first attempts inline. Scales horizontally through
// the consumer group; anything it cannot finish is left booked in the store
// for the retry worker.
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
	kafkago "github.com/segmentio/kafka-go"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/config"
	"github.com/hanibalsk/geohook/internal/delivery"
	"github.com/hanibalsk/geohook/internal/dispatch"
	"github.com/hanibalsk/geohook/internal/kafka"
	"github.com/hanibalsk/geohook/internal/observability"
	"github.com/hanibalsk/geohook/internal/repository/postgres"
	"github.com/hanibalsk/geohook/internal/resilience"
	"github.com/hanibalsk/geohook/internal/retry"
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

	metrics := observability.NewMetrics("geohook")
	healthHandler := observability.NewHealthHandler()
	healthHandler.AddCheck("database", observability.HealthCheckFunc(pool.Ping))
	if len(cfg.Kafka.Brokers) > 0 {
		broker := cfg.Kafka.Brokers[0]
		healthHandler.AddCheck("kafka", observability.HealthCheckFunc(func(ctx context.Context) error {
			conn, err := kafkago.DialContext(ctx, "tcp", broker)
			if err != nil {
				return err
			}
			return conn.Close()
		}))
	}

	// Rate limiting (Redis-backed when configured, in-memory otherwise)
	var rateLimiter resilience.RateLimiter
	if cfg.Redis.Enabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, using in-memory rate limiting", "error", err)
			rateLimiter = resilience.NewInMemoryRateLimiterAdapter(resilience.DefaultRateLimiterConfig())
		} else {
			logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
			rateLimiter = resilience.NewRedisRateLimiter(redisClient,
				resilience.RedisRateLimiterConfig{Window: cfg.Redis.RateWindow}, logger)
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
		Timeout: cfg.Dispatch.AttemptTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        1000,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	attempter := delivery.NewAttempter(
		httpClient,
		deliveryRepo,
		breaker,
		retry.NewSchedule(),
		clock.RealClock{},
		cfg.Dispatch.AttemptTimeout,
		logger,
	).WithMetrics(metrics)

	dispatcher := dispatch.NewDispatcher(
		webhookRepo,
		deliveryRepo,
		attempter,
		breaker,
		clock.RealClock{},
		dispatch.Config{
			InlineLease:   cfg.Dispatch.InlineLease,
			ThrottleDelay: cfg.Dispatch.ThrottleDelay,
			RateLimit:     cfg.Redis.RateLimit,
		},
		logger,
	).WithMetrics(metrics).WithRateLimiter(rateLimiter)

	handler := kafka.NewDispatchHandler(dispatcher, logger).WithMetrics(metrics)

	consumerConfig := kafka.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		GroupID:       cfg.Kafka.GroupID,
		InstanceID:    cfg.Kafka.InstanceID,
		BatchTimeout:  cfg.Kafka.BatchTimeout,
		CommitTimeout: cfg.Kafka.CommitTimeout,
	}
	consumer := kafka.NewConsumer(consumerConfig, handler, logger).WithMetrics(metrics)
	consumer.Start(ctx)

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
	logger.Info("dispatcher started",
		"instance_id", cfg.Kafka.InstanceID,
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"group", cfg.Kafka.GroupID,
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()
	consumer.Stop()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown admin HTTP server", "error", err)
	}

	stats := consumer.Stats()
	logger.Info("consumer stats",
		"messages", stats.Messages,
		"bytes", stats.Bytes,
		"rebalances", stats.Rebalances,
		"errors", stats.Errors,
	)

	logger.Info("shutdown complete")
}
