// Load test producer: floods the ingestion topic with synthetic geofence
// events. Dev and benchmark tooling only.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanibalsk/geohook/internal/config"
	"github.com/hanibalsk/geohook/internal/kafka"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	count := flag.Int("count", 100000, "number of events to produce")
	owners := flag.Int("owners", 10, "number of owner accounts to spread events across")
	perSecond := flag.Float64("rate", 0, "steady events per second (0 = flood as fast as possible)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("starting load test producer",
		"brokers", cfg.Kafka.Brokers,
		"topic", cfg.Kafka.Topic,
		"count", *count,
		"owners", *owners,
		"rate", *perSecond,
	)

	start := time.Now()

	var produceErr error
	if *perSecond > 0 {
		// Steady soak mode: durable producer, full acks.
		producerConfig := kafka.DefaultProducerConfig()
		producerConfig.Brokers = cfg.Kafka.Brokers
		producerConfig.Topic = cfg.Kafka.Topic

		producer := kafka.NewProducer(producerConfig, logger)
		defer func() { _ = producer.Close() }()

		produceErr = producer.ProduceSteady(ctx, *perSecond, *count, *owners)
	} else {
		producer := kafka.NewLoadTestProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer func() { _ = producer.Close() }()

		produceErr = producer.ProduceEvents(ctx, *count, *owners)
	}
	if produceErr != nil {
		logger.Error("failed to produce events", "error", produceErr)
		os.Exit(1)
	}

	duration := time.Since(start)
	achieved := float64(*count) / duration.Seconds()

	logger.Info("load test complete",
		"events", *count,
		"duration", duration,
		"rate", achieved,
	)
}
