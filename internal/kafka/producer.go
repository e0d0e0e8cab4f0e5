package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/segmentio/kafka-go"
	"golang.org/x/time/rate"

	"github.com/hanibalsk/geohook/internal/domain"
)

// Producer publishes geofence events to the ingestion topic.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// ProducerConfig configures the Kafka producer.
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

// DefaultProducerConfig returns sensible defaults for production.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "geofence.events",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false, // Sync for reliability
	}
}

func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{}, // Same key, same partition
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll, // Wait for all replicas
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}

	return &Producer{
		writer: writer,
		logger: logger,
	}
}

// NewEventMessage converts a domain event into its wire form.
func NewEventMessage(event *domain.GeofenceEvent) EventMessage {
	return EventMessage{
		ID:        event.ID,
		Type:      event.Type,
		OwnerID:   event.OwnerID,
		Timestamp: event.Timestamp,
		Data:      event.Data,
	}
}

// Publish sends one event to the topic, keyed by owner so each account's
// events stay ordered within a partition.
func (p *Producer) Publish(ctx context.Context, event EventMessage) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.OwnerID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// ProduceSteady publishes count synthetic events at a fixed per-second rate,
// spread across numOwners accounts. Unlike the flood path it runs with full
// acks, so broker backpressure shows up as a lower achieved rate instead of
// dropped events.
func (p *Producer) ProduceSteady(ctx context.Context, perSecond float64, count, numOwners int) error {
	limiter := rate.NewLimiter(rate.Limit(perSecond), 1)

	for i := 0; i < count; i++ {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		msg := NewEventMessage(syntheticEvent(i, numOwners))
		if err := p.Publish(ctx, msg); err != nil {
			return fmt.Errorf("publish event %d: %w", i, err)
		}

		if i > 0 && i%1000 == 0 {
			p.logger.Info("produced events", "count", i)
		}
	}

	p.logger.Info("finished producing events", "total", count, "owners", numOwners)
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// LoadTestProducer generates synthetic geofence traffic for load testing.
type LoadTestProducer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewLoadTestProducer creates a producer tuned for throughput over strict
// delivery guarantees.
func NewLoadTestProducer(brokers []string, topic string, logger *slog.Logger) *LoadTestProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // Same key, same partition
		BatchSize:    500,
		BatchTimeout: 5 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Compression:  kafka.Snappy,
	}

	return &LoadTestProducer{
		writer: writer,
		logger: logger,
	}
}

var loadTestEventTypes = []string{
	domain.EventGeofenceEnter,
	domain.EventGeofenceExit,
	domain.EventGeofenceDwell,
}

// syntheticEvent fabricates a plausible geofence transition: numOwners
// accounts, a handful of devices moving through a handful of geofences.
func syntheticEvent(i, numOwners int) *domain.GeofenceEvent {
	if numOwners <= 0 {
		numOwners = 1
	}
	eventType := loadTestEventTypes[i%len(loadTestEventTypes)]

	evt := &domain.GeofenceEvent{
		ID:        fmt.Sprintf("evt_load_%d_%d", time.Now().UnixNano(), i),
		Type:      eventType,
		OwnerID:   fmt.Sprintf("acct_load_%d", (i%numOwners)+1),
		Timestamp: time.Now().UTC(),
		Data: domain.EventData{
			DeviceID:   fmt.Sprintf("dev_%d", (i%7)+1),
			GeofenceID: fmt.Sprintf("gf_%d", (i%5)+1),
			Latitude:   48.1 + rand.Float64()*0.2,
			Longitude:  17.1 + rand.Float64()*0.2,
		},
	}
	if eventType == domain.EventGeofenceDwell {
		evt.Data.DwellSeconds = 300 + (i%12)*60
	}
	return evt
}

// ProduceEvents generates count events spread across numOwners accounts as
// fast as the writer accepts them.
func (p *LoadTestProducer) ProduceEvents(ctx context.Context, count, numOwners int) error {
	messages := make([]kafka.Message, 0, 1000)

	for i := 0; i < count; i++ {
		event := NewEventMessage(syntheticEvent(i, numOwners))

		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal event %d: %w", i, err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(event.OwnerID),
			Value: value,
		})

		if len(messages) >= 1000 {
			if err := p.writer.WriteMessages(ctx, messages...); err != nil {
				return fmt.Errorf("write batch: %w", err)
			}
			messages = messages[:0]

			if i%10000 == 0 {
				p.logger.Info("produced events", "count", i)
			}
		}
	}

	if len(messages) > 0 {
		if err := p.writer.WriteMessages(ctx, messages...); err != nil {
			return fmt.Errorf("write final batch: %w", err)
		}
	}

	p.logger.Info("finished producing events", "total", count, "owners", numOwners)
	return nil
}

// Close closes the producer.
func (p *LoadTestProducer) Close() error {
	return p.writer.Close()
}
