// Package kafka carries geofence events into the dispatcher. The consumer
// commits offsets manually and only after the dispatcher has persisted the
// resulting delivery records, so a crash anywhere in between redelivers the
// event. Redelivery is safe: the delivery store drops records whose
// (webhook, event) pair already has a lineage.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/observability"
)

// ConsumerConfig defines Kafka consumer parameters.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	InstanceID    string
	BatchTimeout  time.Duration // Max time to collect messages before processing
	CommitTimeout time.Duration // Timeout for offset commits
}

// EventMessage is the wire form of a geofence event on the ingestion topic.
type EventMessage struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	OwnerID   string           `json:"owner_id"`
	Timestamp time.Time        `json:"timestamp"`
	Data      domain.EventData `json:"data"`
}

// ToEvent converts the wire form into the domain event the dispatcher takes.
func (m *EventMessage) ToEvent() *domain.GeofenceEvent {
	return &domain.GeofenceEvent{
		ID:        m.ID,
		Type:      m.Type,
		OwnerID:   m.OwnerID,
		Timestamp: m.Timestamp,
		Data:      m.Data,
	}
}

// EventHandler processes one event. A nil return means the event is finished
// with as far as the topic is concerned and its offset may commit; an error
// means the write side failed and the event must be redelivered.
type EventHandler interface {
	Handle(ctx context.Context, event *EventMessage) error
}

// Consumer reads events from Kafka and hands them to the handler.
type Consumer struct {
	config  ConsumerConfig
	reader  *kafka.Reader
	handler EventHandler
	logger  *slog.Logger
	metrics *observability.Metrics

	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewConsumer creates a Kafka consumer bound to the handler.
func NewConsumer(config ConsumerConfig, handler EventHandler, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		Topic:          config.Topic,
		GroupID:        config.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        config.BatchTimeout,
		CommitInterval: 0, // Manual commits only
		StartOffset:    kafka.LastOffset,
		GroupBalancers: []kafka.GroupBalancer{
			kafka.RangeGroupBalancer{},
			kafka.RoundRobinGroupBalancer{},
		},
		IsolationLevel: kafka.ReadCommitted,
	})

	return &Consumer{
		config:   config,
		reader:   reader,
		handler:  handler,
		logger:   logger,
		shutdown: make(chan struct{}),
	}
}

// WithMetrics enables Prometheus metrics collection.
func (c *Consumer) WithMetrics(m *observability.Metrics) *Consumer {
	c.metrics = m
	return c
}

// Start begins consuming messages.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.consumeLoop(ctx)
	c.logger.Info("kafka consumer started",
		"topic", c.config.Topic,
		"group", c.config.GroupID,
		"instance", c.config.InstanceID,
		"batch_timeout", c.config.BatchTimeout,
	)
}

// Stop gracefully shuts down the consumer.
func (c *Consumer) Stop() {
	close(c.shutdown)
	c.wg.Wait()
	if err := c.reader.Close(); err != nil {
		c.logger.Error("failed to close kafka reader", "error", err)
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		default:
		}

		batch, events := c.collectBatch(ctx)
		if len(batch) > 0 {
			c.processBatchAndCommit(ctx, batch, events)
		}
	}
}

// collectBatch fetches messages until timeout, returning all collected
// messages. Messages that do not parse at all keep their slot with a nil
// event: commits are positional, so committing a poison message here would
// also commit every earlier message on its partition still waiting in the
// batch. Its offset moves only as part of the processed prefix.
func (c *Consumer) collectBatch(ctx context.Context) ([]kafka.Message, []*EventMessage) {
	var batch []kafka.Message
	var events []*EventMessage

	deadline := time.Now().Add(c.config.BatchTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return batch, events
		case <-c.shutdown:
			return batch, events
		default:
		}

		// Short timeout for each fetch to stay responsive
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if remaining > 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}

		readCtx, cancel := context.WithTimeout(ctx, remaining)
		msg, err := c.reader.FetchMessage(readCtx)
		cancel()

		if err != nil {
			if err == context.DeadlineExceeded || err == context.Canceled {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if c.metrics != nil {
			c.metrics.EventsConsumed.Inc()
		}

		var event EventMessage
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Error("failed to unmarshal event",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			if c.metrics != nil {
				c.metrics.EventsInvalid.Inc()
			}
			batch = append(batch, msg)
			events = append(events, nil)
			continue
		}

		batch = append(batch, msg)
		events = append(events, &event)
	}

	return batch, events
}

func (c *Consumer) processBatchAndCommit(ctx context.Context, messages []kafka.Message, events []*EventMessage) {
	if len(events) == 0 {
		return
	}

	start := time.Now()
	processed := c.handleBatch(ctx, events)

	c.logger.Debug("batch processed",
		"total", len(events),
		"processed", processed,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	// Commit only the processed prefix. Offset commits are positional per
	// partition, so committing a message also commits everything before it;
	// stopping at the first failure keeps unprocessed events on the topic.
	if err := c.commitMessages(ctx, messages[:processed]); err != nil {
		c.logger.Error("failed to commit messages",
			"error", err,
			"count", processed,
		)
		// Messages will be redelivered on restart; dedupe absorbs the overlap.
	}
}

// handleBatch hands events to the handler in arrival order and reports how
// many slots were finished with. Nil slots are malformed messages that only
// need their offsets committed. The first persistence failure stops the batch.
func (c *Consumer) handleBatch(ctx context.Context, events []*EventMessage) int {
	for i, event := range events {
		if event == nil {
			continue
		}
		if err := c.handler.Handle(ctx, event); err != nil {
			c.logger.Error("failed to process event, leaving remainder uncommitted",
				"error", err,
				"event_id", event.ID,
				"processed", i,
			)
			return i
		}
	}
	return len(events)
}

func (c *Consumer) commitMessages(ctx context.Context, messages []kafka.Message) error {
	if len(messages) == 0 {
		return nil
	}

	commitCtx, cancel := context.WithTimeout(ctx, c.config.CommitTimeout)
	defer cancel()

	return c.reader.CommitMessages(commitCtx, messages...)
}

// Stats returns consumer statistics.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}
