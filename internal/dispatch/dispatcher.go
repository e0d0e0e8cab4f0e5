// Package dispatch fans a geofence event out to the owner's matching
// webhooks: resolve targets, serialize the payload once, create one delivery
// record per target in a single batch, then attempt each fresh record inline.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/delivery"
	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/observability"
	"github.com/hanibalsk/geohook/internal/repository"
	"github.com/hanibalsk/geohook/internal/resilience"
)

// Config defines dispatch parameters.
//
// InlineLease is how long a freshly created record stays booked to the
// dispatcher before the retry worker may claim it. It covers the window
// between record creation and the inline attempt: if the process dies in
// between, the record comes due on its own once the lease lapses.
// ThrottleDelay is how far a rate-limited record is deferred.
// RateLimit is the per-webhook request ceiling handed to the rate limiter.
type Config struct {
	InlineLease   time.Duration
	ThrottleDelay time.Duration
	RateLimit     int
}

func DefaultConfig() Config {
	return Config{
		InlineLease:   30 * time.Second,
		ThrottleDelay: time.Second,
		RateLimit:     100,
	}
}

// Dispatcher creates delivery records for incoming events and runs their
// first attempts. Retries are not its business; anything that fails here is
// picked up later by the worker off next_retry_at.
type Dispatcher struct {
	webhooks   repository.WebhookRepository
	deliveries repository.DeliveryRepository
	attempter  *delivery.Attempter
	breaker    *resilience.CircuitBreaker
	clock      clock.Clock
	config     Config
	logger     *slog.Logger

	rateLimiter resilience.RateLimiter
	metrics     *observability.Metrics
}

func NewDispatcher(
	webhooks repository.WebhookRepository,
	deliveries repository.DeliveryRepository,
	attempter *delivery.Attempter,
	breaker *resilience.CircuitBreaker,
	clk clock.Clock,
	config Config,
	logger *slog.Logger,
) *Dispatcher {
	if config.InlineLease <= 0 {
		config.InlineLease = 30 * time.Second
	}
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 100
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		webhooks:   webhooks,
		deliveries: deliveries,
		attempter:  attempter,
		breaker:    breaker,
		clock:      clk,
		config:     config,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// WithRateLimiter enables per-webhook rate limiting of inline attempts.
// Rate-limited records are deferred, not attempted.
func (d *Dispatcher) WithRateLimiter(rl resilience.RateLimiter) *Dispatcher {
	d.rateLimiter = rl
	return d
}

// Dispatch fans the event out to every enabled webhook of its owner whose
// event type filter matches and returns the delivery records it created.
// Records whose (webhook, event) lineage already exists are not recreated
// and not returned. The returned error reflects validation and store trouble
// only; destinations that refuse their delivery are recorded and retried,
// they do not fail the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, event *domain.GeofenceEvent) ([]*domain.Delivery, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	webhooks, err := d.webhooks.ListEnabledByOwner(ctx, event.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("listing webhooks for owner %s: %w", event.OwnerID, err)
	}

	matched := make([]*domain.Webhook, 0, len(webhooks))
	for _, webhook := range webhooks {
		if webhook.MatchesEventType(event.Type) {
			matched = append(matched, webhook)
		}
	}
	if len(matched) == 0 {
		d.logger.Debug("no webhooks match event",
			"event_id", event.ID,
			"event_type", event.Type,
			"owner_id", event.OwnerID,
		)
		return nil, nil
	}

	// One serialization per event. Every record for this event carries these
	// exact bytes, and every retry re-sends them unchanged.
	payload, err := buildPayload(event)
	if err != nil {
		return nil, fmt.Errorf("serializing event %s: %w", event.ID, err)
	}

	now := d.clock.Now()
	byWebhook := make(map[string]*domain.Webhook, len(matched))
	recs := make([]*domain.Delivery, 0, len(matched))
	for _, webhook := range matched {
		rec := domain.NewDelivery(webhook.ID, event, payload, now)
		if d.breaker.Open(webhook) {
			// Created but not attempted; due when the circuit closes.
			rec.Defer(d.breaker.OpenUntil(webhook), now)
		} else {
			rec.Defer(now.Add(d.config.InlineLease), now)
		}
		byWebhook[webhook.ID] = webhook
		recs = append(recs, rec)
	}

	inserted, err := d.deliveries.CreateBatch(ctx, recs)
	if err != nil {
		return nil, fmt.Errorf("creating delivery records for event %s: %w", event.ID, err)
	}
	if d.metrics != nil {
		d.metrics.DeliveriesCreated.Add(float64(len(inserted)))
		if dropped := len(recs) - len(inserted); dropped > 0 {
			d.metrics.DeliveriesDeduplicated.Add(float64(dropped))
		}
	}

	var firstErr error
	for _, rec := range inserted {
		webhook := byWebhook[rec.WebhookID]

		if d.breaker.Open(webhook) {
			d.logger.Info("delivery deferred, circuit open",
				"delivery_id", rec.ID,
				"webhook_id", webhook.ID,
				"next_retry_at", rec.NextRetryAt,
			)
			if d.metrics != nil {
				d.metrics.DeliveriesDeferred.Inc()
			}
			continue
		}

		if d.rateLimiter != nil {
			allowed, rlErr := d.rateLimiter.Allow(ctx, webhook.ID, d.config.RateLimit)
			if rlErr != nil {
				d.logger.Warn("rate limiter error", "error", rlErr, "webhook_id", webhook.ID)
			}
			if !allowed {
				rec.Defer(now.Add(d.config.ThrottleDelay), now)
				if err := d.deliveries.Update(ctx, rec); err != nil {
					d.logger.Error("failed to defer delivery", "error", err, "delivery_id", rec.ID)
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				if d.metrics != nil {
					d.metrics.RateLimiterRejections.WithLabelValues(webhook.ID).Inc()
					d.metrics.DeliveriesDeferred.Inc()
				}
				continue
			}
		}

		if err := d.attempter.Attempt(ctx, rec, webhook); err != nil {
			d.logger.Error("failed to persist attempt outcome", "error", err, "delivery_id", rec.ID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return inserted, firstErr
}

// wirePayload is the shape destinations receive and sign against. A fixed
// struct rather than a map keeps the byte encoding stable.
type wirePayload struct {
	ID        string           `json:"id"`
	Type      string           `json:"type"`
	OwnerID   string           `json:"owner_id"`
	Timestamp string           `json:"timestamp"`
	Data      domain.EventData `json:"data"`
}

func buildPayload(event *domain.GeofenceEvent) ([]byte, error) {
	return json.Marshal(wirePayload{
		ID:        event.ID,
		Type:      event.Type,
		OwnerID:   event.OwnerID,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
		Data:      event.Data,
	})
}
