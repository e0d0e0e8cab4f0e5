// Package worker implements the retry half of the delivery pipeline.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│   Worker 1  │     │   Worker 2  │     │   Worker N  │
//	└──────┬──────┘     └──────┬──────┘     └──────┬──────┘
//	       │                   │                   │
//	       └───────────────────┼───────────────────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │  Claim due  │  (FOR UPDATE SKIP LOCKED)
//	                    └──────┬──────┘
//	                           │
//	                    ┌──────▼──────┐
//	                    │  PostgreSQL │
//	                    └─────────────┘
//
// The Pool manages a configurable number of worker goroutines that:
//  1. Claim due delivery records under a lease (FOR UPDATE SKIP LOCKED)
//  2. Re-check webhook state: missing or disabled targets cancel the record
//  3. Gate on breaker state and per-destination limits
//  4. Hand surviving records to the attempter for one signed HTTP attempt
//
// Claims are atomic, so overlapping pollers and multiple instances never
// process the same record twice within a lease. A worker that dies mid-batch
// simply lets its leases lapse; the records come due again on their own.
package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/delivery"
	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/observability"
	"github.com/hanibalsk/geohook/internal/repository"
	"github.com/hanibalsk/geohook/internal/repository/postgres"
	"github.com/hanibalsk/geohook/internal/resilience"
)

// Config defines worker pool parameters.
//
// Workers: Number of concurrent retry goroutines.
// PollInterval: How often each worker checks for due records.
// BatchSize: Maximum records to claim per poll.
// ClaimLease: How long a claim shields a record from other pollers.
// ThrottleDelay: Deferral applied to rate-limited or contended records.
// RateLimit: Per-webhook request ceiling handed to the rate limiter.
type Config struct {
	Workers       int
	PollInterval  time.Duration
	BatchSize     int
	ClaimLease    time.Duration
	ThrottleDelay time.Duration
	RateLimit     int
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		PollInterval:  time.Second,
		BatchSize:     25,
		ClaimLease:    30 * time.Second,
		ThrottleDelay: time.Second,
		RateLimit:     100,
	}
}

// Pool manages worker goroutines that drive due delivery records to a
// terminal state. Use NewPool to create, then call Start to begin processing.
// Call Stop for graceful shutdown.
type Pool struct {
	config     Config
	deliveries repository.DeliveryRepository
	webhooks   repository.WebhookRepository
	attempter  *delivery.Attempter
	breaker    *resilience.CircuitBreaker
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	rateLimiter resilience.RateLimiter
	semaphore   resilience.Semaphore

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool with the given dependencies.
// Use WithMetrics and WithResilience to add optional features.
func NewPool(
	config Config,
	deliveries repository.DeliveryRepository,
	webhooks repository.WebhookRepository,
	attempter *delivery.Attempter,
	breaker *resilience.CircuitBreaker,
	clk clock.Clock,
	logger *slog.Logger,
) *Pool {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		config:     config,
		deliveries: deliveries,
		webhooks:   webhooks,
		attempter:  attempter,
		breaker:    breaker,
		clock:      clk,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// WithResilience enables rate limiting and per-destination concurrency
// control. Either may be nil. Both accept interfaces, so in-memory and
// Redis-backed implementations are interchangeable.
func (p *Pool) WithResilience(rl resilience.RateLimiter, sem resilience.Semaphore) *Pool {
	p.rateLimiter = rl
	p.semaphore = sem
	return p
}

func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("worker pool started", "workers", p.config.Workers)
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("worker shutting down", "worker_id", id)
			return
		case <-ticker.C:
			p.processDue(ctx, id)
		}
	}
}

func (p *Pool) processDue(ctx context.Context, workerID int) {
	recs, err := p.deliveries.ClaimDue(ctx, p.clock.Now(), p.config.ClaimLease, p.config.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to claim due deliveries", "error", err, "worker_id", workerID)
		}
		return
	}

	if p.metrics != nil && len(recs) > 0 {
		p.metrics.ClaimedBatchSize.Observe(float64(len(recs)))
	}

	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		p.process(ctx, rec)
	}
}

// process drives one claimed record: records whose webhook disappeared or was
// disabled are cancelled, gated ones are deferred, the rest get an attempt.
// Trouble with one record never touches the others in the batch.
func (p *Pool) process(ctx context.Context, rec *domain.Delivery) {
	now := p.clock.Now()

	webhook, err := p.webhooks.GetByID(ctx, rec.WebhookID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			p.cancelRecord(ctx, rec, "webhook deleted", now)
			return
		}
		// Transient lookup trouble: leave the record claimed, the lease
		// lapses and a later cycle picks it up again.
		p.logger.Error("failed to load webhook", "error", err, "delivery_id", rec.ID, "webhook_id", rec.WebhookID)
		return
	}

	if !webhook.Enabled {
		p.cancelRecord(ctx, rec, "webhook disabled", now)
		return
	}

	if p.breaker.Open(webhook) {
		p.deferRecord(ctx, rec, p.breaker.OpenUntil(webhook), now, "circuit open")
		return
	}

	if p.rateLimiter != nil {
		allowed, rlErr := p.rateLimiter.Allow(ctx, webhook.ID, p.config.RateLimit)
		if rlErr != nil {
			p.logger.Warn("rate limiter error", "error", rlErr, "webhook_id", webhook.ID)
		}
		if !allowed {
			if p.metrics != nil {
				p.metrics.RateLimiterRejections.WithLabelValues(webhook.ID).Inc()
			}
			p.deferRecord(ctx, rec, now.Add(p.config.ThrottleDelay), now, "rate limited")
			return
		}
	}

	if p.semaphore != nil {
		acquired, semErr := p.semaphore.Acquire(ctx, webhook.ID)
		if semErr != nil {
			p.logger.Warn("semaphore error", "error", semErr, "webhook_id", webhook.ID)
		}
		if semErr == nil && !acquired {
			p.deferRecord(ctx, rec, now.Add(p.config.ThrottleDelay), now, "destination at concurrency limit")
			return
		}
		if acquired {
			defer func() {
				if err := p.semaphore.Release(ctx, webhook.ID); err != nil {
					p.logger.Warn("semaphore release failed", "error", err, "webhook_id", webhook.ID)
				}
			}()
		}
	}

	if err := p.attempter.Attempt(ctx, rec, webhook); err != nil {
		p.logger.Error("failed to persist attempt outcome", "error", err, "delivery_id", rec.ID)
	}
}

// cancelRecord finalizes a record whose webhook no longer accepts deliveries.
// The terminal state is explicit so the lineage does not sit pending forever.
func (p *Pool) cancelRecord(ctx context.Context, rec *domain.Delivery, reason string, now time.Time) {
	rec.Cancel(reason, now)
	if err := p.deliveries.Update(ctx, rec); err != nil {
		p.logger.Error("failed to cancel delivery", "error", err, "delivery_id", rec.ID)
		return
	}
	p.logger.Info("delivery cancelled",
		"delivery_id", rec.ID,
		"webhook_id", rec.WebhookID,
		"reason", reason,
	)
	if p.metrics != nil {
		p.metrics.DeliveriesCancelled.Inc()
	}
}

// deferRecord pushes the record's due time forward without an attempt.
func (p *Pool) deferRecord(ctx context.Context, rec *domain.Delivery, until, now time.Time, reason string) {
	rec.Defer(until, now)
	if err := p.deliveries.Update(ctx, rec); err != nil {
		p.logger.Error("failed to defer delivery", "error", err, "delivery_id", rec.ID)
		return
	}
	p.logger.Debug("delivery deferred",
		"delivery_id", rec.ID,
		"webhook_id", rec.WebhookID,
		"reason", reason,
		"next_retry_at", until,
	)
	if p.metrics != nil {
		p.metrics.DeliveriesDeferred.Inc()
	}
}
