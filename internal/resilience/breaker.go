// Package resilience provides the circuit breaker, rate limiting and
// concurrency control used to protect webhook destinations from overload.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/domain"
)

// Circuit Breaker
//
// Breaker state lives on the webhook row itself (consecutive_failures and
// circuit_open_until), not in process memory. Dispatcher and worker instances
// therefore share one view of a destination's health, and the state survives
// restarts. There is no half-open state: the circuit closes when
// circuit_open_until passes, and the next attempt decides what happens next.
//
//	[closed] ---(failure threshold reached)---> [open until now+OpenDuration]
//	[open] ---(circuit_open_until passes)---> [closed]
//	any successful delivery resets the count and closes the circuit

// BreakerStore persists breaker state transitions. Implementations must apply
// each transition as a single atomic update so concurrent workers recording
// outcomes for the same webhook never lose an increment.
type BreakerStore interface {
	// MarkFailure increments the webhook's consecutive failure count and,
	// when the new count reaches threshold, stamps circuit_open_until with
	// openUntil. Returns the stored count and open-until after the update.
	MarkFailure(ctx context.Context, webhookID string, threshold int, openUntil time.Time) (int, *time.Time, error)
	// ResetFailureState clears the count and open-until. The decision what
	// to write is made against the stored row; rows already clean need no
	// write.
	ResetFailureState(ctx context.Context, webhookID string) error
}

// BreakerConfig defines when circuits open and for how long.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// OpenDuration is how long an opened circuit stays open.
	OpenDuration time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     5 * time.Minute,
	}
}

// CircuitBreaker tracks consecutive delivery failures per webhook and opens
// the circuit once the configured threshold is reached. While a circuit is
// open no delivery attempts are made against the destination.
type CircuitBreaker struct {
	store  BreakerStore
	config BreakerConfig
	clock  clock.Clock
	logger *slog.Logger
}

func NewCircuitBreaker(store BreakerStore, config BreakerConfig, clk clock.Clock, logger *slog.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.OpenDuration <= 0 {
		config.OpenDuration = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CircuitBreaker{
		store:  store,
		config: config,
		clock:  clk,
		logger: logger,
	}
}

// Open reports whether the webhook's circuit is currently open.
func (b *CircuitBreaker) Open(webhook *domain.Webhook) bool {
	return webhook.CircuitOpen(b.clock.Now())
}

// OpenUntil returns the instant the webhook's circuit closes again. Only
// meaningful when Open reports true.
func (b *CircuitBreaker) OpenUntil(webhook *domain.Webhook) time.Time {
	if webhook.CircuitOpenUntil == nil {
		return b.clock.Now()
	}
	return *webhook.CircuitOpenUntil
}

// RecordSuccess clears the webhook's failure state after a successful
// delivery and closes the circuit. The reset always goes to the store even
// when the loaded webhook looks clean: another worker may have recorded
// failures since this row was read, and a streak that straddles a success is
// no longer consecutive. The store skips the write for rows that are clean.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, webhook *domain.Webhook) error {
	if err := b.store.ResetFailureState(ctx, webhook.ID); err != nil {
		return fmt.Errorf("resetting failure state for webhook %s: %w", webhook.ID, err)
	}

	webhook.ConsecutiveFailures = 0
	webhook.CircuitOpenUntil = nil
	return nil
}

// RecordFailure increments the webhook's consecutive failure count, opening
// the circuit when the count reaches the threshold. The webhook is mutated to
// match the stored state. Reports whether the circuit is open after this
// failure.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, webhook *domain.Webhook) (bool, error) {
	openUntil := b.clock.Now().Add(b.config.OpenDuration)

	failures, until, err := b.store.MarkFailure(ctx, webhook.ID, b.config.FailureThreshold, openUntil)
	if err != nil {
		return false, fmt.Errorf("marking failure for webhook %s: %w", webhook.ID, err)
	}

	webhook.ConsecutiveFailures = failures
	webhook.CircuitOpenUntil = until

	opened := failures >= b.config.FailureThreshold
	if opened {
		b.logger.Warn("circuit opened",
			"webhook_id", webhook.ID,
			"consecutive_failures", failures,
			"open_until", until,
		)
	}
	return opened, nil
}
