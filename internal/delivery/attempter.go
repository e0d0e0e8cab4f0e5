// Package delivery executes individual webhook delivery attempts: one signed
// HTTP POST, one recorded outcome. The dispatcher runs attempts inline for
// fresh records and the retry worker runs them for due ones; both go through
// the same Attempter so the wire contract and bookkeeping cannot drift.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hanibalsk/geohook/internal/clock"
	"github.com/hanibalsk/geohook/internal/domain"
	"github.com/hanibalsk/geohook/internal/observability"
	"github.com/hanibalsk/geohook/internal/repository"
	"github.com/hanibalsk/geohook/internal/resilience"
	"github.com/hanibalsk/geohook/internal/retry"
	"github.com/hanibalsk/geohook/internal/signature"
)

// Request headers sent with every delivery.
const (
	HeaderSignature = "X-Geohook-Signature"
	HeaderDelivery  = "X-Geohook-Delivery"
	HeaderEvent     = "X-Geohook-Event"
	HeaderEventType = "X-Geohook-Event-Type"
	HeaderTimestamp = "X-Geohook-Timestamp"
)

// HTTPClient abstracts HTTP operations for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Attempter performs delivery attempts and persists their outcomes.
//
// An attempt is counted the moment the HTTP exchange completes, success or
// not. Success is strictly a 2xx response; every other response code and any
// transport error is a failure, with no distinction between retryable and
// permanent ones. Failed records are rescheduled off the backoff table until
// the attempt limit is reached, then finalized as failed.
type Attempter struct {
	client     HTTPClient
	deliveries repository.DeliveryRepository
	breaker    *resilience.CircuitBreaker
	schedule   retry.Schedule
	clock      clock.Clock
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *observability.Metrics
}

func NewAttempter(
	client HTTPClient,
	deliveries repository.DeliveryRepository,
	breaker *resilience.CircuitBreaker,
	schedule retry.Schedule,
	clk clock.Clock,
	timeout time.Duration,
	logger *slog.Logger,
) *Attempter {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Attempter{
		client:     client,
		deliveries: deliveries,
		breaker:    breaker,
		schedule:   schedule,
		clock:      clk,
		timeout:    timeout,
		logger:     logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (a *Attempter) WithMetrics(m *observability.Metrics) *Attempter {
	a.metrics = m
	return a
}

// Attempt executes one delivery attempt against the webhook and persists the
// outcome. The returned error reflects persistence only: a destination that
// refuses the request is a recorded failure, not an error. Callers inspect
// rec.Status afterwards to learn how the attempt ended.
func (a *Attempter) Attempt(ctx context.Context, rec *domain.Delivery, webhook *domain.Webhook) error {
	start := time.Now()
	responseCode, errorMessage := a.send(ctx, rec, webhook)
	duration := time.Since(start)

	if a.metrics != nil {
		a.metrics.DeliveryAttempts.Inc()
		a.metrics.DeliveryDuration.Observe(duration.Seconds())
	}

	now := a.clock.Now()
	rec.RecordAttempt(now, responseCode, errorMessage)

	succeeded := responseCode != nil && *responseCode >= 200 && *responseCode < 300
	if succeeded {
		rec.MarkSucceeded()
		if err := a.breaker.RecordSuccess(ctx, webhook); err != nil {
			a.logger.Warn("failed to reset breaker state", "error", err, "webhook_id", webhook.ID)
		}
		a.logger.Debug("delivery succeeded",
			"delivery_id", rec.ID,
			"webhook_id", webhook.ID,
			"response_code", *responseCode,
			"attempts", rec.Attempts,
			"duration_ms", duration.Milliseconds(),
		)
		if a.metrics != nil {
			a.metrics.DeliveriesSucceeded.Inc()
		}
	} else {
		opened, err := a.breaker.RecordFailure(ctx, webhook)
		if err != nil {
			a.logger.Warn("failed to record breaker failure", "error", err, "webhook_id", webhook.ID)
		}
		if opened && a.metrics != nil {
			a.metrics.CircuitBreakerTrips.WithLabelValues(webhook.ID).Inc()
		}

		if a.schedule.Exhausted(rec.Attempts) {
			rec.MarkFailed()
			a.logger.Warn("delivery failed permanently",
				"delivery_id", rec.ID,
				"webhook_id", webhook.ID,
				"attempts", rec.Attempts,
				"error", stringValue(errorMessage),
			)
			if a.metrics != nil {
				a.metrics.DeliveriesFailed.Inc()
			}
		} else {
			next := a.schedule.NextRetryAt(now, rec.Attempts)
			rec.ScheduleRetry(next)
			a.logger.Info("delivery attempt failed, retry scheduled",
				"delivery_id", rec.ID,
				"webhook_id", webhook.ID,
				"attempts", rec.Attempts,
				"next_retry_at", next,
				"error", stringValue(errorMessage),
			)
			if a.metrics != nil {
				a.metrics.DeliveriesRetried.Inc()
			}
		}
	}

	if err := a.deliveries.Update(ctx, rec); err != nil {
		return fmt.Errorf("persisting delivery %s: %w", rec.ID, err)
	}
	return nil
}

// send performs the HTTP exchange. It returns the response code when the
// destination answered and a message describing the failure otherwise. The
// payload goes on the wire exactly as stored; the signature covers those same
// bytes.
func (a *Attempter) send(ctx context.Context, rec *domain.Delivery, webhook *domain.Webhook) (*int, *string) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.TargetURL, bytes.NewReader(rec.Payload))
	if err != nil {
		msg := fmt.Sprintf("building request: %v", err)
		return nil, &msg
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature.Header(webhook.Secret, rec.Payload))
	req.Header.Set(HeaderDelivery, rec.ID)
	req.Header.Set(HeaderEventType, rec.EventType)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(a.clock.Now().Unix(), 10))
	if rec.EventID != nil {
		req.Header.Set(HeaderEvent, *rec.EventID)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		msg := err.Error()
		return nil, &msg
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return &code, nil
	}
	msg := fmt.Sprintf("destination responded %d", code)
	return &code, &msg
}

func stringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
