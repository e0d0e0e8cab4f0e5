package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Delivery is one attempt lineage for one (webhook, event) pair. The payload
// is captured at creation and never rebuilt, so every retry transmits the
// exact bytes the signature was computed over.
type Delivery struct {
	ID            string          `json:"id"`
	WebhookID     string          `json:"webhook_id"`
	EventID       *string         `json:"event_id,omitempty"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        DeliveryStatus  `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ResponseCode  *int            `json:"response_code,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func NewDeliveryID() string {
	return "dlv_" + uuid.NewString()
}

// NewDelivery builds a pending record awaiting its first attempt. The caller
// books next_retry_at via Defer before persisting so an unattempted record
// always comes due somewhere.
func NewDelivery(webhookID string, event *GeofenceEvent, payload []byte, now time.Time) *Delivery {
	var eventID *string
	if event.ID != "" {
		id := event.ID
		eventID = &id
	}
	return &Delivery{
		ID:        NewDeliveryID(),
		WebhookID: webhookID,
		EventID:   eventID,
		EventType: event.Type,
		Payload:   payload,
		Status:    DeliveryStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (d *Delivery) Terminal() bool {
	return d.Status == DeliveryStatusSuccess || d.Status == DeliveryStatusFailed
}

func (d *Delivery) CanRetry(maxAttempts int) bool {
	return d.Attempts < maxAttempts
}

// RecordAttempt registers one completed delivery attempt. Skips caused by an
// open circuit or a rate limit never go through here, so attempts counts only
// real transmissions.
func (d *Delivery) RecordAttempt(now time.Time, responseCode *int, errorMessage *string) {
	d.Attempts++
	d.LastAttemptAt = &now
	d.ResponseCode = responseCode
	d.ErrorMessage = errorMessage
	d.UpdatedAt = now
}

func (d *Delivery) MarkSucceeded() {
	d.Status = DeliveryStatusSuccess
	d.NextRetryAt = nil
}

// ScheduleRetry keeps the record pending and books the next attempt time.
func (d *Delivery) ScheduleRetry(next time.Time) {
	d.Status = DeliveryStatusPending
	d.NextRetryAt = &next
}

func (d *Delivery) MarkFailed() {
	d.Status = DeliveryStatusFailed
	d.NextRetryAt = nil
}

// Defer books the next due time without consuming an attempt: the
// dispatcher's inline-attempt window on fresh records, an open circuit, or
// rate-limit backpressure.
func (d *Delivery) Defer(until, now time.Time) {
	d.NextRetryAt = &until
	d.UpdatedAt = now
}

// Cancel finalizes the record as failed without a further attempt, used when
// the owning webhook disappears or is disabled mid-flight. Cancelled records
// stay visible to history reads for audit.
func (d *Delivery) Cancel(reason string, now time.Time) {
	d.Status = DeliveryStatusFailed
	d.ErrorMessage = &reason
	d.NextRetryAt = nil
	d.UpdatedAt = now
}
