package repository

import (
	"context"
	"time"

	"github.com/hanibalsk/geohook/internal/domain"
)

type DeliveryRepository interface {
	Create(ctx context.Context, rec *domain.Delivery) error
	// CreateBatch inserts records in one round trip and returns the subset
	// actually inserted; records whose (webhook, event) pair already has a
	// lineage are dropped.
	CreateBatch(ctx context.Context, recs []*domain.Delivery) ([]*domain.Delivery, error)
	GetByID(ctx context.Context, id string) (*domain.Delivery, error)
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Delivery, error)
	Update(ctx context.Context, rec *domain.Delivery) error
	UpdateBatch(ctx context.Context, recs []*domain.Delivery) error
	// ClaimDue transfers ownership of due pending records to the caller for
	// the duration of the lease; overlapping cycles cannot claim the same
	// record until the lease expires.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Delivery, error)
}

type WebhookRepository interface {
	Create(ctx context.Context, webhook *domain.Webhook) error
	GetByID(ctx context.Context, id string) (*domain.Webhook, error)
	ListEnabledByOwner(ctx context.Context, ownerID string) ([]*domain.Webhook, error)
	// ResetFailureState clears consecutive_failures and circuit_open_until.
	ResetFailureState(ctx context.Context, id string) error
	// MarkFailure increments consecutive_failures and, when the new count
	// reaches threshold, sets circuit_open_until = openUntil, all in one
	// atomic statement. Returns the resulting breaker state.
	MarkFailure(ctx context.Context, id string, threshold int, openUntil time.Time) (int, *time.Time, error)
}
