package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanibalsk/geohook/internal/domain"
)

const webhookColumns = `id, owner_id, target_url, secret, event_types, enabled,
	       consecutive_failures, circuit_open_until, created_at, updated_at`

type WebhookRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookRepository(pool *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{pool: pool}
}

func (r *WebhookRepository) Create(ctx context.Context, webhook *domain.Webhook) error {
	const query = `
		INSERT INTO webhooks (id, owner_id, target_url, secret, event_types, enabled,
		                      consecutive_failures, circuit_open_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.pool.Exec(ctx, query,
		webhook.ID,
		webhook.OwnerID,
		webhook.TargetURL,
		webhook.Secret,
		webhook.EventTypes,
		webhook.Enabled,
		webhook.ConsecutiveFailures,
		webhook.CircuitOpenUntil,
		webhook.CreatedAt,
		webhook.UpdatedAt,
	)
	return err
}

func (r *WebhookRepository) GetByID(ctx context.Context, id string) (*domain.Webhook, error) {
	const query = `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`

	webhook, err := scanWebhook(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return webhook, nil
}

func (r *WebhookRepository) ListEnabledByOwner(ctx context.Context, ownerID string) ([]*domain.Webhook, error) {
	const query = `
		SELECT ` + webhookColumns + `
		FROM webhooks
		WHERE owner_id = $1 AND enabled
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var webhooks []*domain.Webhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, webhook)
	}
	return webhooks, rows.Err()
}

func (r *WebhookRepository) ResetFailureState(ctx context.Context, id string) error {
	const query = `
		UPDATE webhooks
		SET consecutive_failures = 0, circuit_open_until = NULL, updated_at = NOW()
		WHERE id = $1 AND (consecutive_failures <> 0 OR circuit_open_until IS NOT NULL)
	`

	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// MarkFailure is the breaker's atomic read-modify-write: the increment and
// the conditional open happen in one statement, so concurrent attempts
// against the same webhook cannot lose counts or race the threshold check.
func (r *WebhookRepository) MarkFailure(ctx context.Context, id string, threshold int, openUntil time.Time) (int, *time.Time, error) {
	const query = `
		UPDATE webhooks
		SET consecutive_failures = consecutive_failures + 1,
		    circuit_open_until = CASE
		        WHEN consecutive_failures + 1 >= $2 THEN $3
		        ELSE circuit_open_until
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING consecutive_failures, circuit_open_until
	`

	var failures int
	var until *time.Time
	err := r.pool.QueryRow(ctx, query, id, threshold, openUntil).Scan(&failures, &until)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return failures, until, nil
}

func scanWebhook(row pgx.Row) (*domain.Webhook, error) {
	var webhook domain.Webhook
	err := row.Scan(
		&webhook.ID,
		&webhook.OwnerID,
		&webhook.TargetURL,
		&webhook.Secret,
		&webhook.EventTypes,
		&webhook.Enabled,
		&webhook.ConsecutiveFailures,
		&webhook.CircuitOpenUntil,
		&webhook.CreatedAt,
		&webhook.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &webhook, nil
}
