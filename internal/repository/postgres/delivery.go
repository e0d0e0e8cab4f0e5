package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hanibalsk/geohook/internal/domain"
)

var ErrNotFound = errors.New("not found")

const deliveryColumns = `id, webhook_id, event_id, event_type, payload, status, attempts,
	       last_attempt_at, next_retry_at, response_code, error_message, created_at, updated_at`

// The partial unique index on (webhook_id, event_id) keeps one lineage per
// pair, so redelivered ingestion (Kafka at-least-once) inserts nothing.
const insertDeliveryQuery = `
	INSERT INTO deliveries (id, webhook_id, event_id, event_type, payload, status, attempts,
	                        last_attempt_at, next_retry_at, response_code, error_message, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (webhook_id, event_id) WHERE event_id IS NOT NULL DO NOTHING
`

// Terminal records are immutable; the status guard makes that a store
// property instead of a caller convention.
const updateDeliveryQuery = `
	UPDATE deliveries
	SET status = $2, attempts = $3, last_attempt_at = $4, next_retry_at = $5,
	    response_code = $6, error_message = $7, updated_at = $8
	WHERE id = $1 AND status = 'pending'
`

type DeliveryRepository struct {
	pool *pgxpool.Pool
}

func NewDeliveryRepository(pool *pgxpool.Pool) *DeliveryRepository {
	return &DeliveryRepository{pool: pool}
}

func (r *DeliveryRepository) Create(ctx context.Context, rec *domain.Delivery) error {
	_, err := r.pool.Exec(ctx, insertDeliveryQuery, insertDeliveryArgs(rec)...)
	return err
}

func (r *DeliveryRepository) CreateBatch(ctx context.Context, recs []*domain.Delivery) ([]*domain.Delivery, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(insertDeliveryQuery, insertDeliveryArgs(rec)...)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	inserted := make([]*domain.Delivery, 0, len(recs))
	for _, rec := range recs {
		tag, err := br.Exec()
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, rec)
		}
	}
	return inserted, nil
}

func insertDeliveryArgs(rec *domain.Delivery) []interface{} {
	return []interface{}{
		rec.ID,
		rec.WebhookID,
		rec.EventID,
		rec.EventType,
		[]byte(rec.Payload),
		rec.Status,
		rec.Attempts,
		rec.LastAttemptAt,
		rec.NextRetryAt,
		rec.ResponseCode,
		rec.ErrorMessage,
		rec.CreatedAt,
		rec.UpdatedAt,
	}
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	const query = `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	rec, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByWebhook returns the most recent records first; it backs the
// management plane's delivery-history reads.
func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*domain.Delivery, error) {
	const query = `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE webhook_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, webhookID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func (r *DeliveryRepository) Update(ctx context.Context, rec *domain.Delivery) error {
	_, err := r.pool.Exec(ctx, updateDeliveryQuery, updateDeliveryArgs(rec)...)
	return err
}

func (r *DeliveryRepository) UpdateBatch(ctx context.Context, recs []*domain.Delivery) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(updateDeliveryQuery, updateDeliveryArgs(rec)...)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for range recs {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func updateDeliveryArgs(rec *domain.Delivery) []interface{} {
	return []interface{}{
		rec.ID,
		rec.Status,
		rec.Attempts,
		rec.LastAttemptAt,
		rec.NextRetryAt,
		rec.ResponseCode,
		rec.ErrorMessage,
		rec.UpdatedAt,
	}
}

// ClaimDue picks up due pending records and, in the same statement, pushes
// next_retry_at to now+lease. A claimed record is invisible to overlapping
// cycles until its lease lapses; a crashed worker therefore only delays the
// record, never loses it.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*domain.Delivery, error) {
	const query = `
		UPDATE deliveries
		SET next_retry_at = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
			ORDER BY next_retry_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING ` + deliveryColumns

	rows, err := r.pool.Query(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

func scanDeliveries(rows pgx.Rows) ([]*domain.Delivery, error) {
	var recs []*domain.Delivery
	for rows.Next() {
		rec, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanDelivery(row pgx.Row) (*domain.Delivery, error) {
	var rec domain.Delivery
	var payload []byte
	err := row.Scan(
		&rec.ID,
		&rec.WebhookID,
		&rec.EventID,
		&rec.EventType,
		&payload,
		&rec.Status,
		&rec.Attempts,
		&rec.LastAttemptAt,
		&rec.NextRetryAt,
		&rec.ResponseCode,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}
