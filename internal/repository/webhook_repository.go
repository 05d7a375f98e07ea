package repository

import (
	"context"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// WebhookRepository persists inbound events. (provider, idempotency_key) is
// unique; the insert is the idempotency gate for the whole intake pipeline.
type WebhookRepository struct {
	db *database.DB
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db *database.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Insert persists a received event. A duplicate delivery returns
// (duplicate=true, nil) after bumping replay_count on the original row; no
// other side effects occur.
func (r *WebhookRepository) Insert(ctx context.Context, evt *WebhookEvent) (duplicate bool, err error) {
	query := `
		INSERT INTO webhook_events (provider, idempotency_key, event_type, payload, status)
		VALUES ($1, $2, $3, $4, 'received')
		RETURNING id, received_at
	`

	err = r.db.QueryRow(ctx, query,
		evt.Provider, evt.IdempotencyKey, evt.EventType, evt.Payload,
	).Scan(&evt.ID, &evt.ReceivedAt)
	if err == nil {
		evt.Status = WebhookStatusReceived
		return false, nil
	}
	if !database.IsUniqueViolation(err) {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert webhook event")
	}

	_, err = r.db.Exec(ctx, `
		UPDATE webhook_events
		SET replay_count = replay_count + 1
		WHERE provider = $1 AND idempotency_key = $2
	`, evt.Provider, evt.IdempotencyKey)
	if err != nil {
		return true, errors.Wrap(err, errors.ErrCodeInternal, "failed to increment replay count")
	}
	return true, nil
}

// MarkProcessed stamps an event as fully handled.
func (r *WebhookRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processed', processed_at = NOW(), error_message = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark webhook processed")
	}
	return nil
}

// MarkFailed records a processing error; the event stays eligible for retry.
func (r *WebhookRepository) MarkFailed(ctx context.Context, id, errorMessage string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'failed', error_message = $2
		WHERE id = $1
	`, id, errorMessage)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark webhook failed")
	}
	return nil
}

// ListFailed returns failed events oldest-first for retry.
func (r *WebhookRepository) ListFailed(ctx context.Context, limit int) ([]*WebhookEvent, error) {
	query := `
		SELECT id, provider, idempotency_key, event_type, payload, status,
		       error_message, replay_count, received_at, processed_at
		FROM webhook_events
		WHERE status = 'failed'
		ORDER BY received_at ASC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list failed webhook events")
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		evt := &WebhookEvent{}
		err := rows.Scan(
			&evt.ID,
			&evt.Provider,
			&evt.IdempotencyKey,
			&evt.EventType,
			&evt.Payload,
			&evt.Status,
			&evt.ErrorMessage,
			&evt.ReplayCount,
			&evt.ReceivedAt,
			&evt.ProcessedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan webhook event")
		}
		events = append(events, evt)
	}
	return events, nil
}
