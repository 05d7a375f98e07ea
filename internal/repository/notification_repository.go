package repository

import (
	"context"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// NotificationRepository stores operational alerts for the admin surface. The
// NATS publisher carries the same events to ops consumers; this table is the
// durable copy.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new notification repository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts one notification row.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (severity, category, title, details, resource_type, resource_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.QueryRow(ctx, query,
		n.Severity, n.Category, n.Title, n.Details, n.ResourceType, n.ResourceID,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}
	return nil
}

// UnresolvedCount returns the number of open notifications.
func (r *NotificationRepository) UnresolvedCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications WHERE resolved_at IS NULL
	`).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count unresolved notifications")
	}
	return count, nil
}

// CriticalCount returns the number of open critical notifications.
func (r *NotificationRepository) CriticalCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM notifications WHERE resolved_at IS NULL AND severity = 'critical'
	`).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count critical notifications")
	}
	return count, nil
}

// Resolve closes a notification with optional notes.
func (r *NotificationRepository) Resolve(ctx context.Context, id, resolvedBy string, notes *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications
		SET resolved_at = NOW(), resolved_by = $2, resolution_notes = $3
		WHERE id = $1 AND resolved_at IS NULL
	`, id, resolvedBy, notes)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve notification")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("notification", id)
	}
	return nil
}
