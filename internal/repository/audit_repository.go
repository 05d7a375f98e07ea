package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// AuditRepository appends and reads immutable partner audit log entries. The
// table is append-only; Append is the only mutation exposed.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	oldValue, newValue, err := marshalAuditValues(entry)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO partner_audit_logs (partner_id, action, resource_type, resource_id, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err = r.db.QueryRow(ctx, query,
		entry.PartnerID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		oldValue,
		newValue,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByPartner returns a partner's audit trail inside a time range,
// oldest-first.
func (r *AuditRepository) ListByPartner(ctx context.Context, partnerID string, from, to time.Time) ([]*AuditEntry, error) {
	query := `
		SELECT id, partner_id, action, resource_type, resource_id, old_value, new_value, created_at
		FROM partner_audit_logs
		WHERE partner_id = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, partnerID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByResource returns the audit trail of a single resource, oldest-first.
func (r *AuditRepository) ListByResource(ctx context.Context, resourceType, resourceID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, partner_id, action, resource_type, resource_id, old_value, new_value, created_at
		FROM partner_audit_logs
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, resourceType, resourceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list resource audit entries")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var oldValue, newValue []byte

		err := rows.Scan(
			&entry.ID,
			&entry.PartnerID,
			&entry.Action,
			&entry.ResourceType,
			&entry.ResourceID,
			&oldValue,
			&newValue,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}

		if oldValue != nil {
			if err := json.Unmarshal(oldValue, &entry.OldValue); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit old_value")
			}
		}
		if newValue != nil {
			if err := json.Unmarshal(newValue, &entry.NewValue); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit new_value")
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func marshalAuditValues(entry *AuditEntry) (oldValue, newValue []byte, err error) {
	if entry.OldValue != nil {
		oldValue, err = json.Marshal(entry.OldValue)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit old_value")
		}
	}
	if entry.NewValue != nil {
		newValue, err = json.Marshal(entry.NewValue)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit new_value")
		}
	}
	return oldValue, newValue, nil
}
