package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// PayoutRepository handles payout batch storage.
type PayoutRepository struct {
	db *database.DB
}

// NewPayoutRepository creates a new payout repository.
func NewPayoutRepository(db *database.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

const payoutColumns = `
	id, partner_id, batch_date, payout_date, period_start, period_end,
	total_amount, commission_count, status, paid_at, created_at, updated_at`

func scanPayout(row pgx.Row) (*Payout, error) {
	p := &Payout{}
	err := row.Scan(
		&p.ID,
		&p.PartnerID,
		&p.BatchDate,
		&p.PayoutDate,
		&p.PeriodStart,
		&p.PeriodEnd,
		&p.TotalAmount,
		&p.CommissionCount,
		&p.Status,
		&p.PaidAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByID retrieves a payout by ID.
func (r *PayoutRepository) GetByID(ctx context.Context, id string) (*Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM partner_payouts WHERE id = $1`

	p, err := scanPayout(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("payout", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payout")
	}
	return p, nil
}

// Insert creates a scheduled payout shell. Totals are written after the claim
// succeeds; a shell that claims nothing is deleted by the batcher.
func (r *PayoutRepository) Insert(ctx context.Context, p *Payout) error {
	query := `
		INSERT INTO partner_payouts (partner_id, batch_date, payout_date, period_start,
		                             period_end, total_amount, commission_count, status)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 'scheduled')
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.PartnerID, p.BatchDate, p.PayoutDate, p.PeriodStart, p.PeriodEnd,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert payout")
	}
	p.Status = PayoutStatusScheduled
	return nil
}

// Delete removes a payout that never materialized: an empty shell after a
// lost claim race, or an aborted batch whose commissions were already
// released. Any items go with it.
func (r *PayoutRepository) Delete(ctx context.Context, id string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM payout_items WHERE payout_id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete payout items")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM partner_payouts WHERE id = $1`, id); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete payout")
		}
		return nil
	})
}

// InsertItems snapshots the claimed commissions as payout items in one
// transaction.
func (r *PayoutRepository) InsertItems(ctx context.Context, payoutID string, commissions []*Commission) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, c := range commissions {
			_, err := tx.Exec(ctx, `
				INSERT INTO payout_items (payout_id, commission_id, amount)
				VALUES ($1, $2, $3)
			`, payoutID, c.ID, c.NetAmount)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert payout item")
			}
		}
		return nil
	})
}

// UpdateTotals writes the recomputed batch totals.
func (r *PayoutRepository) UpdateTotals(ctx context.Context, id string, totalAmount int64, commissionCount int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE partner_payouts
		SET total_amount = $2, commission_count = $3, updated_at = NOW()
		WHERE id = $1
	`, id, totalAmount, commissionCount)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payout totals")
	}
	return nil
}

// UpdateStatus moves a payout between states. State guards live in the
// service; this is the raw write.
func (r *PayoutRepository) UpdateStatus(ctx context.Context, id, status string) error {
	query := `
		UPDATE partner_payouts SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("payout", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update payout status")
	}
	return nil
}

// ItemWithStatus pairs a payout item with its commission's current status, for
// reconciliation.
type ItemWithStatus struct {
	ItemID           string
	CommissionID     string
	Amount           int64
	CommissionStatus string
}

// ListItemsWithStatus returns every item of a payout joined with the current
// commission status.
func (r *PayoutRepository) ListItemsWithStatus(ctx context.Context, payoutID string) ([]*ItemWithStatus, error) {
	query := `
		SELECT pi.id, pi.commission_id, pi.amount, pc.status
		FROM payout_items pi
		JOIN partner_commissions pc ON pi.commission_id = pc.id
		WHERE pi.payout_id = $1
		ORDER BY pi.created_at
	`

	rows, err := r.db.Query(ctx, query, payoutID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list payout items")
	}
	defer rows.Close()

	var items []*ItemWithStatus
	for rows.Next() {
		item := &ItemWithStatus{}
		if err := rows.Scan(&item.ItemID, &item.CommissionID, &item.Amount, &item.CommissionStatus); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan payout item")
		}
		items = append(items, item)
	}
	return items, nil
}

// RemoveItemAndRelease drops one payout item and clears its commission's
// payout link atomically.
func (r *PayoutRepository) RemoveItemAndRelease(ctx context.Context, itemID, commissionID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE partner_commissions SET payout_id = NULL, updated_at = NOW() WHERE id = $1
		`, commissionID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to release commission")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM payout_items WHERE id = $1`, itemID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to remove payout item")
		}
		return nil
	})
}

// MarkPaid sets the payout and every linked commission to paid with the same
// timestamp, and writes the summary audit entry, all in one transaction.
// Returns the number of commissions updated.
func (r *PayoutRepository) MarkPaid(ctx context.Context, payout *Payout, paidAt time.Time) (int64, error) {
	var updated int64

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE partner_payouts
			SET status = 'paid', paid_at = $2, updated_at = NOW()
			WHERE id = $1 AND status IN ('scheduled', 'ready', 'processing')
		`, payout.ID, paidAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark payout paid")
		}
		if tag.RowsAffected() == 0 {
			return errors.StateError("payout is not in a payable state")
		}

		tag, err = tx.Exec(ctx, `
			UPDATE partner_commissions pc
			SET status = 'paid', paid_at = $2, updated_at = NOW()
			FROM payout_items pi
			WHERE pi.payout_id = $1
			  AND pi.commission_id = pc.id
			  AND pc.status != 'paid'
		`, payout.ID, paidAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark commissions paid")
		}
		updated = tag.RowsAffected()

		newValue, err := json.Marshal(map[string]any{
			"commissions_updated": updated,
			"total_amount":        payout.TotalAmount,
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit payload")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO partner_audit_logs (partner_id, action, resource_type, resource_id, new_value)
			VALUES ($1, 'payout_marked_paid', 'payout', $2, $3)
		`, payout.PartnerID, payout.ID, newValue)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write payout audit entry")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// Cancel releases every linked commission, deletes the items, and sets the
// payout to canceled, in one transaction. Returns the number of commissions
// released.
func (r *PayoutRepository) Cancel(ctx context.Context, payout *Payout) (int64, error) {
	var released int64

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE partner_commissions pc
			SET payout_id = NULL, updated_at = NOW()
			FROM payout_items pi
			WHERE pi.payout_id = $1 AND pi.commission_id = pc.id
		`, payout.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to release commissions")
		}
		released = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE partner_payouts
			SET status = 'canceled', updated_at = NOW()
			WHERE id = $1 AND status != 'paid'
		`, payout.ID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel payout")
		}
		if tag.RowsAffected() == 0 {
			return errors.StateError("cannot cancel a paid payout")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM payout_items WHERE payout_id = $1`, payout.ID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete payout items")
		}

		newValue, err := json.Marshal(map[string]any{"commissions_released": released})
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit payload")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO partner_audit_logs (partner_id, action, resource_type, resource_id, new_value)
			VALUES ($1, 'payout_canceled', 'payout', $2, $3)
		`, payout.PartnerID, payout.ID, newValue)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write cancel audit entry")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

// ListByPartner returns a partner's payouts newest-first.
func (r *PayoutRepository) ListByPartner(ctx context.Context, partnerID string, limit int) ([]*Payout, error) {
	query := `
		SELECT ` + payoutColumns + `
		FROM partner_payouts
		WHERE partner_id = $1
		ORDER BY batch_date DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, partnerID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list payouts")
	}
	defer rows.Close()

	var payouts []*Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan payout")
		}
		payouts = append(payouts, p)
	}
	return payouts, nil
}
