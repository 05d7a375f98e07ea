package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// Dispute statuses.
const (
	DisputeStatusOpen     = "open"
	DisputeStatusUpheld   = "upheld"
	DisputeStatusRejected = "rejected"
)

// DisputeRepository stores commission disputes and the commission state
// transitions they drive.
type DisputeRepository struct {
	db *database.DB
}

// NewDisputeRepository creates a new dispute repository.
func NewDisputeRepository(db *database.DB) *DisputeRepository {
	return &DisputeRepository{db: db}
}

// GetByID retrieves a dispute by ID.
func (r *DisputeRepository) GetByID(ctx context.Context, id string) (*Dispute, error) {
	query := `
		SELECT id, commission_id, reason, prior_status, status, opened_at, resolved_at
		FROM disputes WHERE id = $1
	`

	d := &Dispute{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.CommissionID, &d.Reason, &d.PriorStatus, &d.Status, &d.OpenedAt, &d.ResolvedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("dispute", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get dispute")
	}
	return d, nil
}

// Open records a dispute and freezes the commission in one transaction. The
// commission's current status is snapshotted so a rejected dispute can restore
// it.
func (r *DisputeRepository) Open(ctx context.Context, commissionID, reason string) (*Dispute, error) {
	d := &Dispute{CommissionID: commissionID, Reason: reason, Status: DisputeStatusOpen}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var currentStatus string
		err := tx.QueryRow(ctx, `
			SELECT status FROM partner_commissions WHERE id = $1 FOR UPDATE
		`, commissionID).Scan(&currentStatus)
		if err == pgx.ErrNoRows {
			return errors.NotFound("commission", commissionID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock commission")
		}
		if currentStatus == CommissionStatusDisputed {
			return errors.Conflict("commission is already disputed")
		}
		if currentStatus == CommissionStatusClawedBack {
			return errors.StateError("cannot dispute a clawed-back commission")
		}
		d.PriorStatus = currentStatus

		if _, err := tx.Exec(ctx, `
			UPDATE partner_commissions SET status = 'disputed', updated_at = NOW() WHERE id = $1
		`, commissionID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark commission disputed")
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO disputes (commission_id, reason, prior_status, status)
			VALUES ($1, $2, $3, 'open')
			RETURNING id, opened_at
		`, commissionID, reason, d.PriorStatus).Scan(&d.ID, &d.OpenedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert dispute")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve closes an open dispute. An upheld dispute claws the commission back;
// a rejected one restores the snapshotted prior status. Both legs run in one
// transaction.
func (r *DisputeRepository) Resolve(ctx context.Context, disputeID, outcome, note string) (*Dispute, error) {
	if outcome != DisputeStatusUpheld && outcome != DisputeStatusRejected {
		return nil, errors.InvalidInput("outcome", "must be upheld or rejected")
	}

	d := &Dispute{ID: disputeID, Status: outcome}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE disputes SET status = $2, resolved_at = NOW()
			WHERE id = $1 AND status = 'open'
			RETURNING commission_id, reason, prior_status, opened_at, resolved_at
		`, disputeID, outcome).Scan(&d.CommissionID, &d.Reason, &d.PriorStatus, &d.OpenedAt, &d.ResolvedAt)
		if err == pgx.ErrNoRows {
			return errors.StateError("dispute is not open")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve dispute")
		}

		var commissionUpdate string
		if outcome == DisputeStatusUpheld {
			commissionUpdate = `
				UPDATE partner_commissions
				SET status = 'clawed_back', net_amount = 0,
				    notes = COALESCE(notes, '') || $2, updated_at = NOW()
				WHERE id = $1 AND status = 'disputed'
			`
		} else {
			commissionUpdate = `
				UPDATE partner_commissions
				SET status = $3, notes = COALESCE(notes, '') || $2, updated_at = NOW()
				WHERE id = $1 AND status = 'disputed'
			`
		}

		args := []any{d.CommissionID, note}
		if outcome == DisputeStatusRejected {
			args = append(args, d.PriorStatus)
		}
		if _, err := tx.Exec(ctx, commissionUpdate, args...); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update disputed commission")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
