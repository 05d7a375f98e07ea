package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// ErrCommissionExists signals that the per-customer partial unique index
// rejected an insert. Callers treat it as "already exists" and re-read.
var ErrCommissionExists = errors.Conflict("active commission already exists for customer")

// CommissionRepository handles commission ledger operations.
type CommissionRepository struct {
	db *database.DB
}

// NewCommissionRepository creates a new commission repository.
func NewCommissionRepository(db *database.DB) *CommissionRepository {
	return &CommissionRepository{db: db}
}

const commissionColumns = `
	id, partner_id, customer_id, deal_id, payment_id,
	commission_rate, gross_amount, net_amount, status,
	earned_at, payable_at, paid_at, clawback_eligible_until,
	payout_id, notes, created_at, updated_at`

func scanCommission(row pgx.Row) (*Commission, error) {
	c := &Commission{}
	err := row.Scan(
		&c.ID,
		&c.PartnerID,
		&c.CustomerID,
		&c.DealID,
		&c.PaymentID,
		&c.CommissionRate,
		&c.GrossAmount,
		&c.NetAmount,
		&c.Status,
		&c.EarnedAt,
		&c.PayableAt,
		&c.PaidAt,
		&c.ClawbackEligibleUntil,
		&c.PayoutID,
		&c.Notes,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Create inserts a commission. The partial unique index on customer_id
// (WHERE status NOT IN ('disputed', 'clawed_back')) makes concurrent duplicate
// inserts lose cleanly; the loser receives ErrCommissionExists.
func (r *CommissionRepository) Create(ctx context.Context, c *Commission) error {
	query := `
		INSERT INTO partner_commissions (partner_id, customer_id, deal_id, payment_id,
		                                 commission_rate, gross_amount, net_amount, status,
		                                 earned_at, payable_at, clawback_eligible_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		c.PartnerID,
		c.CustomerID,
		c.DealID,
		c.PaymentID,
		c.CommissionRate,
		c.GrossAmount,
		c.NetAmount,
		c.Status,
		c.EarnedAt,
		c.PayableAt,
		c.ClawbackEligibleUntil,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrCommissionExists
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create commission")
	}
	return nil
}

// GetByID retrieves a commission by ID.
func (r *CommissionRepository) GetByID(ctx context.Context, id string) (*Commission, error) {
	query := `SELECT ` + commissionColumns + ` FROM partner_commissions WHERE id = $1`

	c, err := scanCommission(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("commission", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get commission")
	}
	return c, nil
}

// FindActiveByCustomer returns the customer's commission outside the
// terminal-negative statuses, or nil when none exists.
func (r *CommissionRepository) FindActiveByCustomer(ctx context.Context, customerID string) (*Commission, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM partner_commissions
		WHERE customer_id = $1 AND status NOT IN ('disputed', 'clawed_back')
		LIMIT 1
	`

	c, err := scanCommission(r.db.QueryRow(ctx, query, customerID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find commission by customer")
	}
	return c, nil
}

// FindByPaymentID returns the commission tied to a payment, or nil.
func (r *CommissionRepository) FindByPaymentID(ctx context.Context, paymentID string) (*Commission, error) {
	query := `
		SELECT ` + commissionColumns + `
		FROM partner_commissions
		WHERE payment_id = $1
		LIMIT 1
	`

	c, err := scanCommission(r.db.QueryRow(ctx, query, paymentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find commission by payment")
	}
	return c, nil
}

// ApplyClawback atomically applies a clawback decision: status, amounts, and
// an appended note in one statement. Notes accumulate, never overwrite.
func (r *CommissionRepository) ApplyClawback(ctx context.Context, id, status string, grossAmount, netAmount int64, note string) error {
	query := `
		UPDATE partner_commissions
		SET status = $2,
		    gross_amount = $3,
		    net_amount = $4,
		    notes = COALESCE(notes, '') || $5,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, grossAmount, netAmount, note).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("commission", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply clawback")
	}
	return nil
}

// AppendNote appends an informational note without touching balances.
func (r *CommissionRepository) AppendNote(ctx context.Context, id, note string) error {
	query := `
		UPDATE partner_commissions
		SET notes = COALESCE(notes, '') || $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, note).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("commission", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append commission note")
	}
	return nil
}

// PromoteDuePayable promotes earned commissions whose payable_at has passed
// and whose underlying payment is not refunded. Returns the number promoted.
func (r *CommissionRepository) PromoteDuePayable(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE partner_commissions pc
		SET status = 'payable', updated_at = NOW()
		FROM payments p
		WHERE pc.payment_id = p.id
		  AND pc.status = 'earned'
		  AND pc.payable_at <= $1
		  AND p.status != 'refunded'
	`

	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to promote commissions to payable")
	}
	return tag.RowsAffected(), nil
}

// ClaimForPayout is the batcher's claim operation: a conditional update on
// payout_id IS NULL that assigns the given payout to every eligible commission
// and returns the claimed rows. Two concurrent batchers for the same partner
// cannot both claim a commission; the condition makes the claim atomic.
func (r *CommissionRepository) ClaimForPayout(ctx context.Context, partnerID, payoutID string, payoutDate time.Time) ([]*Commission, error) {
	query := `
		UPDATE partner_commissions
		SET payout_id = $2, updated_at = NOW()
		WHERE partner_id = $1
		  AND status IN ('earned', 'payable')
		  AND payable_at <= $3
		  AND payout_id IS NULL
		RETURNING ` + commissionColumns

	rows, err := r.db.Query(ctx, query, partnerID, payoutID, payoutDate)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim commissions for payout")
	}
	defer rows.Close()

	var claimed []*Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan claimed commission")
		}
		claimed = append(claimed, c)
	}
	return claimed, nil
}

// ReleaseByPayout clears payout_id on every unpaid commission the payout
// claimed. Used to undo a claim when the batch fails to materialize.
func (r *CommissionRepository) ReleaseByPayout(ctx context.Context, payoutID string) (int64, error) {
	query := `
		UPDATE partner_commissions
		SET payout_id = NULL, updated_at = NOW()
		WHERE payout_id = $1 AND status != 'paid'
	`

	tag, err := r.db.Exec(ctx, query, payoutID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to release commissions from payout")
	}
	return tag.RowsAffected(), nil
}

// CountEligibleForPayout is the batcher's cheap pre-check so empty batches are
// never created.
func (r *CommissionRepository) CountEligibleForPayout(ctx context.Context, partnerID string, payoutDate time.Time) (int64, error) {
	query := `
		SELECT COUNT(*) FROM partner_commissions
		WHERE partner_id = $1
		  AND status IN ('earned', 'payable')
		  AND payable_at <= $2
		  AND payout_id IS NULL
	`

	var count int64
	if err := r.db.QueryRow(ctx, query, partnerID, payoutDate).Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count eligible commissions")
	}
	return count, nil
}

// ListPartnersWithEligible returns partner IDs that have at least one
// commission ready for batching. The sweeper iterates this set.
func (r *CommissionRepository) ListPartnersWithEligible(ctx context.Context, payoutDate time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT partner_id FROM partner_commissions
		WHERE status IN ('earned', 'payable')
		  AND payable_at <= $1
		  AND payout_id IS NULL
	`

	rows, err := r.db.Query(ctx, query, payoutDate)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list partners with eligible commissions")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan partner id")
		}
		ids = append(ids, id)
	}
	return ids, nil
}
