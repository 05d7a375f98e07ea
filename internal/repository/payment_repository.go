package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// PaymentRepository records external payment-capture facts. Payments are never
// fabricated internally; rows originate from verified provider events only.
type PaymentRepository struct {
	db *database.DB
}

// NewPaymentRepository creates a new payment repository.
func NewPaymentRepository(db *database.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `
	id, external_payment_id, customer_id, partner_id, deal_id,
	amount, status, is_first_successful, captured_at, refunded_at, refund_amount,
	created_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	p := &Payment{}
	err := row.Scan(
		&p.ID,
		&p.ExternalPaymentID,
		&p.CustomerID,
		&p.PartnerID,
		&p.DealID,
		&p.Amount,
		&p.Status,
		&p.IsFirstSuccessful,
		&p.CapturedAt,
		&p.RefundedAt,
		&p.RefundAmount,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// RecordCapture inserts a captured payment, deriving is_first_successful from
// the customer's prior captured payments inside the same transaction so
// concurrent deliveries for one customer cannot both claim "first".
func (r *PaymentRepository) RecordCapture(ctx context.Context, p *Payment) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Serialize per customer so two concurrent captures cannot both read
		// a zero prior count.
		if _, err := tx.Exec(ctx, `SELECT 1 FROM clients WHERE id = $1 FOR UPDATE`, p.CustomerID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock customer row")
		}

		var priorCount int64
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM payments
			WHERE customer_id = $1 AND status = 'captured'
		`, p.CustomerID).Scan(&priorCount)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to count prior payments")
		}
		p.IsFirstSuccessful = priorCount == 0

		err = tx.QueryRow(ctx, `
			INSERT INTO payments (external_payment_id, customer_id, partner_id, deal_id,
			                      amount, status, is_first_successful, captured_at)
			VALUES ($1, $2, $3, $4, $5, 'captured', $6, $7)
			RETURNING id, created_at
		`, p.ExternalPaymentID, p.CustomerID, p.PartnerID, p.DealID,
			p.Amount, p.IsFirstSuccessful, p.CapturedAt,
		).Scan(&p.ID, &p.CreatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return errors.Conflict("payment already recorded for external id " + p.ExternalPaymentID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to record payment capture")
		}

		if p.IsFirstSuccessful {
			_, err = tx.Exec(ctx, `
				UPDATE clients SET first_successful_payment_at = $2
				WHERE id = $1 AND first_successful_payment_at IS NULL
			`, p.CustomerID, p.CapturedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to stamp first successful payment")
			}
		}
		return nil
	})
}

// GetByExternalID retrieves a payment by the provider's payment ID.
func (r *PaymentRepository) GetByExternalID(ctx context.Context, externalID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE external_payment_id = $1`

	p, err := scanPayment(r.db.QueryRow(ctx, query, externalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("payment", externalID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get payment")
	}
	return p, nil
}

// MarkRefunded records refund facts on a captured payment. Refund amount
// accumulates across partial refunds; a full refund flips status to refunded.
func (r *PaymentRepository) MarkRefunded(ctx context.Context, paymentID string, refundAmount int64, isFullRefund bool, refundedAt time.Time) error {
	query := `
		UPDATE payments
		SET refund_amount = COALESCE(refund_amount, 0) + $2,
		    refunded_at = $3,
		    status = CASE WHEN $4 THEN 'refunded' ELSE status END
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, paymentID, refundAmount, refundedAt, isFullRefund).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("payment", paymentID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark payment refunded")
	}
	return nil
}
