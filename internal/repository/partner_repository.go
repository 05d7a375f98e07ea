package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// PartnerRepository handles partner data operations.
type PartnerRepository struct {
	db *database.DB
}

// NewPartnerRepository creates a new partner repository.
func NewPartnerRepository(db *database.DB) *PartnerRepository {
	return &PartnerRepository{db: db}
}

const partnerColumns = `
	id, slug, company_name, contact_email, commission_rate,
	partner_status, risk_score, risk_level, has_fraud_flag, fraud_notes,
	created_at, updated_at`

func scanPartner(row pgx.Row) (*Partner, error) {
	p := &Partner{}
	err := row.Scan(
		&p.ID,
		&p.Slug,
		&p.CompanyName,
		&p.ContactEmail,
		&p.CommissionRate,
		&p.Status,
		&p.RiskScore,
		&p.RiskLevel,
		&p.HasFraudFlag,
		&p.FraudNotes,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByID retrieves a partner by ID.
func (r *PartnerRepository) GetByID(ctx context.Context, id string) (*Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners WHERE id = $1`

	p, err := scanPartner(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("partner", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get partner")
	}
	return p, nil
}

// GetBySlug retrieves a partner by its public referral slug.
func (r *PartnerRepository) GetBySlug(ctx context.Context, slug string) (*Partner, error) {
	query := `SELECT ` + partnerColumns + ` FROM partners WHERE slug = $1`

	p, err := scanPartner(r.db.QueryRow(ctx, query, slug))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("partner", slug)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get partner by slug")
	}
	return p, nil
}

// UpdateRisk writes the recomputed risk score and level.
func (r *PartnerRepository) UpdateRisk(ctx context.Context, id string, score int, level string) error {
	query := `
		UPDATE partners
		SET risk_score = $2, risk_level = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, score, level).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("partner", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update partner risk")
	}
	return nil
}

// SuspendCascadeResult summarizes a fraud suspension cascade.
type SuspendCascadeResult struct {
	ReportsDisabled int64
	NotificationID  string
}

// SuspendForFraud suspends a partner and applies the full cascade in one
// transaction: status + fraud flag + appended fraud note, every active report
// schedule disabled, one audit entry, one critical notification row. A
// half-applied cascade is never visible.
func (r *PartnerRepository) SuspendForFraud(ctx context.Context, partnerID, reason string, riskScore int, noteStamp string) (*SuspendCascadeResult, error) {
	result := &SuspendCascadeResult{}

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		note := fmt.Sprintf("\n[%s] Auto-suspended: %s", noteStamp, reason)

		tag, err := tx.Exec(ctx, `
			UPDATE partners
			SET partner_status = 'suspended',
			    risk_score = $3,
			    risk_level = 'high',
			    has_fraud_flag = TRUE,
			    fraud_notes = COALESCE(fraud_notes, '') || $2,
			    updated_at = NOW()
			WHERE id = $1
		`, partnerID, note, riskScore)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to suspend partner")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("partner", partnerID)
		}

		tag, err = tx.Exec(ctx, `
			UPDATE partner_scheduled_reports
			SET is_active = FALSE
			WHERE partner_id = $1 AND is_active = TRUE
		`, partnerID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to disable report schedules")
		}
		result.ReportsDisabled = tag.RowsAffected()

		newValue, err := json.Marshal(map[string]any{
			"risk_score": riskScore,
			"reason":     reason,
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit payload")
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO partner_audit_logs (partner_id, action, resource_type, resource_id, new_value)
			VALUES ($1, 'auto_suspended_fraud', 'partner', $1, $2)
		`, partnerID, newValue)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to write suspension audit entry")
		}

		details := fmt.Sprintf("Partner ID: %s. Reason: %s", partnerID, reason)
		err = tx.QueryRow(ctx, `
			INSERT INTO notifications (severity, category, title, details, resource_type, resource_id)
			VALUES ('critical', 'fraud', 'Partner auto-suspended for fraud', $1, 'partner', $2)
			RETURNING id
		`, details, partnerID).Scan(&result.NotificationID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create suspension notification")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetDashboardStats aggregates a partner's referral, deal, commission and
// next-payout standing.
func (r *PartnerRepository) GetDashboardStats(ctx context.Context, partnerID string) (*DashboardStats, error) {
	query := `
		WITH referral_stats AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status IN ('qualified', 'converted', 'accepted')) AS qualified,
				COUNT(*) FILTER (WHERE status = 'new') AS pending,
				COUNT(*) FILTER (WHERE created_at > NOW() - INTERVAL '30 days') AS last_30_days
			FROM referrals
			WHERE partner_id = $1
		),
		deal_stats AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE stage IN ('new', 'in_progress')) AS open,
				COUNT(*) FILTER (WHERE stage = 'closed_won') AS won,
				COALESCE(SUM(deal_value) FILTER (WHERE stage = 'closed_won'), 0) AS total_value
			FROM partner_deals
			WHERE partner_id = $1
		),
		commission_stats AS (
			SELECT
				COALESCE(SUM(net_amount) FILTER (WHERE status = 'pending'), 0) AS pending,
				COALESCE(SUM(net_amount) FILTER (WHERE status = 'earned'), 0) AS earned,
				COALESCE(SUM(net_amount) FILTER (WHERE status = 'payable'), 0) AS payable,
				COALESCE(SUM(net_amount) FILTER (WHERE status = 'paid'), 0) AS paid,
				COALESCE(SUM(net_amount) FILTER (WHERE status = 'paid'
					AND EXTRACT(YEAR FROM paid_at) = EXTRACT(YEAR FROM NOW())), 0) AS ytd
			FROM partner_commissions
			WHERE partner_id = $1
		),
		next_payout AS (
			SELECT batch_date, total_amount
			FROM partner_payouts
			WHERE partner_id = $1 AND status IN ('scheduled', 'ready')
			ORDER BY batch_date ASC
			LIMIT 1
		)
		SELECT
			r.total, r.qualified, r.pending, r.last_30_days,
			d.total, d.open, d.won, d.total_value,
			c.pending, c.earned, c.payable, c.paid, c.ytd,
			np.batch_date, COALESCE(np.total_amount, 0)
		FROM referral_stats r, deal_stats d, commission_stats c
		LEFT JOIN next_payout np ON TRUE
	`

	stats := &DashboardStats{}
	err := r.db.QueryRow(ctx, query, partnerID).Scan(
		&stats.TotalReferrals,
		&stats.QualifiedReferrals,
		&stats.PendingReferrals,
		&stats.ReferralsLast30Days,
		&stats.TotalDeals,
		&stats.OpenDeals,
		&stats.ClosedWonDeals,
		&stats.TotalDealValue,
		&stats.PendingCommissions,
		&stats.EarnedCommissions,
		&stats.PayableCommissions,
		&stats.PaidCommissions,
		&stats.PaidYTD,
		&stats.NextPayoutDate,
		&stats.NextPayoutAmount,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get dashboard stats")
	}
	return stats, nil
}
