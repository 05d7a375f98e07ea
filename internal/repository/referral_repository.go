package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cynergists/be-partner-commissions/internal/database"
	"github.com/cynergists/be-partner-commissions/internal/errors"
)

// ReferralRepository handles referral and deal-matching data operations.
type ReferralRepository struct {
	db *database.DB
}

// NewReferralRepository creates a new referral repository.
func NewReferralRepository(db *database.DB) *ReferralRepository {
	return &ReferralRepository{db: db}
}

// Create inserts a new referral row.
func (r *ReferralRepository) Create(ctx context.Context, ref *Referral) error {
	query := `
		INSERT INTO referrals (partner_id, deal_id, lead_email, lead_phone, lead_company,
		                       first_name, last_name, status, duplicate, source,
		                       utm_source, utm_medium, utm_campaign, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		ref.PartnerID,
		ref.DealID,
		ref.LeadEmail,
		ref.LeadPhone,
		ref.LeadCompany,
		ref.FirstName,
		ref.LastName,
		ref.Status,
		ref.Duplicate,
		ref.Source,
		ref.UTMSource,
		ref.UTMMedium,
		ref.UTMCampaign,
		ref.IPAddress,
		ref.UserAgent,
	).Scan(&ref.ID, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create referral")
	}
	return nil
}

// GetByID retrieves a referral by ID.
func (r *ReferralRepository) GetByID(ctx context.Context, id string) (*Referral, error) {
	query := `
		SELECT id, partner_id, deal_id, lead_email, lead_phone, lead_company,
		       first_name, last_name, status, duplicate, source,
		       utm_source, utm_medium, utm_campaign, ip_address, user_agent,
		       created_at, updated_at
		FROM referrals
		WHERE id = $1
	`

	ref := &Referral{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&ref.ID,
		&ref.PartnerID,
		&ref.DealID,
		&ref.LeadEmail,
		&ref.LeadPhone,
		&ref.LeadCompany,
		&ref.FirstName,
		&ref.LastName,
		&ref.Status,
		&ref.Duplicate,
		&ref.Source,
		&ref.UTMSource,
		&ref.UTMMedium,
		&ref.UTMCampaign,
		&ref.IPAddress,
		&ref.UserAgent,
		&ref.CreatedAt,
		&ref.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("referral", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get referral")
	}
	return ref, nil
}

// FindDuplicate looks for the partner's most recent referral inside the
// trailing window matching the normalized email or normalized phone. An empty
// normalized phone never matches. Returns nil when there is no duplicate.
func (r *ReferralRepository) FindDuplicate(ctx context.Context, partnerID string, email, normalizedPhone *string, since time.Time) (*Referral, error) {
	query := `
		SELECT id, partner_id, deal_id, lead_email, lead_phone, lead_company,
		       first_name, last_name, status, duplicate, source,
		       utm_source, utm_medium, utm_campaign, ip_address, user_agent,
		       created_at, updated_at
		FROM referrals
		WHERE partner_id = $1
		  AND created_at > $2
		  AND (
		       ($3::TEXT IS NOT NULL AND LOWER(lead_email) = LOWER($3))
		    OR ($4::TEXT IS NOT NULL AND $4 != ''
		        AND regexp_replace(COALESCE(lead_phone, ''), '[^0-9]', '', 'g') = $4)
		  )
		ORDER BY created_at DESC
		LIMIT 1
	`

	ref := &Referral{}
	err := r.db.QueryRow(ctx, query, partnerID, since, email, normalizedPhone).Scan(
		&ref.ID,
		&ref.PartnerID,
		&ref.DealID,
		&ref.LeadEmail,
		&ref.LeadPhone,
		&ref.LeadCompany,
		&ref.FirstName,
		&ref.LastName,
		&ref.Status,
		&ref.Duplicate,
		&ref.Source,
		&ref.UTMSource,
		&ref.UTMMedium,
		&ref.UTMCampaign,
		&ref.IPAddress,
		&ref.UserAgent,
		&ref.CreatedAt,
		&ref.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to search duplicate referrals")
	}
	return ref, nil
}

// FindMatchingDeal resolves a deal by email, then normalized phone, then
// company name (case-insensitive). First match wins; the match type used is
// returned alongside the deal ID. Returns ("", "") when nothing matches.
func (r *ReferralRepository) FindMatchingDeal(ctx context.Context, email, normalizedPhone, company *string) (dealID, matchType string, err error) {
	if email != nil && *email != "" {
		err = r.db.QueryRow(ctx, `
			SELECT id FROM partner_deals
			WHERE LOWER(client_email) = LOWER($1)
			LIMIT 1
		`, *email).Scan(&dealID)
		if err == nil {
			return dealID, "email", nil
		}
		if err != pgx.ErrNoRows {
			return "", "", errors.Wrap(err, errors.ErrCodeInternal, "failed to match deal by email")
		}
	}

	if normalizedPhone != nil && *normalizedPhone != "" {
		err = r.db.QueryRow(ctx, `
			SELECT id FROM partner_deals
			WHERE client_phone IS NOT NULL
			  AND regexp_replace(client_phone, '[^0-9]', '', 'g') = $1
			LIMIT 1
		`, *normalizedPhone).Scan(&dealID)
		if err == nil {
			return dealID, "phone", nil
		}
		if err != pgx.ErrNoRows {
			return "", "", errors.Wrap(err, errors.ErrCodeInternal, "failed to match deal by phone")
		}
	}

	if company != nil && *company != "" {
		err = r.db.QueryRow(ctx, `
			SELECT id FROM partner_deals
			WHERE client_company IS NOT NULL AND client_company != ''
			  AND LOWER(client_company) = LOWER($1)
			LIMIT 1
		`, *company).Scan(&dealID)
		if err == nil {
			return dealID, "company", nil
		}
		if err != pgx.ErrNoRows {
			return "", "", errors.Wrap(err, errors.ErrCodeInternal, "failed to match deal by company")
		}
	}

	return "", "", nil
}

// AppendDealTimeline appends one JSONB entry to a deal's timeline.
func (r *ReferralRepository) AppendDealTimeline(ctx context.Context, dealID string, entry map[string]any) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal timeline entry")
	}

	_, err = r.db.Exec(ctx, `
		UPDATE partner_deals
		SET timeline = COALESCE(timeline, '[]'::jsonb) || $2::jsonb
		WHERE id = $1
	`, dealID, payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append deal timeline")
	}
	return nil
}

// RecordAttributionEvent stores an inbound submission for audit, including
// rejected and duplicate ones.
func (r *ReferralRepository) RecordAttributionEvent(ctx context.Context, partnerSlug, ipAddress string, blocked bool, blockReason *string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO attribution_events (partner_slug, ip_address, blocked, block_reason)
		VALUES ($1, $2, $3, $4)
	`, partnerSlug, ipAddress, blocked, blockReason)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record attribution event")
	}
	return nil
}
