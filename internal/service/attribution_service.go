package service

import (
	"context"
	"strings"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// duplicateWindow is how far back the dedup search looks for a matching lead
// under the same partner.
const duplicateWindow = 30 * 24 * time.Hour

// AttributionService handles inbound referral submissions: rate limiting,
// duplicate detection, deal matching, and attribution-event recording.
type AttributionService struct {
	referrals ReferralStore
	partners  PartnerStore
	limiter   RateLimiter
	log       *logger.Logger
	now       func() time.Time
}

// NewAttributionService creates a new attribution service.
func NewAttributionService(referrals ReferralStore, partners PartnerStore, limiter RateLimiter, log *logger.Logger) *AttributionService {
	return &AttributionService{
		referrals: referrals,
		partners:  partners,
		limiter:   limiter,
		log:       log,
		now:       time.Now,
	}
}

// ReferralSubmission is one inbound lead from a partner's referral form.
type ReferralSubmission struct {
	PartnerSlug string
	FirstName   string
	LastName    string
	Email       string
	Phone       string
	Company     string
	Source      string
	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	IPAddress   string
	UserAgent   string
}

// SubmissionResult reports what happened to one submission.
type SubmissionResult struct {
	ReferralID    string
	Duplicate     bool
	MatchedDealID string
	MatchType     string
}

// SubmitReferral processes one referral submission. Rate-limited submissions
// are rejected before any referral row is written; the only record kept is a
// blocked attribution event. A lead matching an existing referral for the same
// partner within the duplicate window returns the existing referral ID with
// Duplicate set instead of creating a second row. A lead matching an open deal
// gets linked to it with a timeline entry on the deal.
func (s *AttributionService) SubmitReferral(ctx context.Context, sub *ReferralSubmission) (*SubmissionResult, error) {
	if sub.PartnerSlug == "" {
		return nil, errors.InvalidInput("partner_slug", "is required")
	}
	if sub.Email == "" && sub.Phone == "" {
		return nil, errors.InvalidInput("email", "at least one of email or phone is required")
	}

	verdict, err := s.limiter.Check(ctx, sub.IPAddress, sub.PartnerSlug)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		reason := verdict.Reason
		if recErr := s.referrals.RecordAttributionEvent(ctx, sub.PartnerSlug, sub.IPAddress, true, &reason); recErr != nil {
			s.log.Error().Err(recErr).Msg("Failed to record blocked attribution event")
		}
		s.log.Warn().
			Str("partner_slug", sub.PartnerSlug).
			Str("ip_address", sub.IPAddress).
			Str("reason", reason).
			Msg("Referral submission rate limited")
		return nil, errors.New(errors.ErrCodeFailedPrecondition, "submission rate limit exceeded")
	}

	partner, err := s.partners.GetBySlug(ctx, sub.PartnerSlug)
	if err != nil {
		return nil, err
	}

	email := optional(strings.TrimSpace(sub.Email))
	phone := optional(NormalizePhone(sub.Phone))
	company := optional(strings.TrimSpace(sub.Company))

	since := s.now().Add(-duplicateWindow)
	existing, err := s.referrals.FindDuplicate(ctx, partner.ID, email, phone, since)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.referrals.RecordAttributionEvent(ctx, sub.PartnerSlug, sub.IPAddress, false, nil); err != nil {
			s.log.Error().Err(err).Msg("Failed to record attribution event")
		}
		s.log.Info().
			Str("referral_id", existing.ID).
			Str("partner_id", partner.ID).
			Msg("Duplicate referral detected, returning existing")
		return &SubmissionResult{ReferralID: existing.ID, Duplicate: true}, nil
	}

	dealID, matchType, err := s.referrals.FindMatchingDeal(ctx, email, phone, company)
	if err != nil {
		return nil, err
	}

	referral := &repository.Referral{
		PartnerID:   partner.ID,
		LeadEmail:   email,
		LeadPhone:   phone,
		LeadCompany: company,
		FirstName:   optional(sub.FirstName),
		LastName:    optional(sub.LastName),
		Status:      repository.ReferralStatusNew,
		Source:      sub.Source,
		UTMSource:   optional(sub.UTMSource),
		UTMMedium:   optional(sub.UTMMedium),
		UTMCampaign: optional(sub.UTMCampaign),
		IPAddress:   optional(sub.IPAddress),
		UserAgent:   optional(sub.UserAgent),
	}
	if referral.Source == "" {
		referral.Source = "form_submit"
	}
	if dealID != "" {
		referral.DealID = &dealID
		referral.Status = repository.ReferralStatusNeedsApproval
	}

	if err := s.referrals.Create(ctx, referral); err != nil {
		return nil, err
	}

	if dealID != "" {
		entry := map[string]any{
			"type":        "referral_matched",
			"referral_id": referral.ID,
			"match_type":  matchType,
			"matched_at":  s.now().UTC().Format(time.RFC3339),
		}
		if err := s.referrals.AppendDealTimeline(ctx, dealID, entry); err != nil {
			s.log.Error().Err(err).Str("deal_id", dealID).Msg("Failed to append deal timeline entry")
		}
	}

	if err := s.referrals.RecordAttributionEvent(ctx, sub.PartnerSlug, sub.IPAddress, false, nil); err != nil {
		s.log.Error().Err(err).Msg("Failed to record attribution event")
	}

	s.log.Info().
		Str("referral_id", referral.ID).
		Str("partner_id", partner.ID).
		Str("match_type", matchType).
		Msg("Referral created")

	return &SubmissionResult{
		ReferralID:    referral.ID,
		MatchedDealID: dealID,
		MatchType:     matchType,
	}, nil
}

// NormalizePhone strips everything but digits so that formatting differences
// never defeat duplicate detection. Empty input stays empty and never matches.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// optional maps an empty string to nil for nullable columns.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
