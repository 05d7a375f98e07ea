package service

import (
	"context"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// RiskService maintains partner risk scores and runs the suspension cascade
// when a partner crosses the high-risk threshold.
type RiskService struct {
	partners        PartnerStore
	notifier        Notifier
	mediumThreshold int
	highThreshold   int
	log             *logger.Logger
	now             func() time.Time
}

// NewRiskService creates a new risk service.
func NewRiskService(partners PartnerStore, notifier Notifier, mediumThreshold, highThreshold int, log *logger.Logger) *RiskService {
	return &RiskService{
		partners:        partners,
		notifier:        notifier,
		mediumThreshold: mediumThreshold,
		highThreshold:   highThreshold,
		log:             log,
		now:             time.Now,
	}
}

// RiskUpdateResult reports the partner's standing after a score adjustment.
type RiskUpdateResult struct {
	PartnerID     string
	NewScore      int
	NewLevel      string
	WasSuspended  bool
	ReportsHalted int64
}

// UpdatePartnerRisk applies a signed delta to the partner's risk score,
// flooring at zero, and recomputes the risk level. A partner entering the
// high band while not already suspended triggers the suspension cascade in a
// single transaction: status suspended, fraud flag set, fraud note appended,
// every active scheduled report disabled, one audit entry, one critical
// notification. Already-suspended partners only get the score update.
func (s *RiskService) UpdatePartnerRisk(ctx context.Context, partnerID string, delta int, reason string) (*RiskUpdateResult, error) {
	partner, err := s.partners.GetByID(ctx, partnerID)
	if err != nil {
		return nil, err
	}

	newScore := partner.RiskScore + delta
	if newScore < 0 {
		newScore = 0
	}
	newLevel := s.riskLevel(newScore)

	result := &RiskUpdateResult{
		PartnerID: partnerID,
		NewScore:  newScore,
		NewLevel:  newLevel,
	}

	if newLevel == repository.RiskLevelHigh && partner.Status != repository.PartnerStatusSuspended {
		stamp := s.now().UTC().Format("2006-01-02 15:04")
		cascade, err := s.partners.SuspendForFraud(ctx, partnerID, reason, newScore, stamp)
		if err != nil {
			return nil, err
		}
		result.WasSuspended = true
		result.ReportsHalted = cascade.ReportsDisabled

		s.notifier.Publish(&client.NotificationEvent{
			EventType:    "partner_suspended",
			Severity:     repository.SeverityCritical,
			Category:     "fraud",
			Title:        "Partner auto-suspended for high risk",
			Details:      reason,
			PartnerID:    partnerID,
			ResourceType: "partner",
			ResourceID:   partnerID,
			Payload: map[string]any{
				"risk_score":       newScore,
				"reports_disabled": cascade.ReportsDisabled,
			},
		})

		s.log.Warn().
			Str("partner_id", partnerID).
			Int("risk_score", newScore).
			Int64("reports_disabled", cascade.ReportsDisabled).
			Str("reason", reason).
			Msg("Partner auto-suspended for high risk")

		return result, nil
	}

	if err := s.partners.UpdateRisk(ctx, partnerID, newScore, newLevel); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("partner_id", partnerID).
		Int("old_score", partner.RiskScore).
		Int("new_score", newScore).
		Str("risk_level", newLevel).
		Str("reason", reason).
		Msg("Partner risk score updated")

	return result, nil
}

func (s *RiskService) riskLevel(score int) string {
	switch {
	case score >= s.highThreshold:
		return repository.RiskLevelHigh
	case score >= s.mediumThreshold:
		return repository.RiskLevelMedium
	default:
		return repository.RiskLevelLow
	}
}
