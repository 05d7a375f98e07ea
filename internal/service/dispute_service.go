package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// DisputeService freezes commissions under dispute and applies the resolution
// outcome. A disputed commission is invisible to payout batching and gets
// removed from pending payouts at reconcile time.
type DisputeService struct {
	disputes    DisputeStore
	commissions CommissionStore
	audit       AuditLog
	notifier    Notifier
	log         *logger.Logger
	now         func() time.Time
}

// NewDisputeService creates a new dispute service.
func NewDisputeService(disputes DisputeStore, commissions CommissionStore, audit AuditLog, notifier Notifier, log *logger.Logger) *DisputeService {
	return &DisputeService{
		disputes:    disputes,
		commissions: commissions,
		audit:       audit,
		notifier:    notifier,
		log:         log,
		now:         time.Now,
	}
}

// OpenDispute freezes a commission and records the dispute. Paid commissions
// can be disputed; the eventual resolution decides whether money moves back.
func (s *DisputeService) OpenDispute(ctx context.Context, commissionID, reason string) (*repository.Dispute, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "is required")
	}

	commission, err := s.commissions.GetByID(ctx, commissionID)
	if err != nil {
		return nil, err
	}

	dispute, err := s.disputes.Open(ctx, commissionID, reason)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Append(ctx, &repository.AuditEntry{
		PartnerID:    commission.PartnerID,
		Action:       "commission_disputed",
		ResourceType: "commission",
		ResourceID:   &commissionID,
		OldValue:     map[string]any{"status": dispute.PriorStatus},
		NewValue:     map[string]any{"status": repository.CommissionStatusDisputed, "reason": reason},
	}); err != nil {
		return nil, err
	}

	s.notifier.Publish(&client.NotificationEvent{
		EventType:    "commission_disputed",
		Severity:     repository.SeverityWarning,
		Category:     "commission",
		Title:        "Commission disputed",
		Details:      reason,
		PartnerID:    commission.PartnerID,
		ResourceType: "commission",
		ResourceID:   commissionID,
	})

	s.log.Info().
		Str("dispute_id", dispute.ID).
		Str("commission_id", commissionID).
		Str("prior_status", dispute.PriorStatus).
		Msg("Dispute opened")

	return dispute, nil
}

// ResolveDispute closes an open dispute. Upheld claws the commission back with
// a zeroed net amount; rejected restores the status the commission held when
// the dispute opened.
func (s *DisputeService) ResolveDispute(ctx context.Context, disputeID, outcome string) (*repository.Dispute, error) {
	note := fmt.Sprintf("\n[%s] Dispute %s", s.now().UTC().Format("2006-01-02 15:04"), outcome)

	dispute, err := s.disputes.Resolve(ctx, disputeID, outcome, note)
	if err != nil {
		return nil, err
	}

	commission, err := s.commissions.GetByID(ctx, dispute.CommissionID)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Append(ctx, &repository.AuditEntry{
		PartnerID:    commission.PartnerID,
		Action:       "dispute_resolved",
		ResourceType: "commission",
		ResourceID:   &dispute.CommissionID,
		NewValue:     map[string]any{"outcome": outcome, "status": commission.Status},
	}); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("dispute_id", dispute.ID).
		Str("commission_id", dispute.CommissionID).
		Str("outcome", outcome).
		Msg("Dispute resolved")

	return dispute, nil
}
