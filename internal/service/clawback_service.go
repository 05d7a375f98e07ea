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

// ClawbackService reacts to refund events by reducing or voiding the
// commission tied to the refunded payment.
type ClawbackService struct {
	commissions CommissionStore
	audit       AuditLog
	notifier    Notifier
	log         *logger.Logger
	now         func() time.Time
}

// NewClawbackService creates a new clawback service.
func NewClawbackService(commissions CommissionStore, audit AuditLog, notifier Notifier, log *logger.Logger) *ClawbackService {
	return &ClawbackService{
		commissions: commissions,
		audit:       audit,
		notifier:    notifier,
		log:         log,
		now:         time.Now,
	}
}

// ProcessClawback applies a refund to the commission tied to the payment.
// Inside the clawback window a full refund voids the commission and a partial
// refund recomputes it from the reduced gross; outside the window only an
// informational note is appended. net_amount never goes negative. The
// operation is a no-op when no commission exists for the payment.
func (s *ClawbackService) ProcessClawback(ctx context.Context, payment *repository.Payment, refundAmount int64, isFullRefund bool) (*repository.Commission, error) {
	commission, err := s.commissions.FindByPaymentID(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	if commission == nil {
		s.log.Debug().Str("payment_id", payment.ID).Msg("No commission for refunded payment, nothing to claw back")
		return nil, nil
	}

	if commission.Status == repository.CommissionStatusClawedBack {
		return nil, errors.StateError("commission is already clawed back")
	}
	if commission.Status == repository.CommissionStatusPaid {
		// A refund against an already-paid-out commission cannot silently
		// adjust the ledger; ops resolves it via the dispute flow.
		note := fmt.Sprintf("\n[%s] Refund of $%s received after commission was paid out - manual review required",
			s.stamp(), formatCents(refundAmount))
		if err := s.commissions.AppendNote(ctx, commission.ID, note); err != nil {
			return nil, err
		}
		s.notifier.Publish(&client.NotificationEvent{
			EventType:    "commission_refund_after_payout",
			Severity:     repository.SeverityWarning,
			Category:     "commission",
			Title:        "Refund received for paid-out commission",
			PartnerID:    commission.PartnerID,
			ResourceType: "commission",
			ResourceID:   commission.ID,
		})
		return commission, nil
	}

	withinWindow := !s.now().After(commission.ClawbackEligibleUntil)
	if !withinWindow {
		note := fmt.Sprintf("\n[%s] Refund of $%s occurred after clawback window - no adjustment",
			s.stamp(), formatCents(refundAmount))
		if err := s.commissions.AppendNote(ctx, commission.ID, note); err != nil {
			return nil, err
		}
		s.log.Info().
			Str("commission_id", commission.ID).
			Int64("refund_amount", refundAmount).
			Msg("Refund outside clawback window, note appended only")
		return commission, nil
	}

	if isFullRefund {
		note := fmt.Sprintf("\n[%s] Full refund of $%s - commission clawed back",
			s.stamp(), formatCents(refundAmount))
		if err := s.commissions.ApplyClawback(ctx, commission.ID,
			repository.CommissionStatusClawedBack, commission.GrossAmount, commission.NetAmount, note); err != nil {
			return nil, err
		}
		commission.Status = repository.CommissionStatusClawedBack
		return commission, s.recordClawback(ctx, commission, refundAmount, "full_refund")
	}

	newGross := commission.GrossAmount - refundAmount
	newNet := applyRate(newGross, commission.CommissionRate)

	if newNet <= 0 {
		note := fmt.Sprintf("\n[%s] Partial refund of $%s reduced commission to $0 - clawed back",
			s.stamp(), formatCents(refundAmount))
		if err := s.commissions.ApplyClawback(ctx, commission.ID,
			repository.CommissionStatusClawedBack, commission.GrossAmount, 0, note); err != nil {
			return nil, err
		}
		commission.Status = repository.CommissionStatusClawedBack
		commission.NetAmount = 0
		return commission, s.recordClawback(ctx, commission, refundAmount, "partial_refund_to_zero")
	}

	note := fmt.Sprintf("\n[%s] Partial refund of $%s - commission reduced from $%s to $%s",
		s.stamp(), formatCents(refundAmount), formatCents(commission.NetAmount), formatCents(newNet))
	if err := s.commissions.ApplyClawback(ctx, commission.ID,
		commission.Status, newGross, newNet, note); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("commission_id", commission.ID).
		Int64("refund_amount", refundAmount).
		Int64("old_net", commission.NetAmount).
		Int64("new_net", newNet).
		Msg("Commission reduced for partial refund")

	commission.GrossAmount = newGross
	commission.NetAmount = newNet
	return commission, nil
}

func (s *ClawbackService) recordClawback(ctx context.Context, commission *repository.Commission, refundAmount int64, reason string) error {
	if err := s.audit.Append(ctx, &repository.AuditEntry{
		PartnerID:    commission.PartnerID,
		Action:       "commission_clawed_back",
		ResourceType: "commission",
		ResourceID:   &commission.ID,
		NewValue: map[string]any{
			"refund_amount": refundAmount,
			"reason":        reason,
		},
	}); err != nil {
		return err
	}

	s.notifier.Publish(&client.NotificationEvent{
		EventType:    "commission_clawed_back",
		Severity:     repository.SeverityWarning,
		Category:     "commission",
		Title:        "Commission clawed back",
		PartnerID:    commission.PartnerID,
		ResourceType: "commission",
		ResourceID:   commission.ID,
		Payload:      map[string]any{"refund_amount": refundAmount, "reason": reason},
	})

	s.log.Info().
		Str("commission_id", commission.ID).
		Int64("refund_amount", refundAmount).
		Str("reason", reason).
		Msg("Commission clawed back")
	return nil
}

func (s *ClawbackService) stamp() string {
	return s.now().UTC().Format("2006-01-02 15:04")
}

// formatCents renders an amount in cents as a dollar string for notes.
func formatCents(cents int64) string {
	return fmt.Sprintf("%.2f", float64(cents)/100)
}
