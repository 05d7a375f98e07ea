package service

import (
	"context"
	"math"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// CommissionService derives commissions from first qualifying payments and
// promotes them through the earned → payable lifecycle.
type CommissionService struct {
	commissions    CommissionStore
	partners       PartnerStore
	audit          AuditLog
	notifier       Notifier
	schedule       *PayoutSchedule
	defaultRate    float64
	clawbackWindow time.Duration
	log            *logger.Logger
	now            func() time.Time
}

// NewCommissionService creates a new commission service.
func NewCommissionService(
	commissions CommissionStore,
	partners PartnerStore,
	audit AuditLog,
	notifier Notifier,
	schedule *PayoutSchedule,
	defaultRate float64,
	clawbackWindowDays int,
	log *logger.Logger,
) *CommissionService {
	return &CommissionService{
		commissions:    commissions,
		partners:       partners,
		audit:          audit,
		notifier:       notifier,
		schedule:       schedule,
		defaultRate:    defaultRate,
		clawbackWindow: time.Duration(clawbackWindowDays) * 24 * time.Hour,
		log:            log,
		now:            time.Now,
	}
}

// CreateCommissionForPayment creates the commission for a customer's first
// successful payment. Payments without partner attribution or that are not
// the first success are skipped. The operation is idempotent per customer: an
// existing commission outside the terminal-negative statuses is returned
// unchanged, and a lost insert race resolves to the winner's row.
func (s *CommissionService) CreateCommissionForPayment(ctx context.Context, payment *repository.Payment) (*repository.Commission, error) {
	if !payment.IsFirstSuccessful || payment.PartnerID == nil {
		s.log.Debug().
			Str("payment_id", payment.ID).
			Bool("is_first_successful", payment.IsFirstSuccessful).
			Msg("Payment not commission-eligible, skipping")
		return nil, nil
	}

	if existing, err := s.commissions.FindActiveByCustomer(ctx, payment.CustomerID); err != nil {
		return nil, err
	} else if existing != nil {
		s.log.Info().
			Str("commission_id", existing.ID).
			Str("customer_id", payment.CustomerID).
			Msg("Commission already exists for customer, returning existing")
		return existing, nil
	}

	partner, err := s.partners.GetByID(ctx, *payment.PartnerID)
	if err != nil {
		return nil, err
	}
	if partner.Status == repository.PartnerStatusSuspended {
		s.log.Warn().
			Str("partner_id", partner.ID).
			Str("payment_id", payment.ID).
			Msg("Partner suspended, commission not created")
		if err := s.audit.Append(ctx, &repository.AuditEntry{
			PartnerID:    partner.ID,
			Action:       "commission_skipped_suspended",
			ResourceType: "payment",
			ResourceID:   &payment.ID,
			NewValue:     map[string]any{"amount": payment.Amount},
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	rate := partner.CommissionRate
	if rate <= 0 {
		rate = s.defaultRate
	}

	commission := &repository.Commission{
		PartnerID:             partner.ID,
		CustomerID:            payment.CustomerID,
		DealID:                payment.DealID,
		PaymentID:             payment.ID,
		CommissionRate:        rate,
		GrossAmount:           payment.Amount,
		NetAmount:             applyRate(payment.Amount, rate),
		Status:                repository.CommissionStatusEarned,
		EarnedAt:              payment.CapturedAt,
		PayableAt:             s.schedule.CalculatePayableAt(payment.CapturedAt),
		ClawbackEligibleUntil: payment.CapturedAt.Add(s.clawbackWindow),
	}

	if err := s.commissions.Create(ctx, commission); err != nil {
		if err == repository.ErrCommissionExists {
			// Concurrent delivery won the insert; resolve to its row.
			existing, findErr := s.commissions.FindActiveByCustomer(ctx, payment.CustomerID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}

	if err := s.audit.Append(ctx, &repository.AuditEntry{
		PartnerID:    partner.ID,
		Action:       "commission_created",
		ResourceType: "commission",
		ResourceID:   &commission.ID,
		NewValue: map[string]any{
			"gross_amount": commission.GrossAmount,
			"net_amount":   commission.NetAmount,
			"rate":         commission.CommissionRate,
			"payable_at":   commission.PayableAt,
		},
	}); err != nil {
		return nil, err
	}

	s.notifier.Publish(&client.NotificationEvent{
		EventType:    "commission_created",
		Severity:     repository.SeverityInfo,
		Category:     "commission",
		Title:        "Commission created",
		PartnerID:    partner.ID,
		ResourceType: "commission",
		ResourceID:   commission.ID,
		Payload:      map[string]any{"net_amount": commission.NetAmount},
	})

	s.log.Info().
		Str("commission_id", commission.ID).
		Str("partner_id", partner.ID).
		Str("customer_id", payment.CustomerID).
		Int64("gross_amount", commission.GrossAmount).
		Int64("net_amount", commission.NetAmount).
		Time("payable_at", commission.PayableAt).
		Msg("Commission created")

	return commission, nil
}

// PromoteDuePayable moves earned commissions whose payable date has arrived
// to payable, skipping those whose payment was refunded. Returns the number
// promoted.
func (s *CommissionService) PromoteDuePayable(ctx context.Context) (int64, error) {
	promoted, err := s.commissions.PromoteDuePayable(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if promoted > 0 {
		s.log.Info().Int64("promoted", promoted).Msg("Commissions promoted to payable")
	}
	return promoted, nil
}

// applyRate computes a commission share in cents, rounding half away from
// zero.
func applyRate(amount int64, rate float64) int64 {
	return int64(math.Round(float64(amount) * rate))
}
