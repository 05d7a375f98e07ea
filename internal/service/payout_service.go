package service

import (
	"context"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// PayoutService batches payable commissions into payouts and drives the payout
// lifecycle through reconcile, mark-paid, and cancel.
type PayoutService struct {
	payouts     PayoutStore
	commissions CommissionStore
	partners    PartnerStore
	audit       AuditLog
	notifier    Notifier
	schedule    *PayoutSchedule
	log         *logger.Logger
	now         func() time.Time
}

// NewPayoutService creates a new payout service.
func NewPayoutService(
	payouts PayoutStore,
	commissions CommissionStore,
	partners PartnerStore,
	audit AuditLog,
	notifier Notifier,
	schedule *PayoutSchedule,
	log *logger.Logger,
) *PayoutService {
	return &PayoutService{
		payouts:     payouts,
		commissions: commissions,
		partners:    partners,
		audit:       audit,
		notifier:    notifier,
		schedule:    schedule,
		log:         log,
		now:         time.Now,
	}
}

// ReconcileResult summarizes a reconcile pass over one payout.
type ReconcileResult struct {
	PayoutID       string
	RemovedItems   int
	RemainingItems int
	TotalAmount    int64
	Canceled       bool
}

// CreatePayoutBatchForPartner gathers the partner's unassigned commissions
// that are payable on or before payoutDate into a new payout. Commissions are
// claimed with a conditional update keyed on payout_id IS NULL, so two
// concurrent batch runs can never share a commission. No payout row survives
// with zero items. Returns nil when nothing is eligible.
func (s *PayoutService) CreatePayoutBatchForPartner(ctx context.Context, partnerID string, payoutDate time.Time) (*repository.Payout, error) {
	partner, err := s.partners.GetByID(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	if partner.Status == repository.PartnerStatusSuspended {
		return nil, errors.StateError("cannot create payout batch for suspended partner")
	}

	eligible, err := s.commissions.CountEligibleForPayout(ctx, partnerID, payoutDate)
	if err != nil {
		return nil, err
	}
	if eligible == 0 {
		s.log.Debug().Str("partner_id", partnerID).Msg("No eligible commissions, skipping batch")
		return nil, nil
	}

	loc := s.schedule.Location()
	batchDate := s.now().In(loc)
	periodEnd := payoutDate
	periodStart := time.Date(periodEnd.Year(), periodEnd.Month(), 1, 0, 0, 0, 0, loc).AddDate(0, -1, 0)

	payout := &repository.Payout{
		PartnerID:   partnerID,
		BatchDate:   batchDate,
		PayoutDate:  payoutDate,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	if err := s.payouts.Insert(ctx, payout); err != nil {
		return nil, err
	}

	claimed, err := s.commissions.ClaimForPayout(ctx, partnerID, payout.ID, payoutDate)
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		// A concurrent batch claimed everything between the count and the
		// claim. Drop the empty shell.
		if delErr := s.payouts.Delete(ctx, payout.ID); delErr != nil {
			return nil, delErr
		}
		s.log.Info().Str("partner_id", partnerID).Msg("Lost claim race, empty payout discarded")
		return nil, nil
	}

	if err := s.payouts.InsertItems(ctx, payout.ID, claimed); err != nil {
		s.rollbackBatch(ctx, payout.ID)
		return nil, err
	}

	var total int64
	for _, c := range claimed {
		total += c.NetAmount
	}
	if err := s.payouts.UpdateTotals(ctx, payout.ID, total, len(claimed)); err != nil {
		s.rollbackBatch(ctx, payout.ID)
		return nil, err
	}
	payout.TotalAmount = total
	payout.CommissionCount = len(claimed)

	if err := s.audit.Append(ctx, &repository.AuditEntry{
		PartnerID:    partnerID,
		Action:       "payout_batch_created",
		ResourceType: "payout",
		ResourceID:   &payout.ID,
		NewValue: map[string]any{
			"total_amount":     total,
			"commission_count": len(claimed),
			"payout_date":      payoutDate,
		},
	}); err != nil {
		return nil, err
	}

	s.notifier.Publish(&client.NotificationEvent{
		EventType:    "payout_batch_created",
		Severity:     repository.SeverityInfo,
		Category:     "payout",
		Title:        "Payout batch created",
		PartnerID:    partnerID,
		ResourceType: "payout",
		ResourceID:   payout.ID,
		Payload:      map[string]any{"total_amount": total, "commission_count": len(claimed)},
	})

	s.log.Info().
		Str("payout_id", payout.ID).
		Str("partner_id", partnerID).
		Int64("total_amount", total).
		Int("commission_count", len(claimed)).
		Msg("Payout batch created")

	return payout, nil
}

// rollbackBatch undoes a batch that failed between the claim and its final
// write. Claimed commissions must never stay linked to a payout that failed
// to materialize; they would be invisible to every future batch.
func (s *PayoutService) rollbackBatch(ctx context.Context, payoutID string) {
	if _, err := s.commissions.ReleaseByPayout(ctx, payoutID); err != nil {
		s.log.Error().Err(err).Str("payout_id", payoutID).Msg("Failed to release commissions from aborted payout")
		return
	}
	if err := s.payouts.Delete(ctx, payoutID); err != nil {
		s.log.Error().Err(err).Str("payout_id", payoutID).Msg("Failed to delete aborted payout")
	}
}

// CreateDueBatches runs batch creation for every partner with eligible
// commissions as of payoutDate. Per-partner failures are logged and skipped so
// one bad partner cannot stall the sweep.
func (s *PayoutService) CreateDueBatches(ctx context.Context, payoutDate time.Time) (int, error) {
	partnerIDs, err := s.commissions.ListPartnersWithEligible(ctx, payoutDate)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, partnerID := range partnerIDs {
		payout, err := s.CreatePayoutBatchForPartner(ctx, partnerID, payoutDate)
		if err != nil {
			s.log.Error().Err(err).Str("partner_id", partnerID).Msg("Failed to create payout batch")
			continue
		}
		if payout != nil {
			created++
		}
	}
	return created, nil
}

// ReconcilePayout re-checks every item of a scheduled or ready payout against
// its commission's current status. Items whose commission was clawed back or
// disputed since batching are removed and their commissions released; totals
// are recomputed from the survivors. A payout left with zero items is
// canceled.
func (s *PayoutService) ReconcilePayout(ctx context.Context, payoutID string) (*ReconcileResult, error) {
	payout, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status != repository.PayoutStatusScheduled && payout.Status != repository.PayoutStatusReady {
		return nil, errors.StateError("only scheduled or ready payouts can be reconciled")
	}

	items, err := s.payouts.ListItemsWithStatus(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{PayoutID: payoutID}
	var total int64
	for _, item := range items {
		if item.CommissionStatus == repository.CommissionStatusClawedBack ||
			item.CommissionStatus == repository.CommissionStatusDisputed {
			if err := s.payouts.RemoveItemAndRelease(ctx, item.ItemID, item.CommissionID); err != nil {
				return nil, err
			}
			result.RemovedItems++
			continue
		}
		result.RemainingItems++
		total += item.Amount
	}
	result.TotalAmount = total

	if result.RemainingItems == 0 {
		if err := s.payouts.UpdateStatus(ctx, payoutID, repository.PayoutStatusCanceled); err != nil {
			return nil, err
		}
		result.Canceled = true
	} else if result.RemovedItems > 0 {
		if err := s.payouts.UpdateTotals(ctx, payoutID, total, result.RemainingItems); err != nil {
			return nil, err
		}
	}

	if result.RemovedItems > 0 {
		if err := s.audit.Append(ctx, &repository.AuditEntry{
			PartnerID:    payout.PartnerID,
			Action:       "payout_reconciled",
			ResourceType: "payout",
			ResourceID:   &payoutID,
			OldValue: map[string]any{
				"total_amount":     payout.TotalAmount,
				"commission_count": payout.CommissionCount,
			},
			NewValue: map[string]any{
				"total_amount":     total,
				"commission_count": result.RemainingItems,
				"removed_items":    result.RemovedItems,
				"canceled":         result.Canceled,
			},
		}); err != nil {
			return nil, err
		}

		s.log.Info().
			Str("payout_id", payoutID).
			Int("removed", result.RemovedItems).
			Int("remaining", result.RemainingItems).
			Bool("canceled", result.Canceled).
			Msg("Payout reconciled")
	}

	return result, nil
}

// MarkPayoutPaid marks a payout and all its commissions paid with a single
// shared timestamp. Only scheduled, ready, or processing payouts qualify.
func (s *PayoutService) MarkPayoutPaid(ctx context.Context, payoutID string) (*repository.Payout, error) {
	payout, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	switch payout.Status {
	case repository.PayoutStatusScheduled, repository.PayoutStatusReady, repository.PayoutStatusProcessing:
	default:
		return nil, errors.StateError("payout is not in a payable state")
	}

	paidAt := s.now()
	updated, err := s.payouts.MarkPaid(ctx, payout, paidAt)
	if err != nil {
		return nil, err
	}
	payout.Status = repository.PayoutStatusPaid
	payout.PaidAt = &paidAt

	s.notifier.Publish(&client.NotificationEvent{
		EventType:    "payout_marked_paid",
		Severity:     repository.SeverityInfo,
		Category:     "payout",
		Title:        "Payout marked paid",
		PartnerID:    payout.PartnerID,
		ResourceType: "payout",
		ResourceID:   payout.ID,
		Payload:      map[string]any{"total_amount": payout.TotalAmount, "commissions_updated": updated},
	})

	s.log.Info().
		Str("payout_id", payout.ID).
		Int64("commissions_updated", updated).
		Int64("total_amount", payout.TotalAmount).
		Msg("Payout marked paid")

	return payout, nil
}

// CancelPayout cancels a not-yet-paid payout, releasing every linked
// commission back to the eligible pool.
func (s *PayoutService) CancelPayout(ctx context.Context, payoutID string) (*repository.Payout, error) {
	payout, err := s.payouts.GetByID(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	if payout.Status == repository.PayoutStatusPaid {
		return nil, errors.StateError("cannot cancel a paid payout")
	}

	released, err := s.payouts.Cancel(ctx, payout)
	if err != nil {
		return nil, err
	}
	payout.Status = repository.PayoutStatusCanceled

	s.notifier.Publish(&client.NotificationEvent{
		EventType:    "payout_canceled",
		Severity:     repository.SeverityWarning,
		Category:     "payout",
		Title:        "Payout canceled",
		PartnerID:    payout.PartnerID,
		ResourceType: "payout",
		ResourceID:   payout.ID,
		Payload:      map[string]any{"commissions_released": released},
	})

	s.log.Info().
		Str("payout_id", payout.ID).
		Int64("commissions_released", released).
		Msg("Payout canceled")

	return payout, nil
}
