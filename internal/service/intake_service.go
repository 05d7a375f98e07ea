package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// Payment event types accepted by the intake service.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentRefunded = "payment.refunded"
)

// PaymentEvent is one verified payment-provider webhook payload.
type PaymentEvent struct {
	Provider          string    `json:"provider"`
	IdempotencyKey    string    `json:"idempotency_key"`
	EventType         string    `json:"event_type"`
	ExternalPaymentID string    `json:"external_payment_id"`
	CustomerID        string    `json:"customer_id"`
	PartnerID         *string   `json:"partner_id,omitempty"`
	DealID            *string   `json:"deal_id,omitempty"`
	Amount            int64     `json:"amount"`
	RefundAmount      int64     `json:"refund_amount,omitempty"`
	IsFullRefund      bool      `json:"is_full_refund,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// IntakeService is the webhook front door: it records each delivery behind the
// (provider, idempotency_key) gate, dispatches to the commission or clawback
// pipeline, and tracks failures for replay.
type IntakeService struct {
	webhooks    WebhookStore
	payments    PaymentStore
	commissions *CommissionService
	clawbacks   *ClawbackService
	notifier    Notifier
	log         *logger.Logger
}

// NewIntakeService creates a new intake service.
func NewIntakeService(
	webhooks WebhookStore,
	payments PaymentStore,
	commissions *CommissionService,
	clawbacks *ClawbackService,
	notifier Notifier,
	log *logger.Logger,
) *IntakeService {
	return &IntakeService{
		webhooks:    webhooks,
		payments:    payments,
		commissions: commissions,
		clawbacks:   clawbacks,
		notifier:    notifier,
		log:         log,
	}
}

// ProcessPaymentEvent handles one webhook delivery. A redelivery of an already
// recorded (provider, idempotency_key) pair increments its replay count and
// returns success without reprocessing. Validation failures are rejected
// before anything is written. Processing failures mark the event failed and
// keep it for replay.
func (s *IntakeService) ProcessPaymentEvent(ctx context.Context, event *PaymentEvent) error {
	if err := validatePaymentEvent(event); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event payload")
	}

	record := &repository.WebhookEvent{
		Provider:       event.Provider,
		IdempotencyKey: event.IdempotencyKey,
		EventType:      event.EventType,
		Payload:        payload,
	}
	duplicate, err := s.webhooks.Insert(ctx, record)
	if err != nil {
		return err
	}
	if duplicate {
		s.log.Info().
			Str("provider", event.Provider).
			Str("idempotency_key", event.IdempotencyKey).
			Msg("Duplicate webhook delivery dropped")
		return nil
	}

	if err := s.dispatch(ctx, event); err != nil {
		if errors.IsCode(err, errors.ErrCodeConflict) {
			// The fact is already recorded; the delivery is done.
			if markErr := s.webhooks.MarkProcessed(ctx, record.ID); markErr != nil {
				return markErr
			}
			return nil
		}

		if markErr := s.webhooks.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			s.log.Error().Err(markErr).Str("webhook_id", record.ID).Msg("Failed to mark webhook failed")
		}
		s.notifier.Publish(&client.NotificationEvent{
			EventType:    "webhook_failed",
			Severity:     repository.SeverityWarning,
			Category:     "webhook",
			Title:        "Webhook processing failed",
			Details:      err.Error(),
			ResourceType: "webhook_event",
			ResourceID:   record.ID,
		})
		s.log.Error().Err(err).
			Str("webhook_id", record.ID).
			Str("event_type", event.EventType).
			Msg("Webhook processing failed")
		return err
	}

	return s.webhooks.MarkProcessed(ctx, record.ID)
}

func (s *IntakeService) dispatch(ctx context.Context, event *PaymentEvent) error {
	switch event.EventType {
	case EventPaymentCaptured:
		return s.handleCapture(ctx, event)
	case EventPaymentRefunded:
		return s.handleRefund(ctx, event)
	default:
		return errors.InvalidInput("event_type", "unsupported event type "+event.EventType)
	}
}

func (s *IntakeService) handleCapture(ctx context.Context, event *PaymentEvent) error {
	payment := &repository.Payment{
		ExternalPaymentID: event.ExternalPaymentID,
		CustomerID:        event.CustomerID,
		PartnerID:         event.PartnerID,
		DealID:            event.DealID,
		Amount:            event.Amount,
		Status:            repository.PaymentStatusCaptured,
		CapturedAt:        event.OccurredAt,
	}
	if err := s.payments.RecordCapture(ctx, payment); err != nil {
		if !errors.IsCode(err, errors.ErrCodeConflict) {
			return err
		}
		// An earlier attempt already recorded the payment fact before failing
		// downstream. Reload it so the commission step still runs; the
		// commission creation is itself idempotent per customer.
		existing, getErr := s.payments.GetByExternalID(ctx, event.ExternalPaymentID)
		if getErr != nil {
			return getErr
		}
		payment = existing
	}

	_, err := s.commissions.CreateCommissionForPayment(ctx, payment)
	return err
}

func (s *IntakeService) handleRefund(ctx context.Context, event *PaymentEvent) error {
	payment, err := s.payments.GetByExternalID(ctx, event.ExternalPaymentID)
	if err != nil {
		return err
	}

	refund := event.RefundAmount
	if event.IsFullRefund && refund == 0 {
		refund = payment.Amount
	}

	// A retry of a delivery whose refund already landed on the payment row
	// must not add it again. The refunded_at stamp is this event's occurred_at,
	// so a match means this exact refund was applied. timestamptz keeps
	// microseconds, so compare at that precision.
	applied := payment.RefundedAt != nil &&
		payment.RefundedAt.Truncate(time.Microsecond).Equal(event.OccurredAt.Truncate(time.Microsecond))
	if !applied {
		if err := s.payments.MarkRefunded(ctx, payment.ID, refund, event.IsFullRefund, event.OccurredAt); err != nil {
			return err
		}
	}

	if _, err := s.clawbacks.ProcessClawback(ctx, payment, refund, event.IsFullRefund); err != nil {
		if applied && errors.IsCode(err, errors.ErrCodeFailedPrecondition) {
			// The earlier attempt already clawed the commission back; the
			// delivery is done.
			return nil
		}
		return err
	}
	return nil
}

// RetryFailed reprocesses up to limit failed webhook events, oldest first.
// Returns how many succeeded.
func (s *IntakeService) RetryFailed(ctx context.Context, limit int) (int, error) {
	failed, err := s.webhooks.ListFailed(ctx, limit)
	if err != nil {
		return 0, err
	}

	succeeded := 0
	for _, record := range failed {
		var event PaymentEvent
		if err := json.Unmarshal(record.Payload, &event); err != nil {
			s.log.Error().Err(err).Str("webhook_id", record.ID).Msg("Failed to decode stored webhook payload")
			continue
		}

		if err := s.dispatch(ctx, &event); err != nil {
			if !errors.IsCode(err, errors.ErrCodeConflict) {
				if markErr := s.webhooks.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
					s.log.Error().Err(markErr).Str("webhook_id", record.ID).Msg("Failed to update webhook failure")
				}
				continue
			}
		}
		if err := s.webhooks.MarkProcessed(ctx, record.ID); err != nil {
			return succeeded, err
		}
		succeeded++
	}

	if succeeded > 0 {
		s.log.Info().Int("succeeded", succeeded).Int("attempted", len(failed)).Msg("Failed webhooks retried")
	}
	return succeeded, nil
}

func validatePaymentEvent(event *PaymentEvent) error {
	switch {
	case event.Provider == "":
		return errors.InvalidInput("provider", "is required")
	case event.IdempotencyKey == "":
		return errors.InvalidInput("idempotency_key", "is required")
	case event.ExternalPaymentID == "":
		return errors.InvalidInput("external_payment_id", "is required")
	case event.OccurredAt.IsZero():
		return errors.InvalidInput("occurred_at", "is required")
	}

	switch event.EventType {
	case EventPaymentCaptured:
		if event.CustomerID == "" {
			return errors.InvalidInput("customer_id", "is required")
		}
		if event.Amount <= 0 {
			return errors.InvalidInput("amount", "must be positive")
		}
	case EventPaymentRefunded:
		if event.RefundAmount < 0 {
			return errors.InvalidInput("refund_amount", "must not be negative")
		}
		if event.RefundAmount == 0 && !event.IsFullRefund {
			return errors.InvalidInput("refund_amount", "is required for partial refunds")
		}
	default:
		return errors.InvalidInput("event_type", "unsupported event type "+event.EventType)
	}
	return nil
}
