package service

import (
	"context"
	"time"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

// Store interfaces consumed by the services. The pgx repositories satisfy
// them; tests substitute in-memory fakes.

// PartnerStore provides partner reads and risk/suspension writes.
type PartnerStore interface {
	GetByID(ctx context.Context, id string) (*repository.Partner, error)
	GetBySlug(ctx context.Context, slug string) (*repository.Partner, error)
	UpdateRisk(ctx context.Context, id string, score int, level string) error
	SuspendForFraud(ctx context.Context, partnerID, reason string, riskScore int, noteStamp string) (*repository.SuspendCascadeResult, error)
}

// ReferralStore provides referral creation, dedup search, and deal matching.
type ReferralStore interface {
	Create(ctx context.Context, ref *repository.Referral) error
	FindDuplicate(ctx context.Context, partnerID string, email, normalizedPhone *string, since time.Time) (*repository.Referral, error)
	FindMatchingDeal(ctx context.Context, email, normalizedPhone, company *string) (dealID, matchType string, err error)
	AppendDealTimeline(ctx context.Context, dealID string, entry map[string]any) error
	RecordAttributionEvent(ctx context.Context, partnerSlug, ipAddress string, blocked bool, blockReason *string) error
}

// PaymentStore records external payment facts.
type PaymentStore interface {
	RecordCapture(ctx context.Context, p *repository.Payment) error
	GetByExternalID(ctx context.Context, externalID string) (*repository.Payment, error)
	MarkRefunded(ctx context.Context, paymentID string, refundAmount int64, isFullRefund bool, refundedAt time.Time) error
}

// CommissionStore provides commission ledger operations.
type CommissionStore interface {
	Create(ctx context.Context, c *repository.Commission) error
	GetByID(ctx context.Context, id string) (*repository.Commission, error)
	FindActiveByCustomer(ctx context.Context, customerID string) (*repository.Commission, error)
	FindByPaymentID(ctx context.Context, paymentID string) (*repository.Commission, error)
	ApplyClawback(ctx context.Context, id, status string, grossAmount, netAmount int64, note string) error
	AppendNote(ctx context.Context, id, note string) error
	PromoteDuePayable(ctx context.Context, now time.Time) (int64, error)
	ClaimForPayout(ctx context.Context, partnerID, payoutID string, payoutDate time.Time) ([]*repository.Commission, error)
	ReleaseByPayout(ctx context.Context, payoutID string) (int64, error)
	CountEligibleForPayout(ctx context.Context, partnerID string, payoutDate time.Time) (int64, error)
	ListPartnersWithEligible(ctx context.Context, payoutDate time.Time) ([]string, error)
}

// PayoutStore provides payout batch storage.
type PayoutStore interface {
	GetByID(ctx context.Context, id string) (*repository.Payout, error)
	Insert(ctx context.Context, p *repository.Payout) error
	Delete(ctx context.Context, id string) error
	InsertItems(ctx context.Context, payoutID string, commissions []*repository.Commission) error
	UpdateTotals(ctx context.Context, id string, totalAmount int64, commissionCount int) error
	UpdateStatus(ctx context.Context, id, status string) error
	ListItemsWithStatus(ctx context.Context, payoutID string) ([]*repository.ItemWithStatus, error)
	RemoveItemAndRelease(ctx context.Context, itemID, commissionID string) error
	MarkPaid(ctx context.Context, payout *repository.Payout, paidAt time.Time) (int64, error)
	Cancel(ctx context.Context, payout *repository.Payout) (int64, error)
}

// DisputeStore provides dispute storage and the commission freeze/restore
// transitions.
type DisputeStore interface {
	GetByID(ctx context.Context, id string) (*repository.Dispute, error)
	Open(ctx context.Context, commissionID, reason string) (*repository.Dispute, error)
	Resolve(ctx context.Context, disputeID, outcome, note string) (*repository.Dispute, error)
}

// WebhookStore is the intake idempotency gate.
type WebhookStore interface {
	Insert(ctx context.Context, evt *repository.WebhookEvent) (duplicate bool, err error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	ListFailed(ctx context.Context, limit int) ([]*repository.WebhookEvent, error)
}

// AuditLog appends immutable audit entries.
type AuditLog interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
}

// Notifier publishes operational events; implementations must be non-fatal.
type Notifier interface {
	Publish(event *client.NotificationEvent)
}

// RateLimitResult is the limiter's verdict on one submission.
type RateLimitResult struct {
	Allowed      bool
	Reason       string // ip_blocked | ip_rate_limit | partner_rate_limit
	BlockedUntil *time.Time
}

// RateLimiter gates referral submissions per source IP and partner slug.
type RateLimiter interface {
	Check(ctx context.Context, ipAddress, partnerSlug string) (*RateLimitResult, error)
}
