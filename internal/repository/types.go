package repository

import "time"

// ── Status enumerations ───────────────────────────────────────────────────────

// Partner statuses.
const (
	PartnerStatusPending    = "pending"
	PartnerStatusActive     = "active"
	PartnerStatusSuspended  = "suspended"
	PartnerStatusTerminated = "terminated"
)

// Partner risk levels.
const (
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// Referral statuses.
const (
	ReferralStatusNew           = "new"
	ReferralStatusNeedsApproval = "needs_approval"
	ReferralStatusQualified     = "qualified"
	ReferralStatusAccepted      = "accepted"
	ReferralStatusConverted     = "converted"
	ReferralStatusRejected      = "rejected"
)

// Deal stages.
const (
	DealStageNew        = "new"
	DealStageInProgress = "in_progress"
	DealStageClosedWon  = "closed_won"
	DealStageClosedLost = "closed_lost"
)

// Payment statuses.
const (
	PaymentStatusCaptured = "captured"
	PaymentStatusRefunded = "refunded"
	PaymentStatusFailed   = "failed"
)

// Commission statuses. "pending" exists for manual/administrative flows only;
// engine-created commissions start at "earned".
const (
	CommissionStatusPending    = "pending"
	CommissionStatusEarned     = "earned"
	CommissionStatusPayable    = "payable"
	CommissionStatusPaid       = "paid"
	CommissionStatusClawedBack = "clawed_back"
	CommissionStatusDisputed   = "disputed"
)

// Payout statuses.
const (
	PayoutStatusScheduled  = "scheduled"
	PayoutStatusReady      = "ready"
	PayoutStatusProcessing = "processing"
	PayoutStatusPaid       = "paid"
	PayoutStatusCanceled   = "canceled"
)

// Webhook event statuses.
const (
	WebhookStatusReceived  = "received"
	WebhookStatusProcessed = "processed"
	WebhookStatusFailed    = "failed"
)

// Notification severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// ── Domain types ──────────────────────────────────────────────────────────────

// Partner is a referral partner. Status and risk level are derived fields
// cached on the row; rows are never hard-deleted.
type Partner struct {
	ID             string
	Slug           string
	CompanyName    string
	ContactEmail   string
	CommissionRate float64 // fraction, e.g. 0.20
	Status         string  // pending | active | suspended | terminated
	RiskScore      int
	RiskLevel      string // low | medium | high
	HasFraudFlag   bool
	FraudNotes     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Referral is an inbound lead attributed to a partner. Immutable once
// converted.
type Referral struct {
	ID          string
	PartnerID   string
	DealID      *string
	LeadEmail   *string
	LeadPhone   *string
	LeadCompany *string
	FirstName   *string
	LastName    *string
	Status      string // new | needs_approval | qualified | accepted | converted | rejected
	Duplicate   bool
	Source      string // form_submit | api | import
	UTMSource   *string
	UTMMedium   *string
	UTMCampaign *string
	IPAddress   *string
	UserAgent   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Deal is a sales-pipeline record, optionally originating from a referral.
type Deal struct {
	ID            string
	PartnerID     string
	ReferralID    *string
	ClientEmail   *string
	ClientPhone   *string
	ClientCompany *string
	Stage         string // new | in_progress | closed_won | closed_lost
	DealValue     int64  // cents
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payment is an external payment-capture fact. Created only from verified
// provider events, immutable once captured except for the refund fields.
type Payment struct {
	ID                string
	ExternalPaymentID string
	CustomerID        string
	PartnerID         *string
	DealID            *string
	Amount            int64 // cents
	Status            string
	IsFirstSuccessful bool
	CapturedAt        time.Time
	RefundedAt        *time.Time
	RefundAmount      *int64 // cents, cumulative
	CreatedAt         time.Time
}

// Commission is the partner's share of a customer's first successful payment.
// At most one commission per customer may exist outside the terminal-negative
// statuses (disputed, clawed_back); a partial unique index enforces it.
type Commission struct {
	ID                    string
	PartnerID             string
	CustomerID            string
	DealID                *string
	PaymentID             string
	CommissionRate        float64
	GrossAmount           int64 // cents
	NetAmount             int64 // cents, never negative
	Status                string
	EarnedAt              time.Time
	PayableAt             time.Time
	PaidAt                *time.Time
	ClawbackEligibleUntil time.Time
	PayoutID              *string
	Notes                 *string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Payout is a batch of commissions for one partner over one period.
type Payout struct {
	ID              string
	PartnerID       string
	BatchDate       time.Time
	PayoutDate      time.Time
	PeriodStart     time.Time
	PeriodEnd       time.Time
	TotalAmount     int64 // cents
	CommissionCount int
	Status          string // scheduled | ready | processing | paid | canceled
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PayoutItem links one commission to one payout, snapshotting the amount at
// batch time.
type PayoutItem struct {
	ID           string
	PayoutID     string
	CommissionID string
	Amount       int64 // cents
	CreatedAt    time.Time
}

// Dispute tracks a commission under dispute and the status to restore when the
// dispute is rejected.
type Dispute struct {
	ID           string
	CommissionID string
	Reason       string
	PriorStatus  string
	Status       string // open | upheld | rejected
	OpenedAt     time.Time
	ResolvedAt   *time.Time
}

// WebhookEvent is one inbound provider event. (provider, idempotency_key) is
// unique; replay_count records detected duplicate deliveries.
type WebhookEvent struct {
	ID             string
	Provider       string
	IdempotencyKey string
	EventType      string
	Payload        []byte
	Status         string // received | processed | failed
	ErrorMessage   *string
	ReplayCount    int
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
}

// AuditEntry is one immutable record of a balance-affecting decision.
type AuditEntry struct {
	ID           string
	PartnerID    string
	Action       string
	ResourceType string
	ResourceID   *string
	OldValue     map[string]any
	NewValue     map[string]any
	CreatedAt    time.Time
}

// Notification is an operational alert surfaced to admins.
type Notification struct {
	ID           string
	Severity     string // info | warning | critical
	Category     string // webhook | payout | report | fraud | payment | commission
	Title        string
	Details      *string
	ResourceType *string
	ResourceID   *string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// ScheduledReport is a partner's recurring report subscription. Suspension
// disables every active schedule.
type ScheduledReport struct {
	ID         string
	PartnerID  string
	ReportType string
	Frequency  string
	IsActive   bool
	CreatedAt  time.Time
}

// DashboardStats aggregates a partner's referral, deal, commission and payout
// standing for the portal dashboard.
type DashboardStats struct {
	TotalReferrals      int64
	QualifiedReferrals  int64
	PendingReferrals    int64
	ReferralsLast30Days int64
	TotalDeals          int64
	OpenDeals           int64
	ClosedWonDeals      int64
	TotalDealValue      int64
	PendingCommissions  int64
	EarnedCommissions   int64
	PayableCommissions  int64
	PaidCommissions     int64
	PaidYTD             int64
	NextPayoutDate      *time.Time
	NextPayoutAmount    int64
}
