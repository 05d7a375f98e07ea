package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cynergists/be-partner-commissions/internal/client"
	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/logger"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", ServiceName: "test"})
}

// ── partner store ─────────────────────────────────────────────────────────────

type fakePartnerStore struct {
	mu           sync.Mutex
	partners     map[string]*repository.Partner
	reports      map[string][]*repository.ScheduledReport
	suspendCalls int
	auditEntries int
}

func newFakePartnerStore() *fakePartnerStore {
	return &fakePartnerStore{
		partners: make(map[string]*repository.Partner),
		reports:  make(map[string][]*repository.ScheduledReport),
	}
}

func (f *fakePartnerStore) add(p *repository.Partner) *repository.Partner {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	f.partners[p.ID] = p
	return p
}

func (f *fakePartnerStore) GetByID(_ context.Context, id string) (*repository.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return nil, errors.NotFound("partner", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePartnerStore) GetBySlug(_ context.Context, slug string) (*repository.Partner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.partners {
		if p.Slug == slug {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.NotFound("partner", slug)
}

func (f *fakePartnerStore) UpdateRisk(_ context.Context, id string, score int, level string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[id]
	if !ok {
		return errors.NotFound("partner", id)
	}
	p.RiskScore = score
	p.RiskLevel = level
	return nil
}

func (f *fakePartnerStore) SuspendForFraud(_ context.Context, partnerID, reason string, riskScore int, noteStamp string) (*repository.SuspendCascadeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.partners[partnerID]
	if !ok {
		return nil, errors.NotFound("partner", partnerID)
	}

	p.Status = repository.PartnerStatusSuspended
	p.RiskScore = riskScore
	p.RiskLevel = repository.RiskLevelHigh
	p.HasFraudFlag = true
	note := fmt.Sprintf("[%s] Auto-suspended: %s", noteStamp, reason)
	if p.FraudNotes != nil {
		note = *p.FraudNotes + "\n" + note
	}
	p.FraudNotes = &note

	var disabled int64
	for _, r := range f.reports[partnerID] {
		if r.IsActive {
			r.IsActive = false
			disabled++
		}
	}

	f.suspendCalls++
	f.auditEntries++
	notificationID := uuid.NewString()
	return &repository.SuspendCascadeResult{ReportsDisabled: disabled, NotificationID: notificationID}, nil
}

// ── commission store ──────────────────────────────────────────────────────────

type fakeCommissionStore struct {
	mu          sync.Mutex
	commissions map[string]*repository.Commission

	failNextCreate   error
	failNextClawback error
}

func newFakeCommissionStore() *fakeCommissionStore {
	return &fakeCommissionStore{commissions: make(map[string]*repository.Commission)}
}

func (f *fakeCommissionStore) add(c *repository.Commission) *repository.Commission {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	f.commissions[c.ID] = c
	return c
}

func (f *fakeCommissionStore) activeForCustomer(customerID string) *repository.Commission {
	for _, c := range f.commissions {
		if c.CustomerID == customerID &&
			c.Status != repository.CommissionStatusDisputed &&
			c.Status != repository.CommissionStatusClawedBack {
			return c
		}
	}
	return nil
}

func (f *fakeCommissionStore) Create(_ context.Context, c *repository.Commission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextCreate != nil {
		err := f.failNextCreate
		f.failNextCreate = nil
		return err
	}
	if f.activeForCustomer(c.CustomerID) != nil {
		return repository.ErrCommissionExists
	}
	c.ID = uuid.NewString()
	c.CreatedAt = time.Now()
	f.commissions[c.ID] = c
	return nil
}

func (f *fakeCommissionStore) GetByID(_ context.Context, id string) (*repository.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commissions[id]
	if !ok {
		return nil, errors.NotFound("commission", id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCommissionStore) FindActiveByCustomer(_ context.Context, customerID string) (*repository.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.activeForCustomer(customerID); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeCommissionStore) FindByPaymentID(_ context.Context, paymentID string) (*repository.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commissions {
		if c.PaymentID == paymentID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeCommissionStore) ApplyClawback(_ context.Context, id, status string, grossAmount, netAmount int64, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextClawback != nil {
		err := f.failNextClawback
		f.failNextClawback = nil
		return err
	}
	c, ok := f.commissions[id]
	if !ok {
		return errors.NotFound("commission", id)
	}
	c.Status = status
	c.GrossAmount = grossAmount
	c.NetAmount = netAmount
	appendNote(c, note)
	return nil
}

func (f *fakeCommissionStore) AppendNote(_ context.Context, id, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commissions[id]
	if !ok {
		return errors.NotFound("commission", id)
	}
	appendNote(c, note)
	return nil
}

func appendNote(c *repository.Commission, note string) {
	if c.Notes == nil {
		c.Notes = &note
		return
	}
	combined := *c.Notes + note
	c.Notes = &combined
}

func (f *fakeCommissionStore) PromoteDuePayable(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var promoted int64
	for _, c := range f.commissions {
		if c.Status == repository.CommissionStatusEarned && !c.PayableAt.After(now) {
			c.Status = repository.CommissionStatusPayable
			promoted++
		}
	}
	return promoted, nil
}

func (f *fakeCommissionStore) ClaimForPayout(_ context.Context, partnerID, payoutID string, payoutDate time.Time) ([]*repository.Commission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var claimed []*repository.Commission
	for _, c := range f.commissions {
		if c.PartnerID == partnerID && c.PayoutID == nil && !c.PayableAt.After(payoutDate) &&
			(c.Status == repository.CommissionStatusEarned || c.Status == repository.CommissionStatusPayable) {
			id := payoutID
			c.PayoutID = &id
			cp := *c
			claimed = append(claimed, &cp)
		}
	}
	return claimed, nil
}

func (f *fakeCommissionStore) ReleaseByPayout(_ context.Context, payoutID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, c := range f.commissions {
		if c.PayoutID != nil && *c.PayoutID == payoutID && c.Status != repository.CommissionStatusPaid {
			c.PayoutID = nil
			released++
		}
	}
	return released, nil
}

func (f *fakeCommissionStore) CountEligibleForPayout(_ context.Context, partnerID string, payoutDate time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, c := range f.commissions {
		if c.PartnerID == partnerID && c.PayoutID == nil && !c.PayableAt.After(payoutDate) &&
			(c.Status == repository.CommissionStatusEarned || c.Status == repository.CommissionStatusPayable) {
			count++
		}
	}
	return count, nil
}

func (f *fakeCommissionStore) ListPartnersWithEligible(_ context.Context, payoutDate time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var partnerIDs []string
	for _, c := range f.commissions {
		if c.PayoutID == nil && !c.PayableAt.After(payoutDate) &&
			(c.Status == repository.CommissionStatusEarned || c.Status == repository.CommissionStatusPayable) &&
			!seen[c.PartnerID] {
			seen[c.PartnerID] = true
			partnerIDs = append(partnerIDs, c.PartnerID)
		}
	}
	return partnerIDs, nil
}

// ── payout store ──────────────────────────────────────────────────────────────

type fakePayoutStore struct {
	mu          sync.Mutex
	payouts     map[string]*repository.Payout
	items       map[string][]*repository.PayoutItem // keyed by payout ID
	commissions *fakeCommissionStore

	failNextInsertItems error
}

func newFakePayoutStore(commissions *fakeCommissionStore) *fakePayoutStore {
	return &fakePayoutStore{
		payouts:     make(map[string]*repository.Payout),
		items:       make(map[string][]*repository.PayoutItem),
		commissions: commissions,
	}
}

func (f *fakePayoutStore) GetByID(_ context.Context, id string) (*repository.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok {
		return nil, errors.NotFound("payout", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePayoutStore) Insert(_ context.Context, p *repository.Payout) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = uuid.NewString()
	p.Status = repository.PayoutStatusScheduled
	p.CreatedAt = time.Now()
	cp := *p
	f.payouts[p.ID] = &cp
	return nil
}

func (f *fakePayoutStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	delete(f.payouts, id)
	return nil
}

func (f *fakePayoutStore) InsertItems(_ context.Context, payoutID string, commissions []*repository.Commission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextInsertItems != nil {
		err := f.failNextInsertItems
		f.failNextInsertItems = nil
		return err
	}
	for _, c := range commissions {
		f.items[payoutID] = append(f.items[payoutID], &repository.PayoutItem{
			ID:           uuid.NewString(),
			PayoutID:     payoutID,
			CommissionID: c.ID,
			Amount:       c.NetAmount,
		})
	}
	return nil
}

func (f *fakePayoutStore) UpdateTotals(_ context.Context, id string, totalAmount int64, commissionCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok {
		return errors.NotFound("payout", id)
	}
	p.TotalAmount = totalAmount
	p.CommissionCount = commissionCount
	return nil
}

func (f *fakePayoutStore) UpdateStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[id]
	if !ok {
		return errors.NotFound("payout", id)
	}
	p.Status = status
	return nil
}

func (f *fakePayoutStore) ListItemsWithStatus(_ context.Context, payoutID string) ([]*repository.ItemWithStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.ItemWithStatus
	for _, item := range f.items[payoutID] {
		c := f.commissions.commissions[item.CommissionID]
		out = append(out, &repository.ItemWithStatus{
			ItemID:           item.ID,
			CommissionID:     item.CommissionID,
			Amount:           item.Amount,
			CommissionStatus: c.Status,
		})
	}
	return out, nil
}

func (f *fakePayoutStore) RemoveItemAndRelease(_ context.Context, itemID, commissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.commissions.commissions[commissionID]; ok {
		c.PayoutID = nil
	}
	for payoutID, items := range f.items {
		for i, item := range items {
			if item.ID == itemID {
				f.items[payoutID] = append(items[:i], items[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (f *fakePayoutStore) MarkPaid(_ context.Context, payout *repository.Payout, paidAt time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[payout.ID]
	if !ok {
		return 0, errors.NotFound("payout", payout.ID)
	}
	switch p.Status {
	case repository.PayoutStatusScheduled, repository.PayoutStatusReady, repository.PayoutStatusProcessing:
	default:
		return 0, errors.StateError("payout is not in a payable state")
	}
	p.Status = repository.PayoutStatusPaid
	p.PaidAt = &paidAt

	var updated int64
	for _, item := range f.items[payout.ID] {
		c := f.commissions.commissions[item.CommissionID]
		if c.Status != repository.CommissionStatusPaid {
			c.Status = repository.CommissionStatusPaid
			c.PaidAt = &paidAt
			updated++
		}
	}
	return updated, nil
}

func (f *fakePayoutStore) Cancel(_ context.Context, payout *repository.Payout) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payouts[payout.ID]
	if !ok {
		return 0, errors.NotFound("payout", payout.ID)
	}
	if p.Status == repository.PayoutStatusPaid {
		return 0, errors.StateError("cannot cancel a paid payout")
	}

	var released int64
	for _, item := range f.items[payout.ID] {
		if c, ok := f.commissions.commissions[item.CommissionID]; ok {
			c.PayoutID = nil
			released++
		}
	}
	p.Status = repository.PayoutStatusCanceled
	delete(f.items, payout.ID)
	return released, nil
}

// ── referral store ────────────────────────────────────────────────────────────

type attributionEvent struct {
	partnerSlug string
	ipAddress   string
	blocked     bool
	blockReason *string
}

type fakeReferralStore struct {
	mu        sync.Mutex
	referrals []*repository.Referral
	events    []attributionEvent
	timeline  map[string][]map[string]any

	matchDealID string
	matchType   string
}

func newFakeReferralStore() *fakeReferralStore {
	return &fakeReferralStore{timeline: make(map[string][]map[string]any)}
}

func (f *fakeReferralStore) Create(_ context.Context, ref *repository.Referral) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref.ID = uuid.NewString()
	ref.CreatedAt = time.Now()
	f.referrals = append(f.referrals, ref)
	return nil
}

func (f *fakeReferralStore) FindDuplicate(_ context.Context, partnerID string, email, normalizedPhone *string, since time.Time) (*repository.Referral, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.referrals {
		if r.PartnerID != partnerID || r.CreatedAt.Before(since) {
			continue
		}
		if email != nil && r.LeadEmail != nil && strings.EqualFold(*email, *r.LeadEmail) {
			return r, nil
		}
		if normalizedPhone != nil && *normalizedPhone != "" && r.LeadPhone != nil &&
			NormalizePhone(*r.LeadPhone) == *normalizedPhone {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeReferralStore) FindMatchingDeal(_ context.Context, email, normalizedPhone, company *string) (string, string, error) {
	return f.matchDealID, f.matchType, nil
}

func (f *fakeReferralStore) AppendDealTimeline(_ context.Context, dealID string, entry map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeline[dealID] = append(f.timeline[dealID], entry)
	return nil
}

func (f *fakeReferralStore) RecordAttributionEvent(_ context.Context, partnerSlug, ipAddress string, blocked bool, blockReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, attributionEvent{partnerSlug, ipAddress, blocked, blockReason})
	return nil
}

// ── payment store ─────────────────────────────────────────────────────────────

type fakePaymentStore struct {
	mu       sync.Mutex
	payments map[string]*repository.Payment // keyed by internal ID
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{payments: make(map[string]*repository.Payment)}
}

func (f *fakePaymentStore) RecordCapture(_ context.Context, p *repository.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	first := true
	for _, existing := range f.payments {
		if existing.ExternalPaymentID == p.ExternalPaymentID {
			return errors.Conflict("payment already recorded")
		}
		if existing.CustomerID == p.CustomerID && existing.Status == repository.PaymentStatusCaptured {
			first = false
		}
	}
	p.ID = uuid.NewString()
	p.IsFirstSuccessful = first
	f.payments[p.ID] = p
	return nil
}

func (f *fakePaymentStore) GetByExternalID(_ context.Context, externalID string) (*repository.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ExternalPaymentID == externalID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, errors.NotFound("payment", externalID)
}

func (f *fakePaymentStore) MarkRefunded(_ context.Context, paymentID string, refundAmount int64, isFullRefund bool, refundedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[paymentID]
	if !ok {
		return errors.NotFound("payment", paymentID)
	}
	total := refundAmount
	if p.RefundAmount != nil {
		total += *p.RefundAmount
	}
	p.RefundAmount = &total
	p.RefundedAt = &refundedAt
	if isFullRefund || total >= p.Amount {
		p.Status = repository.PaymentStatusRefunded
	}
	return nil
}

// ── webhook store ─────────────────────────────────────────────────────────────

type fakeWebhookStore struct {
	mu     sync.Mutex
	events map[string]*repository.WebhookEvent // keyed by provider+key
	byID   map[string]*repository.WebhookEvent
}

func newFakeWebhookStore() *fakeWebhookStore {
	return &fakeWebhookStore{
		events: make(map[string]*repository.WebhookEvent),
		byID:   make(map[string]*repository.WebhookEvent),
	}
}

func (f *fakeWebhookStore) Insert(_ context.Context, evt *repository.WebhookEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := evt.Provider + "/" + evt.IdempotencyKey
	if existing, ok := f.events[key]; ok {
		existing.ReplayCount++
		return true, nil
	}
	evt.ID = uuid.NewString()
	evt.Status = repository.WebhookStatusReceived
	evt.ReceivedAt = time.Now()
	f.events[key] = evt
	f.byID[evt.ID] = evt
	return false, nil
}

func (f *fakeWebhookStore) MarkProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.byID[id]
	if !ok {
		return errors.NotFound("webhook event", id)
	}
	evt.Status = repository.WebhookStatusProcessed
	now := time.Now()
	evt.ProcessedAt = &now
	return nil
}

func (f *fakeWebhookStore) MarkFailed(_ context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	evt, ok := f.byID[id]
	if !ok {
		return errors.NotFound("webhook event", id)
	}
	evt.Status = repository.WebhookStatusFailed
	evt.ErrorMessage = &errorMessage
	return nil
}

func (f *fakeWebhookStore) ListFailed(_ context.Context, limit int) ([]*repository.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.WebhookEvent
	for _, evt := range f.byID {
		if evt.Status == repository.WebhookStatusFailed && len(out) < limit {
			out = append(out, evt)
		}
	}
	return out, nil
}

// ── audit, notifier, rate limiter ─────────────────────────────────────────────

type fakeAuditLog struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func (f *fakeAuditLog) Append(_ context.Context, entry *repository.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = uuid.NewString()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditLog) byAction(action string) []*repository.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*repository.AuditEntry
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []*client.NotificationEvent
}

func (f *fakeNotifier) Publish(event *client.NotificationEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) bySeverity(severity string) []*client.NotificationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*client.NotificationEvent
	for _, e := range f.events {
		if e.Severity == severity {
			out = append(out, e)
		}
	}
	return out
}

type fakeRateLimiter struct {
	result RateLimitResult
}

func (f *fakeRateLimiter) Check(context.Context, string, string) (*RateLimitResult, error) {
	r := f.result
	return &r, nil
}
