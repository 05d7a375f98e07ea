package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynergists/be-partner-commissions/internal/repository"
)

type commissionFixture struct {
	svc         *CommissionService
	commissions *fakeCommissionStore
	partners    *fakePartnerStore
	audit       *fakeAuditLog
	notifier    *fakeNotifier
}

func newCommissionFixture(t *testing.T) *commissionFixture {
	t.Helper()
	schedule, err := NewPayoutSchedule("America/Denver", 15)
	require.NoError(t, err)

	commissions := newFakeCommissionStore()
	partners := newFakePartnerStore()
	audit := &fakeAuditLog{}
	notifier := &fakeNotifier{}

	return &commissionFixture{
		svc:         NewCommissionService(commissions, partners, audit, notifier, schedule, 0.20, 30, testLogger()),
		commissions: commissions,
		partners:    partners,
		audit:       audit,
		notifier:    notifier,
	}
}

func capturedPayment(partnerID string) *repository.Payment {
	pid := partnerID
	return &repository.Payment{
		ID:                "pay-1",
		ExternalPaymentID: "ext-1",
		CustomerID:        "cust-1",
		PartnerID:         &pid,
		Amount:            10000,
		Status:            repository.PaymentStatusCaptured,
		IsFirstSuccessful: true,
		CapturedAt:        time.Date(2025, time.June, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateCommissionForPayment(t *testing.T) {
	f := newCommissionFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:         repository.PartnerStatusActive,
		CommissionRate: 0.25,
	})

	commission, err := f.svc.CreateCommissionForPayment(context.Background(), capturedPayment(partner.ID))
	require.NoError(t, err)
	require.NotNil(t, commission)

	assert.Equal(t, repository.CommissionStatusEarned, commission.Status)
	assert.Equal(t, int64(10000), commission.GrossAmount)
	assert.Equal(t, int64(2500), commission.NetAmount)
	assert.Equal(t, 0.25, commission.CommissionRate)
	assert.Equal(t, commission.EarnedAt.Add(30*24*time.Hour), commission.ClawbackEligibleUntil)
	assert.True(t, commission.PayableAt.After(commission.EarnedAt))

	require.Len(t, f.audit.byAction("commission_created"), 1)
	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, "commission_created", f.notifier.events[0].EventType)
}

func TestCreateCommissionForPayment_DefaultRate(t *testing.T) {
	f := newCommissionFixture(t)
	partner := f.partners.add(&repository.Partner{Status: repository.PartnerStatusActive})

	commission, err := f.svc.CreateCommissionForPayment(context.Background(), capturedPayment(partner.ID))
	require.NoError(t, err)
	require.NotNil(t, commission)

	assert.Equal(t, 0.20, commission.CommissionRate)
	assert.Equal(t, int64(2000), commission.NetAmount)
}

func TestCreateCommissionForPayment_IdempotentPerCustomer(t *testing.T) {
	f := newCommissionFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:         repository.PartnerStatusActive,
		CommissionRate: 0.20,
	})

	first, err := f.svc.CreateCommissionForPayment(context.Background(), capturedPayment(partner.ID))
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.svc.CreateCommissionForPayment(context.Background(), capturedPayment(partner.ID))
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, f.commissions.commissions, 1)
}

func TestCreateCommissionForPayment_SkipsNonFirstPayment(t *testing.T) {
	f := newCommissionFixture(t)
	partner := f.partners.add(&repository.Partner{Status: repository.PartnerStatusActive})

	payment := capturedPayment(partner.ID)
	payment.IsFirstSuccessful = false

	commission, err := f.svc.CreateCommissionForPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Nil(t, commission)
	assert.Empty(t, f.commissions.commissions)
}

func TestCreateCommissionForPayment_SkipsUnattributedPayment(t *testing.T) {
	f := newCommissionFixture(t)

	payment := capturedPayment("unused")
	payment.PartnerID = nil

	commission, err := f.svc.CreateCommissionForPayment(context.Background(), payment)
	require.NoError(t, err)
	assert.Nil(t, commission)
	assert.Empty(t, f.commissions.commissions)
}

func TestCreateCommissionForPayment_SuspendedPartner(t *testing.T) {
	f := newCommissionFixture(t)
	partner := f.partners.add(&repository.Partner{Status: repository.PartnerStatusSuspended})

	commission, err := f.svc.CreateCommissionForPayment(context.Background(), capturedPayment(partner.ID))
	require.NoError(t, err)

	assert.Nil(t, commission)
	assert.Empty(t, f.commissions.commissions)
	require.Len(t, f.audit.byAction("commission_skipped_suspended"), 1)
}

func TestPromoteDuePayable(t *testing.T) {
	f := newCommissionFixture(t)
	now := time.Now()

	due := f.commissions.add(&repository.Commission{
		PartnerID: "p1", CustomerID: "c1", PaymentID: "pay-1",
		Status: repository.CommissionStatusEarned, PayableAt: now.Add(-time.Hour),
	})
	notDue := f.commissions.add(&repository.Commission{
		PartnerID: "p1", CustomerID: "c2", PaymentID: "pay-2",
		Status: repository.CommissionStatusEarned, PayableAt: now.Add(24 * time.Hour),
	})

	promoted, err := f.svc.PromoteDuePayable(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), promoted)
	assert.Equal(t, repository.CommissionStatusPayable, due.Status)
	assert.Equal(t, repository.CommissionStatusEarned, notDue.Status)
}

func TestApplyRate(t *testing.T) {
	assert.Equal(t, int64(2000), applyRate(10000, 0.20))
	assert.Equal(t, int64(2500), applyRate(12500, 0.20))
	assert.Equal(t, int64(1), applyRate(3, 0.20), "rounds half away from zero")
	assert.Equal(t, int64(0), applyRate(2, 0.20))
}
