package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynergists/be-partner-commissions/internal/errors"
	"github.com/cynergists/be-partner-commissions/internal/repository"
)

type payoutFixture struct {
	svc         *PayoutService
	payouts     *fakePayoutStore
	commissions *fakeCommissionStore
	partners    *fakePartnerStore
	audit       *fakeAuditLog
	notifier    *fakeNotifier
	partner     *repository.Partner
}

func newPayoutFixture(t *testing.T) *payoutFixture {
	t.Helper()
	schedule, err := NewPayoutSchedule("America/Denver", 15)
	require.NoError(t, err)

	commissions := newFakeCommissionStore()
	payouts := newFakePayoutStore(commissions)
	partners := newFakePartnerStore()
	audit := &fakeAuditLog{}
	notifier := &fakeNotifier{}

	partner := partners.add(&repository.Partner{Status: repository.PartnerStatusActive})

	return &payoutFixture{
		svc:         NewPayoutService(payouts, commissions, partners, audit, notifier, schedule, testLogger()),
		payouts:     payouts,
		commissions: commissions,
		partners:    partners,
		audit:       audit,
		notifier:    notifier,
		partner:     partner,
	}
}

func (f *payoutFixture) seedPayable(customerID string, net int64) *repository.Commission {
	return f.commissions.add(&repository.Commission{
		PartnerID:  f.partner.ID,
		CustomerID: customerID,
		PaymentID:  "pay-" + customerID,
		NetAmount:  net,
		Status:     repository.CommissionStatusPayable,
		PayableAt:  time.Now().Add(-time.Hour),
	})
}

func TestCreatePayoutBatchForPartner(t *testing.T) {
	f := newPayoutFixture(t)
	f.seedPayable("c1", 100)
	f.seedPayable("c2", 200)
	f.seedPayable("c3", 300)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, payout)

	assert.Equal(t, int64(600), payout.TotalAmount)
	assert.Equal(t, 3, payout.CommissionCount)
	assert.Equal(t, repository.PayoutStatusScheduled, payout.Status)

	// Every claimed commission carries the payout link and item amounts sum to
	// the payout total.
	var itemSum int64
	for _, item := range f.payouts.items[payout.ID] {
		itemSum += item.Amount
	}
	assert.Equal(t, payout.TotalAmount, itemSum)

	for _, c := range f.commissions.commissions {
		require.NotNil(t, c.PayoutID)
		assert.Equal(t, payout.ID, *c.PayoutID)
	}

	require.Len(t, f.audit.byAction("payout_batch_created"), 1)
}

func TestCreatePayoutBatchForPartner_NothingEligible(t *testing.T) {
	f := newPayoutFixture(t)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)

	assert.Nil(t, payout)
	assert.Empty(t, f.payouts.payouts, "no payout row survives an empty batch")
}

func TestCreatePayoutBatchForPartner_SkipsFuturePayable(t *testing.T) {
	f := newPayoutFixture(t)
	c := f.seedPayable("c1", 100)
	c.PayableAt = time.Now().Add(48 * time.Hour)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, payout)
	assert.Nil(t, c.PayoutID)
}

func TestCreatePayoutBatchForPartner_SuspendedPartner(t *testing.T) {
	f := newPayoutFixture(t)
	f.partner.Status = repository.PartnerStatusSuspended
	f.seedPayable("c1", 100)

	_, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFailedPrecondition))
	assert.Empty(t, f.payouts.payouts)
}

func TestCreatePayoutBatchForPartner_ConcurrentRunsNeverShareCommissions(t *testing.T) {
	f := newPayoutFixture(t)
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		f.seedPayable(id, 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Each commission appears in exactly one surviving payout's items.
	seen := make(map[string]int)
	for payoutID, items := range f.payouts.items {
		_, payoutSurvives := f.payouts.payouts[payoutID]
		require.True(t, payoutSurvives || len(items) == 0)
		for _, item := range items {
			seen[item.CommissionID]++
		}
	}
	assert.Len(t, seen, 5)
	for commissionID, count := range seen {
		assert.Equal(t, 1, count, "commission %s claimed more than once", commissionID)
	}
}

func TestCreatePayoutBatchForPartner_ItemFailureReleasesClaim(t *testing.T) {
	f := newPayoutFixture(t)
	f.seedPayable("c1", 100)
	f.seedPayable("c2", 200)
	f.seedPayable("c3", 300)

	f.payouts.failNextInsertItems = errors.New(errors.ErrCodeInternal, "connection reset")
	_, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.Error(t, err)

	// The aborted batch leaves nothing behind: no payout row, no claim links.
	assert.Empty(t, f.payouts.payouts)
	for _, c := range f.commissions.commissions {
		assert.Nil(t, c.PayoutID, "commission %s still claimed by aborted payout", c.ID)
	}

	// The released commissions batch cleanly on the next run.
	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, payout)
	assert.Equal(t, int64(600), payout.TotalAmount)
	assert.Equal(t, 3, payout.CommissionCount)
}

func TestCreateDueBatches(t *testing.T) {
	f := newPayoutFixture(t)
	other := f.partners.add(&repository.Partner{Status: repository.PartnerStatusActive})

	f.seedPayable("c1", 100)
	f.commissions.add(&repository.Commission{
		PartnerID:  other.ID,
		CustomerID: "c9",
		PaymentID:  "pay-c9",
		NetAmount:  500,
		Status:     repository.CommissionStatusPayable,
		PayableAt:  time.Now().Add(-time.Hour),
	})

	created, err := f.svc.CreateDueBatches(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Len(t, f.payouts.payouts, 2)
}

func TestReconcilePayout_RemovesClawedBackAndDisputed(t *testing.T) {
	f := newPayoutFixture(t)
	kept := f.seedPayable("c1", 100)
	clawed := f.seedPayable("c2", 200)
	disputed := f.seedPayable("c3", 300)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)

	clawed.Status = repository.CommissionStatusClawedBack
	disputed.Status = repository.CommissionStatusDisputed

	result, err := f.svc.ReconcilePayout(context.Background(), payout.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RemovedItems)
	assert.Equal(t, 1, result.RemainingItems)
	assert.Equal(t, int64(100), result.TotalAmount)
	assert.False(t, result.Canceled)

	assert.Nil(t, clawed.PayoutID, "removed commission is released")
	assert.Nil(t, disputed.PayoutID)
	require.NotNil(t, kept.PayoutID)

	updated := f.payouts.payouts[payout.ID]
	assert.Equal(t, int64(100), updated.TotalAmount)
	assert.Equal(t, 1, updated.CommissionCount)
	require.Len(t, f.audit.byAction("payout_reconciled"), 1)
}

func TestReconcilePayout_SoleItemDisputedCancelsPayout(t *testing.T) {
	f := newPayoutFixture(t)
	c := f.seedPayable("c1", 100)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)

	c.Status = repository.CommissionStatusDisputed

	result, err := f.svc.ReconcilePayout(context.Background(), payout.ID)
	require.NoError(t, err)

	assert.True(t, result.Canceled)
	assert.Equal(t, 0, result.RemainingItems)
	assert.Equal(t, repository.PayoutStatusCanceled, f.payouts.payouts[payout.ID].Status)
}

func TestReconcilePayout_RejectsPaidPayout(t *testing.T) {
	f := newPayoutFixture(t)
	f.seedPayable("c1", 100)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)
	_, err = f.svc.MarkPayoutPaid(context.Background(), payout.ID)
	require.NoError(t, err)

	_, err = f.svc.ReconcilePayout(context.Background(), payout.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFailedPrecondition))
}

func TestMarkPayoutPaid(t *testing.T) {
	f := newPayoutFixture(t)
	c1 := f.seedPayable("c1", 100)
	c2 := f.seedPayable("c2", 200)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)

	paid, err := f.svc.MarkPayoutPaid(context.Background(), payout.ID)
	require.NoError(t, err)

	assert.Equal(t, repository.PayoutStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	// Payout and commissions share the settlement timestamp.
	assert.Equal(t, repository.CommissionStatusPaid, c1.Status)
	assert.Equal(t, repository.CommissionStatusPaid, c2.Status)
	require.NotNil(t, c1.PaidAt)
	require.NotNil(t, c2.PaidAt)
	assert.Equal(t, *paid.PaidAt, *c1.PaidAt)
	assert.Equal(t, *c1.PaidAt, *c2.PaidAt)

	// Settling twice is rejected.
	_, err = f.svc.MarkPayoutPaid(context.Background(), payout.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFailedPrecondition))
}

func TestCancelPayout(t *testing.T) {
	f := newPayoutFixture(t)
	c := f.seedPayable("c1", 100)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, c.PayoutID)

	canceled, err := f.svc.CancelPayout(context.Background(), payout.ID)
	require.NoError(t, err)

	assert.Equal(t, repository.PayoutStatusCanceled, canceled.Status)
	assert.Nil(t, c.PayoutID, "canceled payout releases its commissions")
	assert.Equal(t, repository.CommissionStatusPayable, c.Status)
}

func TestCancelPayout_RejectsPaid(t *testing.T) {
	f := newPayoutFixture(t)
	f.seedPayable("c1", 100)

	payout, err := f.svc.CreatePayoutBatchForPartner(context.Background(), f.partner.ID, time.Now())
	require.NoError(t, err)
	_, err = f.svc.MarkPayoutPaid(context.Background(), payout.ID)
	require.NoError(t, err)

	_, err = f.svc.CancelPayout(context.Background(), payout.ID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeFailedPrecondition))
}
