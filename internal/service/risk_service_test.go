package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynergists/be-partner-commissions/internal/repository"
)

type riskFixture struct {
	svc      *RiskService
	partners *fakePartnerStore
	notifier *fakeNotifier
}

func newRiskFixture(t *testing.T) *riskFixture {
	t.Helper()
	partners := newFakePartnerStore()
	notifier := &fakeNotifier{}
	return &riskFixture{
		svc:      NewRiskService(partners, notifier, 30, 60, testLogger()),
		partners: partners,
		notifier: notifier,
	}
}

func TestUpdatePartnerRisk_Levels(t *testing.T) {
	f := newRiskFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:    repository.PartnerStatusActive,
		RiskLevel: repository.RiskLevelLow,
	})

	result, err := f.svc.UpdatePartnerRisk(context.Background(), partner.ID, 10, "late chargeback")
	require.NoError(t, err)
	assert.Equal(t, 10, result.NewScore)
	assert.Equal(t, repository.RiskLevelLow, result.NewLevel)
	assert.False(t, result.WasSuspended)

	result, err = f.svc.UpdatePartnerRisk(context.Background(), partner.ID, 25, "refund spike")
	require.NoError(t, err)
	assert.Equal(t, 35, result.NewScore)
	assert.Equal(t, repository.RiskLevelMedium, result.NewLevel)
	assert.False(t, result.WasSuspended)
	assert.Equal(t, repository.PartnerStatusActive, partner.Status)
}

func TestUpdatePartnerRisk_FloorsAtZero(t *testing.T) {
	f := newRiskFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:    repository.PartnerStatusActive,
		RiskScore: 5,
	})

	result, err := f.svc.UpdatePartnerRisk(context.Background(), partner.ID, -20, "good standing review")
	require.NoError(t, err)

	assert.Equal(t, 0, result.NewScore)
	assert.Equal(t, repository.RiskLevelLow, result.NewLevel)
	assert.Equal(t, 0, partner.RiskScore)
}

func TestUpdatePartnerRisk_CrossingHighTriggersSuspensionCascade(t *testing.T) {
	f := newRiskFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:    repository.PartnerStatusActive,
		RiskScore: 59,
		RiskLevel: repository.RiskLevelMedium,
	})
	f.partners.reports[partner.ID] = []*repository.ScheduledReport{
		{ID: "r1", PartnerID: partner.ID, IsActive: true},
		{ID: "r2", PartnerID: partner.ID, IsActive: true},
		{ID: "r3", PartnerID: partner.ID, IsActive: false},
	}

	result, err := f.svc.UpdatePartnerRisk(context.Background(), partner.ID, 6, "chargeback fraud pattern")
	require.NoError(t, err)

	assert.Equal(t, 65, result.NewScore)
	assert.Equal(t, repository.RiskLevelHigh, result.NewLevel)
	assert.True(t, result.WasSuspended)
	assert.Equal(t, int64(2), result.ReportsHalted)

	// Final state: suspended with the new score and level persisted, flagged,
	// note appended, all schedules off, one cascade, one critical notification.
	assert.Equal(t, repository.PartnerStatusSuspended, partner.Status)
	assert.Equal(t, 65, partner.RiskScore)
	assert.Equal(t, repository.RiskLevelHigh, partner.RiskLevel)
	assert.True(t, partner.HasFraudFlag)
	require.NotNil(t, partner.FraudNotes)
	assert.Contains(t, *partner.FraudNotes, "chargeback fraud pattern")
	for _, r := range f.partners.reports[partner.ID] {
		assert.False(t, r.IsActive)
	}
	assert.Equal(t, 1, f.partners.suspendCalls)
	require.Len(t, f.notifier.bySeverity(repository.SeverityCritical), 1)
	assert.Equal(t, "partner_suspended", f.notifier.bySeverity(repository.SeverityCritical)[0].EventType)
}

func TestUpdatePartnerRisk_AlreadySuspendedSkipsCascade(t *testing.T) {
	f := newRiskFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:    repository.PartnerStatusSuspended,
		RiskScore: 70,
		RiskLevel: repository.RiskLevelHigh,
	})

	result, err := f.svc.UpdatePartnerRisk(context.Background(), partner.ID, 10, "continued activity")
	require.NoError(t, err)

	assert.Equal(t, 80, result.NewScore)
	assert.False(t, result.WasSuspended)
	assert.Equal(t, 0, f.partners.suspendCalls)
	assert.Empty(t, f.notifier.events)
}

func TestUpdatePartnerRisk_HighThresholdBoundary(t *testing.T) {
	f := newRiskFixture(t)
	partner := f.partners.add(&repository.Partner{
		Status:    repository.PartnerStatusActive,
		RiskScore: 59,
	})

	result, err := f.svc.UpdatePartnerRisk(context.Background(), partner.ID, 1, "threshold check")
	require.NoError(t, err)

	assert.Equal(t, 60, result.NewScore)
	assert.Equal(t, repository.RiskLevelHigh, result.NewLevel)
	assert.True(t, result.WasSuspended, "score of exactly 60 is high risk")
}
