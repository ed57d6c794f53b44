package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestPlanAndStatusValid(t *testing.T) {
	for _, p := range []Plan{PlanFree, PlanTier1, PlanTier2, PlanTier3} {
		assert.Truef(t, p.Valid(), "plan %s", p)
	}
	assert.False(t, Plan("enterprise").Valid())
	assert.False(t, PlanFree.Paid())
	assert.True(t, PlanTier3.Paid())

	for _, s := range []Status{StatusIncomplete, StatusIncompleteExpired, StatusTrialing, StatusActive,
		StatusPastDue, StatusCanceled, StatusUnpaid, StatusPaused} {
		assert.Truef(t, s.Valid(), "status %s", s)
	}
	assert.False(t, Status("ended").Valid())
}

func TestValidateInvariants(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	base := NewFree(1, 2, now)
	assert.NoError(t, base.Validate())

	withIDs := base
	withIDs.ExternalSubscriptionID = strPtr("sub_1")
	assert.ErrorIs(t, withIDs.Validate(), ErrFreePlanWithExternalIDs)

	paidNoSub := base
	paidNoSub.Plan = PlanTier1
	assert.ErrorIs(t, paidNoSub.Validate(), ErrPaidPlanWithoutSubscription)

	badPeriod := base
	start, end := now, now
	badPeriod.CurrentPeriodStart, badPeriod.CurrentPeriodEnd = &start, &end
	assert.ErrorIs(t, badPeriod.Validate(), ErrInvalidPeriod)
}

func TestMergeTerminalClearsExternalIDs(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := NewFree(1, 2, now)
	current.Plan = PlanTier2
	current.ExternalSubscriptionID = strPtr("sub_1")
	current.ExternalPriceID = strPtr("price_2")
	current.CancelAtPeriodEnd = true

	next := Snapshot{Status: StatusCanceled, ObservedAt: now.Add(90 * time.Second)}.Merge(current, now)
	assert.Equal(t, PlanFree, next.Plan)
	assert.Nil(t, next.ExternalSubscriptionID)
	assert.Nil(t, next.ExternalPriceID)
	assert.False(t, next.CancelAtPeriodEnd)
	if assert.NotNil(t, next.CanceledAt) {
		assert.Equal(t, now.Add(90*time.Second), *next.CanceledAt)
	}
	assert.NoError(t, next.Validate())
}

func TestMergeKeepsPlanWhenSnapshotPlanEmpty(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	current := NewFree(1, 2, now)
	current.Plan = PlanTier1
	current.ExternalSubscriptionID = strPtr("sub_1")

	observed := now.Add(1500 * time.Millisecond)
	next := Snapshot{
		ExternalSubscriptionID: "sub_1",
		ExternalPriceID:        "price_unknown",
		Status:                 StatusPastDue,
		ObservedAt:             observed,
	}.Merge(current, now)
	assert.Equal(t, PlanTier1, next.Plan)
	assert.Equal(t, StatusPastDue, next.Status)
	assert.Equal(t, "price_unknown", *next.ExternalPriceID)
	// Snapshot timestamps are stored at second precision.
	assert.Equal(t, now.Add(time.Second), *next.SnapshotAt)
}

func TestSnapshotTerminal(t *testing.T) {
	assert.True(t, Snapshot{Status: StatusCanceled}.Terminal())
	assert.True(t, Snapshot{Status: StatusIncompleteExpired}.Terminal())
	assert.False(t, Snapshot{Status: StatusPastDue}.Terminal())
	assert.Equal(t, "42", Snapshot{Metadata: map[string]string{"tenant_id": " 42 "}}.MetadataValue("tenant_id"))
	assert.Empty(t, Snapshot{}.MetadataValue("tenant_id"))
}

type priceTable map[string]string

func (p priceTable) PlanFor(priceID string) (string, bool) {
	plan, ok := p[priceID]
	return plan, ok
}

func TestResolvePlan(t *testing.T) {
	prices := priceTable{"price_pro": "tier2", "price_legacy": "free"}

	assert.Equal(t, PlanTier3, ResolvePlan(prices, " Tier3 ", "price_pro"))
	assert.Equal(t, PlanTier2, ResolvePlan(prices, "", "price_pro"))
	assert.Equal(t, PlanTier2, ResolvePlan(prices, "free", "price_pro"))
	assert.Equal(t, Plan(""), ResolvePlan(prices, "", "price_legacy"))
	assert.Equal(t, Plan(""), ResolvePlan(prices, "gold", "price_unknown"))
	assert.Equal(t, Plan(""), ResolvePlan(nil, "", "price_pro"))
}
