package domain

import (
	"strings"
	"time"
)

// Snapshot is the platform's view of a subscription at ObservedAt.
type Snapshot struct {
	ExternalSubscriptionID string
	ExternalCustomerID     string
	ExternalPriceID        string
	// Plan is the tier the price maps to. Empty keeps the stored plan.
	Plan               Plan
	Status             Status
	CancelAtPeriodEnd  bool
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
	ObservedAt         time.Time
}

// Terminal reports whether the platform subscription has ended. A terminal
// snapshot releases the tenant back to the free plan.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

// MetadataValue returns a trimmed metadata value.
func (s Snapshot) MetadataValue(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(s.Metadata[key])
}

// Merge projects the snapshot onto current. Terminal snapshots clear the
// external subscription and price ids and reset the plan to free.
func (s Snapshot) Merge(current Subscription, now time.Time) Subscription {
	next := current
	observed := s.ObservedAt.UTC().Truncate(time.Second)

	if customer := strings.TrimSpace(s.ExternalCustomerID); customer != "" {
		next.ExternalCustomerID = customer
	}
	next.Status = s.Status
	next.CancelAtPeriodEnd = s.CancelAtPeriodEnd
	next.CurrentPeriodStart = normalizeTime(s.CurrentPeriodStart)
	next.CurrentPeriodEnd = normalizeTime(s.CurrentPeriodEnd)
	next.CanceledAt = normalizeTime(s.CanceledAt)
	next.TrialStart = normalizeTime(s.TrialStart)
	next.TrialEnd = normalizeTime(s.TrialEnd)
	next.SnapshotAt = &observed
	next.UpdatedAt = now

	if s.Terminal() {
		next.Plan = PlanFree
		next.ExternalSubscriptionID = nil
		next.ExternalPriceID = nil
		next.CancelAtPeriodEnd = false
		if next.CanceledAt == nil {
			next.CanceledAt = &observed
		}
		return next
	}

	if id := strings.TrimSpace(s.ExternalSubscriptionID); id != "" {
		next.ExternalSubscriptionID = &id
	}
	if price := strings.TrimSpace(s.ExternalPriceID); price != "" {
		next.ExternalPriceID = &price
	}
	if s.Plan != "" {
		next.Plan = s.Plan
	}
	return next
}

func normalizeTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC().Truncate(time.Second)
	return &v
}
