package stripe

import (
	"errors"
	"strings"
	"time"

	webhookdomain "github.com/smallbiznis/billingsync/internal/webhook/domain"
	stripelib "github.com/stripe/stripe-go/v82"
)

var errNoItems = errors.New("subscription has no items")

// ViewFromSubscription projects an API subscription onto the same view the
// webhook decoder produces.
func ViewFromSubscription(sub *stripelib.Subscription) webhookdomain.SubscriptionView {
	if sub == nil {
		return webhookdomain.SubscriptionView{}
	}

	view := webhookdomain.SubscriptionView{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixTime(sub.CanceledAt),
		EndedAt:           unixTime(sub.EndedAt),
		TrialStart:        unixTime(sub.TrialStart),
		TrialEnd:          unixTime(sub.TrialEnd),
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		view.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		if item.Price != nil {
			view.PriceID = strings.TrimSpace(item.Price.ID)
		}
		view.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		view.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
	}
	return view
}

func unixTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
