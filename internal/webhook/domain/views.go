package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// expandableID accepts either a bare id or an expanded object carrying "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(strings.TrimSpace(obj.ID))
	return nil
}

func unixTime(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

type wireSubscription struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CurrentPeriodStart *int64            `json:"current_period_start"`
	CurrentPeriodEnd   *int64            `json:"current_period_end"`
	CanceledAt         *int64            `json:"canceled_at"`
	EndedAt            *int64            `json:"ended_at"`
	TrialStart         *int64            `json:"trial_start"`
	TrialEnd           *int64            `json:"trial_end"`
	Metadata           map[string]string `json:"metadata"`
	Plan               *struct {
		ID string `json:"id"`
	} `json:"plan"`
	Items struct {
		Data []struct {
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart *int64 `json:"current_period_start"`
			CurrentPeriodEnd   *int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

func decodeSubscription(raw json.RawMessage) (*SubscriptionView, error) {
	var w wireSubscription
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: subscription: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(w.ID) == "" {
		return nil, fmt.Errorf("%w: subscription id", ErrMissingObject)
	}

	view := &SubscriptionView{
		ID:                strings.TrimSpace(w.ID),
		CustomerID:        string(w.Customer),
		Status:            strings.TrimSpace(w.Status),
		CancelAtPeriodEnd: w.CancelAtPeriodEnd,
		CanceledAt:        unixTime(w.CanceledAt),
		EndedAt:           unixTime(w.EndedAt),
		TrialStart:        unixTime(w.TrialStart),
		TrialEnd:          unixTime(w.TrialEnd),
		Metadata:          w.Metadata,
	}

	// Newer API versions carry the billing period on the item.
	periodStart, periodEnd := w.CurrentPeriodStart, w.CurrentPeriodEnd
	if len(w.Items.Data) > 0 {
		item := w.Items.Data[0]
		if item.Price != nil {
			view.PriceID = strings.TrimSpace(item.Price.ID)
		}
		if periodStart == nil {
			periodStart = item.CurrentPeriodStart
		}
		if periodEnd == nil {
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if view.PriceID == "" && w.Plan != nil {
		view.PriceID = strings.TrimSpace(w.Plan.ID)
	}
	view.CurrentPeriodStart = unixTime(periodStart)
	view.CurrentPeriodEnd = unixTime(periodEnd)
	return view, nil
}

type wireInvoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`
	AmountPaid    int64        `json:"amount_paid"`
	AmountDue     int64        `json:"amount_due"`
	Currency      string       `json:"currency"`
	BillingReason string       `json:"billing_reason"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func decodeInvoice(raw json.RawMessage) (*InvoiceView, error) {
	var w wireInvoice
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(w.ID) == "" {
		return nil, fmt.Errorf("%w: invoice id", ErrMissingObject)
	}

	view := &InvoiceView{
		ID:              strings.TrimSpace(w.ID),
		CustomerID:      string(w.Customer),
		SubscriptionID:  string(w.Subscription),
		PaymentIntentID: string(w.PaymentIntent),
		AmountPaid:      w.AmountPaid,
		AmountDue:       w.AmountDue,
		Currency:        strings.ToUpper(strings.TrimSpace(w.Currency)),
		BillingReason:   strings.TrimSpace(w.BillingReason),
	}
	if view.SubscriptionID == "" && w.Parent != nil && w.Parent.SubscriptionDetails != nil {
		view.SubscriptionID = string(w.Parent.SubscriptionDetails.Subscription)
	}
	if view.PaymentIntentID == "" && w.Payments != nil {
		for _, p := range w.Payments.Data {
			if id := string(p.Payment.PaymentIntent); id != "" {
				view.PaymentIntentID = id
				break
			}
		}
	}
	if w.LastFinalizationError != nil {
		view.FailureMessage = strings.TrimSpace(w.LastFinalizationError.Message)
	}
	return view, nil
}

type wireCharge struct {
	ID             string       `json:"id"`
	PaymentIntent  expandableID `json:"payment_intent"`
	Invoice        expandableID `json:"invoice"`
	Amount         int64        `json:"amount"`
	AmountRefunded int64        `json:"amount_refunded"`
	Currency       string       `json:"currency"`
}

func decodeCharge(raw json.RawMessage) (*ChargeView, error) {
	var w wireCharge
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: charge: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(w.ID) == "" {
		return nil, fmt.Errorf("%w: charge id", ErrMissingObject)
	}
	return &ChargeView{
		ID:              strings.TrimSpace(w.ID),
		PaymentIntentID: string(w.PaymentIntent),
		InvoiceID:       string(w.Invoice),
		Amount:          w.Amount,
		AmountRefunded:  w.AmountRefunded,
		Currency:        strings.ToUpper(strings.TrimSpace(w.Currency)),
	}, nil
}

type wireCheckoutSession struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	Mode              string            `json:"mode"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func decodeCheckoutSession(raw json.RawMessage) (*CheckoutSessionView, error) {
	var w wireCheckoutSession
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(w.ID) == "" {
		return nil, fmt.Errorf("%w: checkout session id", ErrMissingObject)
	}
	return &CheckoutSessionView{
		ID:                strings.TrimSpace(w.ID),
		CustomerID:        string(w.Customer),
		SubscriptionID:    string(w.Subscription),
		Mode:              strings.TrimSpace(w.Mode),
		ClientReferenceID: strings.TrimSpace(w.ClientReferenceID),
		Metadata:          w.Metadata,
	}, nil
}
