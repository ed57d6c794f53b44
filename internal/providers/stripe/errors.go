package stripe

import (
	"errors"
	"fmt"
	"net/http"

	stripelib "github.com/stripe/stripe-go/v82"
)

var (
	// ErrUpstream marks a failed or unreachable platform call. Callers may retry.
	ErrUpstream      = errors.New("upstream_error")
	ErrNotFound      = errors.New("upstream_not_found")
	ErrNotConfigured = errors.New("stripe_not_configured")
)

// classify maps a stripe-go error onto ErrNotFound or ErrUpstream, keeping the
// original error in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripelib.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s: %s", ErrNotFound, op, stripeErr.Msg)
		}
		return fmt.Errorf("%w: %s: status=%d type=%s code=%s: %s",
			ErrUpstream, op, stripeErr.HTTPStatusCode, stripeErr.Type, stripeErr.Code, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, op, err)
}
