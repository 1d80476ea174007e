package stripe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// mapError translates SDK and transport errors into billing sentinel errors.
// notFound is returned for resource_missing / 404 responses.
func mapError(err error, notFound error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", notFound, stripeErr.Msg)
		case stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
			return errors.Join(billing.ErrProviderUnavailable, err)
		default:
			return errors.Join(billing.ErrProviderAPIError, err)
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return errors.Join(billing.ErrProviderUnavailable, err)
	}

	// Anything the SDK could not turn into an API error never reached Stripe.
	return errors.Join(billing.ErrProviderUnavailable, err)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, billing.ErrCustomerNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrPaymentMethodNotFound):
		return "not_found"
	case errors.Is(err, billing.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
