package stripe

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// PortalURL creates a Stripe Billing Portal session so the customer can
// update payment methods and manage the subscription.
func (p *Provider) PortalURL(ctx context.Context, customerID, returnURL string) (string, error) {
	start := time.Now()

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := p.client.V1BillingPortalSessions.Create(withContext(ctx), params)
	err = mapError(err, billing.ErrCustomerNotFound)
	p.observe("/billing_portal/sessions", start, err)
	if err != nil {
		return "", err
	}
	return sess.URL, nil
}

var _ billing.PortalProvider = (*Provider)(nil)
