package stripe

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// GetSubscription retrieves the current state of a Stripe subscription.
func (p *Provider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	start := time.Now()

	sub, err := p.client.V1Subscriptions.Retrieve(withContext(ctx), subscriptionID, nil)
	err = mapError(err, billing.ErrSubscriptionNotFound)
	p.observe("/subscriptions/{id}", start, err)
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// toSubscription converts an SDK subscription. Since the 2025 API versions the
// billing period lives on the subscription items; the first item is used.
func toSubscription(s *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		CanceledAt:        unixOrZero(s.CanceledAt),
		Created:           unixOrZero(s.Created),
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0] != nil {
		out.CurrentPeriodStart = unixOrZero(s.Items.Data[0].CurrentPeriodStart)
		out.CurrentPeriodEnd = unixOrZero(s.Items.Data[0].CurrentPeriodEnd)
	}
	return out
}
