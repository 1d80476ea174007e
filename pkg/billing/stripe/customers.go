package stripe

import (
	"context"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// CreateCustomer creates a Stripe customer. Address fields are attached when present.
func (p *Provider) CreateCustomer(ctx context.Context, in billing.CustomerParams) (*billing.Customer, error) {
	start := time.Now()

	params := &stripe.CustomerCreateParams{}
	if in.Email != "" {
		params.Email = stripe.String(in.Email)
	}
	if in.Name != "" {
		params.Name = stripe.String(in.Name)
	}
	if !in.Address.IsZero() {
		params.Address = addressParams(in.Address)
	}
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	cust, err := p.client.V1Customers.Create(withContext(ctx), params)
	err = mapError(err, billing.ErrCustomerNotFound)
	p.observe("/customers", start, err)
	if err != nil {
		return nil, err
	}
	return toCustomer(cust), nil
}

// GetCustomer retrieves a Stripe customer. Deleted customers are reported as not found.
func (p *Provider) GetCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	start := time.Now()

	cust, err := p.client.V1Customers.Retrieve(withContext(ctx), customerID, nil)
	err = mapError(err, billing.ErrCustomerNotFound)
	if err == nil && cust.Deleted {
		err = billing.ErrCustomerNotFound
	}
	p.observe("/customers/{id}", start, err)
	if err != nil {
		return nil, err
	}
	return toCustomer(cust), nil
}

// DeleteCustomer deletes a Stripe customer.
func (p *Provider) DeleteCustomer(ctx context.Context, customerID string) error {
	start := time.Now()

	_, err := p.client.V1Customers.Delete(withContext(ctx), customerID, nil)
	err = mapError(err, billing.ErrCustomerNotFound)
	p.observe("/customers/{id}:delete", start, err)
	return err
}

// GetPaymentMethod retrieves a Stripe payment method.
func (p *Provider) GetPaymentMethod(ctx context.Context, paymentMethodID string) (*billing.PaymentMethod, error) {
	start := time.Now()

	pm, err := p.client.V1PaymentMethods.Retrieve(withContext(ctx), paymentMethodID, nil)
	err = mapError(err, billing.ErrPaymentMethodNotFound)
	p.observe("/payment_methods/{id}", start, err)
	if err != nil {
		return nil, err
	}

	out := &billing.PaymentMethod{
		ID:   pm.ID,
		Type: string(pm.Type),
	}
	if pm.Card != nil {
		out.CardExpMonth = int(pm.Card.ExpMonth)
		out.CardExpYear = int(pm.Card.ExpYear)
		out.CardLast4 = pm.Card.Last4
	}
	return out, nil
}

func toCustomer(c *stripe.Customer) *billing.Customer {
	out := &billing.Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: c.Metadata,
	}
	if c.InvoiceSettings != nil && c.InvoiceSettings.DefaultPaymentMethod != nil {
		out.DefaultPaymentMethodID = c.InvoiceSettings.DefaultPaymentMethod.ID
	}
	return out
}

func addressParams(a *billing.Address) *stripe.AddressParams {
	params := &stripe.AddressParams{}
	set := func(v string) *string {
		if v == "" {
			return nil
		}
		return stripe.String(v)
	}
	params.Line1 = set(a.Line1)
	params.Line2 = set(a.Line2)
	params.City = set(a.City)
	params.State = set(a.State)
	params.PostalCode = set(a.PostalCode)
	params.Country = set(a.Country)
	return params
}
