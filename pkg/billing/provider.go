package billing

import (
	"context"
	"time"
)

// Provider is the client contract for an external billing system of record.
// The reconciliation core only depends on this interface, so Stripe can be
// swapped for any backend that reports customers and subscriptions.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// CreateCustomer creates a billing customer and returns it.
	CreateCustomer(ctx context.Context, params CustomerParams) (*Customer, error)

	// GetCustomer retrieves a customer.
	// Returns ErrCustomerNotFound if the customer does not exist or was deleted.
	GetCustomer(ctx context.Context, customerID string) (*Customer, error)

	// DeleteCustomer removes a customer. Used to clean up orphans.
	DeleteCustomer(ctx context.Context, customerID string) error

	// GetSubscription retrieves the current state of a subscription.
	// Returns ErrSubscriptionNotFound if the provider no longer knows it.
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// GetPaymentMethod retrieves a payment method.
	GetPaymentMethod(ctx context.Context, paymentMethodID string) (*PaymentMethod, error)

	// VerifyEvent checks the authenticity of a pushed event payload and parses it.
	// Returns ErrInvalidWebhookSignature when the signature does not match.
	VerifyEvent(payload []byte, signatureHeader string) (*Event, error)
}

// Address is a postal billing address. Every field is optional.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// IsZero reports whether no address field is set.
func (a *Address) IsZero() bool {
	return a == nil || *a == Address{}
}

// CustomerParams describes a customer to create.
type CustomerParams struct {
	Email    string
	Name     string
	Address  *Address
	Metadata map[string]string
}

// Customer is the provider's view of a billing customer.
type Customer struct {
	ID                     string
	Email                  string
	DefaultPaymentMethodID string
	Metadata               map[string]string
}

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         time.Time
	Created            time.Time
	Metadata           map[string]string
}

// PaymentMethod is the provider's view of a stored payment instrument.
type PaymentMethod struct {
	ID           string
	Type         string
	CardExpMonth int
	CardExpYear  int
	CardLast4    string
}

// Expired reports whether a card payment method has passed its expiry month.
// Non-card methods never expire.
func (pm *PaymentMethod) Expired(now time.Time) bool {
	if pm == nil || pm.Type != PaymentMethodTypeCard || pm.CardExpYear == 0 {
		return false
	}
	year, month := now.Year(), int(now.Month())
	return pm.CardExpYear < year || (pm.CardExpYear == year && pm.CardExpMonth < month)
}

// PaymentMethodTypeCard is the payment method type for cards.
const PaymentMethodTypeCard = "card"

// PortalProvider is implemented by providers that host a self-service
// billing page where customers can update payment details.
type PortalProvider interface {
	PortalURL(ctx context.Context, customerID, returnURL string) (string, error)
}
