// Package billingtest provides an in-memory billing.Provider for tests.
package billingtest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Provider is a thread-safe fake billing provider. Customers and
// subscriptions live in memory; failures are injected per operation.
type Provider struct {
	mu            sync.Mutex
	customers     map[string]*billing.Customer
	subscriptions map[string]*billing.Subscription
	methods       map[string]*billing.PaymentMethod
	nextID        int

	// Secret signs and verifies events produced by SignEvent.
	Secret string

	// CreateDelay is slept inside CreateCustomer, to widen race windows.
	CreateDelay time.Duration

	// Err* are returned by the matching operation when set.
	ErrCreate          error
	ErrGetCustomer     error
	ErrGetSubscription error
	ErrPaymentMethod   error

	// SubscriptionErrs overrides GetSubscription per subscription id.
	SubscriptionErrs map[string]error

	CreateCalls          atomic.Int64
	GetCustomerCalls     atomic.Int64
	DeleteCalls          atomic.Int64
	GetSubscriptionCalls atomic.Int64
}

var _ billing.Provider = (*Provider)(nil)

// New returns an empty fake provider using secret for event signatures.
func New(secret string) *Provider {
	return &Provider{
		customers:        make(map[string]*billing.Customer),
		subscriptions:    make(map[string]*billing.Subscription),
		methods:          make(map[string]*billing.PaymentMethod),
		SubscriptionErrs: make(map[string]error),
		Secret:           secret,
	}
}

func (p *Provider) Name() string { return "fake" }

// CreateCustomer assigns ids cus_1, cus_2, ... in call order.
func (p *Provider) CreateCustomer(ctx context.Context, params billing.CustomerParams) (*billing.Customer, error) {
	p.CreateCalls.Add(1)
	if p.CreateDelay > 0 {
		select {
		case <-time.After(p.CreateDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ErrCreate != nil {
		return nil, p.ErrCreate
	}
	p.nextID++
	c := &billing.Customer{
		ID:       fmt.Sprintf("cus_%d", p.nextID),
		Email:    params.Email,
		Metadata: params.Metadata,
	}
	p.customers[c.ID] = c
	out := *c
	return &out, nil
}

func (p *Provider) GetCustomer(_ context.Context, customerID string) (*billing.Customer, error) {
	p.GetCustomerCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ErrGetCustomer != nil {
		return nil, p.ErrGetCustomer
	}
	c, ok := p.customers[customerID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	out := *c
	return &out, nil
}

func (p *Provider) DeleteCustomer(_ context.Context, customerID string) error {
	p.DeleteCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.customers[customerID]; !ok {
		return billing.ErrCustomerNotFound
	}
	delete(p.customers, customerID)
	return nil
}

func (p *Provider) GetSubscription(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	p.GetSubscriptionCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.SubscriptionErrs[subscriptionID]; ok && err != nil {
		return nil, err
	}
	if p.ErrGetSubscription != nil {
		return nil, p.ErrGetSubscription
	}
	s, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	out := *s
	return &out, nil
}

func (p *Provider) GetPaymentMethod(_ context.Context, paymentMethodID string) (*billing.PaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ErrPaymentMethod != nil {
		return nil, p.ErrPaymentMethod
	}
	pm, ok := p.methods[paymentMethodID]
	if !ok {
		return nil, billing.ErrPaymentMethodNotFound
	}
	out := *pm
	return &out, nil
}

// PutCustomer stores or replaces a customer.
func (p *Provider) PutCustomer(c billing.Customer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customers[c.ID] = &c
}

// HasCustomer reports whether the customer exists.
func (p *Provider) HasCustomer(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.customers[id]
	return ok
}

// CustomerCount returns the number of live customers.
func (p *Provider) CustomerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.customers)
}

// PutSubscription stores or replaces a subscription.
func (p *Provider) PutSubscription(s billing.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[s.ID] = &s
}

// SetSubscriptionStatus changes the status of a stored subscription.
func (p *Provider) SetSubscriptionStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.subscriptions[id]; ok {
		s.Status = status
	}
}

// PutPaymentMethod stores or replaces a payment method.
func (p *Provider) PutPaymentMethod(pm billing.PaymentMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.methods[pm.ID] = &pm
}

// SetFailure sets the error returned by every provider read, simulating an outage.
func (p *Provider) SetFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ErrGetCustomer = err
	p.ErrGetSubscription = err
	p.ErrPaymentMethod = err
}

// SetSubscriptionErr overrides GetSubscription for one id.
func (p *Provider) SetSubscriptionErr(id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SubscriptionErrs[id] = err
}

// VerifyEvent checks a hex HMAC-SHA256 signature over the payload and
// decodes it as JSON-encoded billing.Event.
func (p *Provider) VerifyEvent(payload []byte, signatureHeader string) (*billing.Event, error) {
	if !hmac.Equal([]byte(sign(p.Secret, payload)), []byte(signatureHeader)) {
		return nil, billing.ErrInvalidWebhookSignature
	}
	var event billing.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &event, nil
}

// SignEvent encodes event and returns the payload with its signature header.
func (p *Provider) SignEvent(event billing.Event) (payload []byte, signature string) {
	payload, err := json.Marshal(event)
	if err != nil {
		panic(err)
	}
	return payload, sign(p.Secret, payload)
}

// SignPayload signs an arbitrary payload, valid JSON or not.
func (p *Provider) SignPayload(payload []byte) string {
	return sign(p.Secret, payload)
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// PortalURL returns a deterministic portal link for the customer.
func (p *Provider) PortalURL(_ context.Context, customerID, returnURL string) (string, error) {
	return "https://billing.test/portal/" + customerID + "?return=" + returnURL, nil
}
