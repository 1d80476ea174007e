package stripe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// SignatureHeader is the HTTP header carrying the Stripe event signature.
const SignatureHeader = "Stripe-Signature"

var eventTypes = map[stripe.EventType]billing.EventType{
	"customer.subscription.created": billing.EventSubscriptionCreated,
	"customer.subscription.updated": billing.EventSubscriptionUpdated,
	"customer.subscription.deleted": billing.EventSubscriptionDeleted,
	"invoice.payment_succeeded":     billing.EventInvoicePaymentSucceeded,
	"invoice.paid":                  billing.EventInvoicePaymentSucceeded,
	"invoice.payment_failed":        billing.EventInvoicePaymentFailed,
	"payment_method.detached":       billing.EventPaymentMethodDetached,
}

// VerifyEvent verifies the Stripe-Signature header and parses the event.
// Unknown event types are returned with Type billing.EventUnknown.
func (p *Provider) VerifyEvent(payload []byte, signatureHeader string) (*billing.Event, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		p.metrics.RecordWebhookVerification(providerName, "invalid_signature")
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	p.metrics.RecordWebhookVerification(providerName, "ok")

	out := &billing.Event{
		ID:           event.ID,
		Type:         billing.EventUnknown,
		ProviderType: string(event.Type),
		Created:      unixOrZero(event.Created),
	}
	if out.Created.IsZero() {
		out.Created = p.now().UTC()
	}

	typ, ok := eventTypes[event.Type]
	if !ok || event.Data == nil {
		return out, nil
	}
	out.Type = typ

	switch typ {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", billing.ErrInvalidWebhookPayload, err)
		}
		out.Subscription = toSubscription(&sub)
	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		inv, err := parseInvoice(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		out.Invoice = inv
	case billing.EventPaymentMethodDetached:
		out.PaymentMethod = parsePaymentMethodEvent(event.Data)
	}
	return out, nil
}

// rawInvoice is decoded by hand: the subscription reference moved under
// parent.subscription_details in recent API versions and may be expanded.
type rawInvoice struct {
	ID           string          `json:"id"`
	Customer     json.RawMessage `json:"customer"`
	Subscription json.RawMessage `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription json.RawMessage `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
	AmountDue   int64  `json:"amount_due"`
	Currency    string `json:"currency"`
	DueDate     int64  `json:"due_date"`
	Lines       *struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func parseInvoice(raw []byte) (*billing.Invoice, error) {
	var in rawInvoice
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: invoice: %v", billing.ErrInvalidWebhookPayload, err)
	}

	out := &billing.Invoice{
		ID:             in.ID,
		CustomerID:     refID(in.Customer),
		SubscriptionID: refID(in.Subscription),
		PeriodStart:    unixOrZero(in.PeriodStart),
		PeriodEnd:      unixOrZero(in.PeriodEnd),
		AmountDue:      in.AmountDue,
		Currency:       in.Currency,
		DueDate:        unixOrZero(in.DueDate),
	}
	if out.SubscriptionID == "" && in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		out.SubscriptionID = refID(in.Parent.SubscriptionDetails.Subscription)
	}
	// Line item periods describe the subscription period; the invoice-level
	// period is the preceding usage window.
	if in.Lines != nil && len(in.Lines.Data) > 0 && in.Lines.Data[0].Period.Start > 0 {
		out.PeriodStart = unixOrZero(in.Lines.Data[0].Period.Start)
		out.PeriodEnd = unixOrZero(in.Lines.Data[0].Period.End)
	}
	return out, nil
}

// refID extracts an object id from either a bare string or an expanded object.
func refID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// parsePaymentMethodEvent reads the detached payment method. After detaching,
// the object no longer references a customer; the previous one is taken from
// previous_attributes.
func parsePaymentMethodEvent(data *stripe.EventData) *billing.PaymentMethodEvent {
	out := &billing.PaymentMethodEvent{}
	var pm struct {
		ID       string          `json:"id"`
		Customer json.RawMessage `json:"customer"`
	}
	if err := json.Unmarshal(data.Raw, &pm); err == nil {
		out.ID = pm.ID
		out.CustomerID = refID(pm.Customer)
	}
	if out.CustomerID == "" && data.PreviousAttributes != nil {
		if c, ok := data.PreviousAttributes["customer"].(string); ok {
			out.CustomerID = strings.TrimSpace(c)
		}
	}
	return out
}
