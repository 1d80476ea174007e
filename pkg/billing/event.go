package billing

import "time"

// EventType is a provider-neutral event type.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventPaymentMethodDetached   EventType = "payment_method.detached"
	EventUnknown                 EventType = "unknown"
)

// Event is a verified, parsed event pushed by the provider.
// Exactly one of Subscription, Invoice or PaymentMethod is set for known types.
type Event struct {
	ID string

	// Type is the normalized event type.
	Type EventType

	// ProviderType is the raw type string as sent by the provider
	// (e.g. "customer.subscription.updated").
	ProviderType string

	// Created is the provider's timestamp for the event. The reconciliation
	// core uses it as the confirmation time of the carried state.
	Created time.Time

	Subscription  *Subscription
	Invoice       *Invoice
	PaymentMethod *PaymentMethodEvent
}

// Invoice carries the invoice fields the core needs.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	AmountDue      int64
	Currency       string
	DueDate        time.Time
}

// PaymentMethodEvent identifies a payment method and the customer it belonged to.
type PaymentMethodEvent struct {
	ID         string
	CustomerID string
}
