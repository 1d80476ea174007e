package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSubscriptionNotFound is returned when a subscription cannot be found in the provider
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")

	// ErrPaymentMethodNotFound is returned when a payment method cannot be found in the provider
	ErrPaymentMethodNotFound = errors.New("payment method not found in billing provider")

	// ErrProviderUnavailable is returned when the provider cannot be reached,
	// times out, or answers with a transient failure (rate limit, 5xx).
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderAPIError is returned when the provider's API rejects a request
	ErrProviderAPIError = errors.New("billing provider API error")
)
