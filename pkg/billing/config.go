package billing

import (
	"net/http"
	"time"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret is used to verify the signature of pushed events.
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a client with Timeout is used.
	// Allows custom proxies or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Timeout bounds every outbound API call when HTTPClient is nil.
	// Default: 10s
	Timeout time.Duration

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics
}
