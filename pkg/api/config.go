package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Config holds configuration for the billing API handler
type Config struct {
	// Manager is the reconciliation manager instance (required)
	Manager *billsync.Manager

	// GetUserID extracts the authenticated user ID from an HTTP request (required).
	// Token verification happens upstream.
	GetUserID func(*http.Request) string

	// SignatureHeader carries the provider webhook signature (default: "Stripe-Signature")
	SignatureHeader string

	// MaxWebhookBody limits webhook payloads (default: 256 KiB)
	MaxWebhookBody int64

	// WebhookBurst and WebhookWindow configure the per-IP webhook rate limit
	// (default: 100 requests per minute)
	WebhookBurst  int
	WebhookWindow time.Duration

	// PortalReturnURL is where the billing portal sends users back to
	PortalReturnURL string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	Logger billsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new billing API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SignatureHeader == "" {
		config.SignatureHeader = "Stripe-Signature"
	}
	if config.MaxWebhookBody <= 0 {
		config.MaxWebhookBody = 256 << 10
	}
	if config.WebhookBurst <= 0 {
		config.WebhookBurst = 100
	}
	if config.WebhookWindow <= 0 {
		config.WebhookWindow = time.Minute
	}
	if config.Logger == nil {
		config.Logger = &billsync.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
