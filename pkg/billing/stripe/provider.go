// Package stripe implements billing.Provider on top of the Stripe API.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second
	metadataUserID     = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (APIKey, WebhookSecret, HTTPClient, Metrics)

	// BackendURL overrides the Stripe API base URL (stripe-mock, tests).
	BackendURL string

	// MaxNetworkRetries is passed to the Stripe client. Retries are off by
	// default so that per-call timeouts stay bounded.
	MaxNetworkRetries int64
}

// Provider implements the billing.Provider interface for Stripe
type Provider struct {
	client        *stripe.Client
	webhookSecret string
	metrics       billing.Metrics
	now           func() time.Time
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = defaultHTTPTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(config.BackendURL)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		client:        stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig))),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		metrics:       metrics,
		now:           time.Now,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// observe records the outcome and latency of one API call.
func (p *Provider) observe(endpoint string, start time.Time, err error) {
	p.metrics.RecordAPICall(providerName, endpoint, callStatus(err))
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

func unixOrZero(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// withContext substitutes a background context for nil.
func withContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
