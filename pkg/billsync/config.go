package billsync

import (
	"errors"
	"fmt"
	"time"
)

// Config holds reconciliation manager configuration
type Config struct {
	// FreshnessWindow is the maximum age of a cached status the guard trusts
	// without re-validating (default: 4 hours)
	FreshnessWindow time.Duration

	// PollPageSize bounds the number of users swept per PollBatch (default: 500)
	PollPageSize int

	// PollConcurrency is the number of users validated in parallel during a poll (default: 4)
	PollConcurrency int

	// LockWait is the schedule for waiting on a customer creation running in
	// another process (default: DefaultLockWaitPolicy)
	LockWait RetryPolicy

	// ProviderTimeout bounds each provider call made by the manager (default: 15s)
	ProviderTimeout time.Duration

	// StoreTimeout bounds each storage call made by a customer creation, which
	// outlives the caller's context (default: 10s)
	StoreTimeout time.Duration

	// AdminUsers are exempt from the access guard.
	AdminUsers []string

	// SkipCustomerVerification trusts a stored customer id without asking the
	// provider whether it still exists.
	SkipCustomerVerification bool

	// SkipPaymentMethodCheck disables the guard's secondary payment method check.
	SkipPaymentMethodCheck bool

	// CircuitBreakerConfig configures the breaker around provider calls (optional)
	CircuitBreakerConfig *CircuitBreakerConfig

	// Notifier receives status-change notifications (default: NoopNotifier)
	Notifier Notifier

	// Metrics is used for tracking reconciliation operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 4 * time.Hour,
		PollPageSize:    500,
		PollConcurrency: 4,
		LockWait:        DefaultLockWaitPolicy(),
		ProviderTimeout: 15 * time.Second,
		StoreTimeout:    10 * time.Second,
		CircuitBreakerConfig: &CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FreshnessWindow == 0 {
		c.FreshnessWindow = def.FreshnessWindow
	}
	if c.PollPageSize == 0 {
		c.PollPageSize = def.PollPageSize
	}
	if c.PollConcurrency == 0 {
		c.PollConcurrency = def.PollConcurrency
	}
	if c.LockWait == (RetryPolicy{}) {
		c.LockWait = def.LockWait
	}
	if c.ProviderTimeout == 0 {
		c.ProviderTimeout = def.ProviderTimeout
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.Notifier == nil {
		c.Notifier = NoopNotifier{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.FreshnessWindow < 0 {
		errs = append(errs, errors.New("FreshnessWindow must not be negative"))
	}
	if c.PollPageSize < 0 {
		errs = append(errs, errors.New("PollPageSize must not be negative"))
	}
	if c.PollConcurrency < 0 {
		errs = append(errs, errors.New("PollConcurrency must not be negative"))
	}
	if c.ProviderTimeout < 0 {
		errs = append(errs, errors.New("ProviderTimeout must not be negative"))
	}
	if c.StoreTimeout < 0 {
		errs = append(errs, errors.New("StoreTimeout must not be negative"))
	}
	if c.LockWait != (RetryPolicy{}) {
		if err := c.LockWait.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if cb := c.CircuitBreakerConfig; cb != nil && cb.Enabled {
		if cb.FailureThreshold <= 0 {
			errs = append(errs, errors.New("CircuitBreakerConfig.FailureThreshold must be positive"))
		}
		if cb.ResetTimeout <= 0 {
			errs = append(errs, errors.New("CircuitBreakerConfig.ResetTimeout must be positive"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
