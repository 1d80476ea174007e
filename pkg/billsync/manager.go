package billsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Manager coordinates customer resolution, subscription reconciliation and
// access decisions for one storage backend and one billing provider.
// In-flight creations and the poll flag are owned by the Manager, so
// independent instances never share state.
type Manager struct {
	storage  Storage
	provider billing.Provider
	config   Config

	logger   Logger
	metrics  Metrics
	notifier Notifier
	now      func() time.Time
	breaker  CircuitBreaker
	admins   map[string]struct{}

	creations singleflight.Group

	pollRunning atomic.Bool
	pollMu      sync.Mutex
	lastPoll    *PollSummary
}

// NewManager creates a new reconciliation manager.
func NewManager(storage Storage, provider billing.Provider, config Config) (*Manager, error) {
	if storage == nil {
		return nil, newError(KindConfiguration, "NewManager", "", ErrStorageUnavailable)
	}
	if provider == nil {
		return nil, newError(KindConfiguration, "NewManager", "", billing.ErrProviderNotConfigured)
	}
	if err := config.Validate(); err != nil {
		return nil, newError(KindConfiguration, "NewManager", "", err)
	}
	config = config.withDefaults()

	m := &Manager{
		storage:  storage,
		provider: provider,
		config:   config,
		logger:   config.Logger,
		metrics:  config.Metrics,
		notifier: config.Notifier,
		now:      config.Now,
		admins:   make(map[string]struct{}, len(config.AdminUsers)),
	}
	for _, id := range config.AdminUsers {
		m.admins[id] = struct{}{}
	}

	if cb := config.CircuitBreakerConfig; cb != nil && cb.Enabled {
		m.breaker = NewDefaultCircuitBreaker(cb.FailureThreshold, cb.ResetTimeout, isProviderDown,
			func(state CircuitBreakerState) {
				m.metrics.RecordCircuitBreakerStateChange(string(state))
				m.logger.Warn("provider circuit breaker state changed", Field{"state", string(state)})
			})
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// callProvider runs fn with the provider timeout, through the circuit breaker when enabled.
func (m *Manager) callProvider(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProviderTimeout)
	defer cancel()

	if m.breaker == nil {
		return fn(ctx)
	}
	return m.breaker.Execute(ctx, func() error { return fn(ctx) })
}

// isProviderDown reports whether err means the provider could not be reached,
// as opposed to a definite answer from it.
func isProviderDown(err error) bool {
	return errors.Is(err, billing.ErrProviderUnavailable) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

func providerError(op, userID string, err error) *Error {
	switch {
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return newError(KindConfiguration, op, userID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, op, userID, err)
	default:
		return newError(KindProvider, op, userID, err)
	}
}

func storageError(op, userID string, err error) error {
	if errors.Is(err, ErrUserNotFound) {
		return newError(KindNotFound, op, userID, err)
	}
	return fmt.Errorf("%s: storage: %w", op, err)
}

// recordWrite logs and counts one reconciliation write.
func (m *Manager) recordWrite(userID string, w SubscriptionWrite, res WriteResult) {
	if !res.Applied {
		m.metrics.RecordSubscriptionWrite(w.Source, "dropped")
		m.logger.Info("stale subscription write dropped",
			Field{"user_id", userID},
			Field{"source", string(w.Source)},
			Field{"status", string(w.Status)},
			Field{"confirmed_at", w.ConfirmedAt},
			Field{"last_status_check_at", res.Previous.LastStatusCheckAt},
		)
		return
	}
	m.metrics.RecordSubscriptionWrite(w.Source, "applied")
	if res.Transitioned() {
		m.logger.Info("subscription status changed",
			Field{"user_id", userID},
			Field{"source", string(w.Source)},
			Field{"from", string(res.Previous.Status)},
			Field{"to", string(res.Current.Status)},
		)
	}
}

// notifyTransition emits one notification when an applied write moved the
// record into a status that needs the user's attention. The store returns
// the previous record from the same atomic write, so concurrent writers
// observing the same transition cannot both notify.
func (m *Manager) notifyTransition(ctx context.Context, userID string, w SubscriptionWrite, res WriteResult, issue IssueType) bool {
	if !res.Transitioned() || !res.Current.Status.NeedsAttention() {
		return false
	}
	if issue == "" {
		issue = IssueForStatus(res.Current.Status)
	}
	return m.notify(ctx, Notification{
		UserID:     userID,
		Issue:      issue,
		Status:     res.Current.Status,
		Previous:   res.Previous.Status,
		Source:     w.Source,
		OccurredAt: w.ConfirmedAt,
	})
}
