// Package notify provides billsync.Notifier implementations.
package notify

import (
	"context"
	"errors"

	"github.com/mihaimyh/billsync/pkg/billsync"
)

var (
	// ErrInvalidConfig is returned when a notifier is missing required settings.
	ErrInvalidConfig = errors.New("notify: invalid config")

	// ErrNoRecipient is returned when a notification has no address to go to.
	ErrNoRecipient = errors.New("notify: no recipient")

	// ErrDeliveryFailed wraps transport and API errors.
	ErrDeliveryFailed = errors.New("notify: delivery failed")
)

// Multi fans a notification out to every notifier. All notifiers are tried;
// the returned error joins the individual failures.
type Multi []billsync.Notifier

func (m Multi) Notify(ctx context.Context, n billsync.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes notifications to a billsync.Logger. It is the fallback when no
// e-mail provider is configured.
type Log struct {
	logger billsync.Logger
}

// NewLog creates a Log notifier.
func NewLog(logger billsync.Logger) *Log {
	if logger == nil {
		logger = &billsync.NoopLogger{}
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, n billsync.Notification) error {
	fields := []billsync.Field{
		{Key: "user_id", Value: n.UserID},
		{Key: "issue", Value: string(n.Issue)},
		{Key: "status", Value: string(n.Status)},
		{Key: "previous", Value: string(n.Previous)},
		{Key: "source", Value: string(n.Source)},
	}
	for k, v := range n.Details {
		fields = append(fields, billsync.Field{Key: k, Value: v})
	}
	l.logger.Warn("billing issue", fields...)
	return nil
}
