package billsync

import (
	"context"
	"time"
)

// IssueType classifies a notification.
type IssueType string

const (
	IssueSubscriptionPastDue    IssueType = "SUBSCRIPTION_PAST_DUE"
	IssueSubscriptionCancelled  IssueType = "SUBSCRIPTION_CANCELLED"
	IssueSubscriptionIncomplete IssueType = "SUBSCRIPTION_INCOMPLETE"
	IssuePaymentFailed          IssueType = "PAYMENT_FAILED"
	IssuePaymentMethodInvalid   IssueType = "PAYMENT_METHOD_INVALID"

	// IssueSubscriptionCheckFailed is sent to operators, not users; UserID is empty.
	IssueSubscriptionCheckFailed IssueType = "SUBSCRIPTION_CHECK_FAILED"
)

// IssueForStatus returns the issue type for a transition into s.
func IssueForStatus(s Status) IssueType {
	switch s {
	case StatusPastDue, StatusUnpaid:
		return IssueSubscriptionPastDue
	case StatusCanceled:
		return IssueSubscriptionCancelled
	default:
		return IssueSubscriptionIncomplete
	}
}

// Notification asks the notifier to tell a user (or operators) about a billing issue.
type Notification struct {
	UserID     string
	Email      string
	Issue      IssueType
	Status     Status
	Previous   Status
	Source     Source
	OccurredAt time.Time
	Details    map[string]string
}

// Notifier delivers notifications. Delivery failures are logged by the
// caller and never fail a reconciliation.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// notify fills in the e-mail address and hands n to the notifier.
func (m *Manager) notify(ctx context.Context, n Notification) bool {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = m.now()
	}
	if n.Email == "" && n.UserID != "" {
		if u, err := m.storage.GetUser(ctx, n.UserID); err == nil {
			n.Email = u.Email
		}
	}

	err := m.notifier.Notify(ctx, n)
	m.metrics.RecordNotification(n.Issue, err)
	if err != nil {
		m.logger.Error("notification delivery failed",
			Field{"user_id", n.UserID},
			Field{"issue", string(n.Issue)},
			Field{"error", err.Error()},
		)
		return false
	}
	m.logger.Info("notification sent",
		Field{"user_id", n.UserID},
		Field{"issue", string(n.Issue)},
		Field{"status", string(n.Status)},
	)
	return true
}
