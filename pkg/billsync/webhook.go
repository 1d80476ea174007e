package billsync

import (
	"context"
	"errors"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const opWebhook = "ApplyWebhookEvent"

// WebhookOutcome describes what an event did.
type WebhookOutcome string

const (
	WebhookApplied  WebhookOutcome = "applied"
	WebhookDropped  WebhookOutcome = "dropped"
	WebhookIgnored  WebhookOutcome = "ignored"
	WebhookNotified WebhookOutcome = "notified"
)

// WebhookResult reports how a provider event was handled.
type WebhookResult struct {
	EventID   string            `json:"event_id"`
	EventType billing.EventType `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Outcome   WebhookOutcome    `json:"outcome"`
	Status    Status            `json:"status,omitempty"`
	Notified  bool              `json:"notified,omitempty"`

	// Reason explains ignored events.
	Reason string `json:"reason,omitempty"`
}

// ApplyWebhookEvent verifies a provider-pushed payload and applies it.
// Events failing verification are rejected with a SignatureError and never
// applied. Events about unknown users or irrelevant types are ignored without
// error so the provider does not retry them.
func (m *Manager) ApplyWebhookEvent(ctx context.Context, payload []byte, signatureHeader string) (*WebhookResult, error) {
	event, err := m.provider.VerifyEvent(payload, signatureHeader)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrProviderNotConfigured):
			return nil, newError(KindConfiguration, opWebhook, "", err)
		case errors.Is(err, billing.ErrInvalidWebhookSignature):
			m.logger.Warn("webhook signature rejected", Field{"error", err.Error()})
			return nil, newError(KindSignature, opWebhook, "", err)
		default:
			return nil, newError(KindProvider, opWebhook, "", err)
		}
	}
	return m.HandleEvent(ctx, event)
}

// HandleEvent applies an already verified event.
func (m *Manager) HandleEvent(ctx context.Context, event *billing.Event) (*WebhookResult, error) {
	result := &WebhookResult{EventID: event.ID, EventType: event.Type, Outcome: WebhookIgnored}

	var err error
	switch event.Type {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		err = m.handleSubscriptionEvent(ctx, event, result)
	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		err = m.handleInvoiceEvent(ctx, event, result)
	case billing.EventPaymentMethodDetached:
		err = m.handlePaymentMethodDetached(ctx, event, result)
	default:
		result.Reason = "unhandled_event_type"
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("webhook event processed",
		Field{"event_id", event.ID},
		Field{"event_type", string(event.Type)},
		Field{"user_id", result.UserID},
		Field{"outcome", string(result.Outcome)},
		Field{"reason", result.Reason},
	)
	return result, nil
}

func (m *Manager) handleSubscriptionEvent(ctx context.Context, event *billing.Event, result *WebhookResult) error {
	sub := event.Subscription
	if sub == nil || sub.ID == "" {
		result.Reason = "missing_subscription"
		return nil
	}

	target, err := m.findEventUser(ctx, sub.ID, sub.CustomerID, sub.Metadata[MetadataUserID])
	if err != nil || target == nil {
		result.Reason = "unknown_user"
		return err
	}
	result.UserID = target.userID

	w := SubscriptionWrite{
		Status:             ParseStatus(sub.Status),
		CurrentPeriodStart: timePtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   timePtr(sub.CurrentPeriodEnd),
		CancelledAt:        timePtr(sub.CanceledAt),
		ConfirmedAt:        event.Created,
		Source:             SourceWebhook,
	}
	if event.Type == billing.EventSubscriptionDeleted {
		w.Status = StatusCanceled
	}
	if !target.bySubscription {
		// Matched by customer: only adopt the subscription if the user has none
		// or the event creates it; events about a replaced subscription are ignored.
		if target.storedSubID != "" && target.storedSubID != sub.ID && event.Type != billing.EventSubscriptionCreated {
			result.Reason = "different_subscription"
			return nil
		}
		w.SubscriptionID = sub.ID
	} else if event.Type == billing.EventSubscriptionCreated {
		w.SubscriptionID = sub.ID
	}

	return m.applyEventWrite(ctx, target.userID, w, "", result)
}

func (m *Manager) handleInvoiceEvent(ctx context.Context, event *billing.Event, result *WebhookResult) error {
	inv := event.Invoice
	if inv == nil || inv.SubscriptionID == "" {
		result.Reason = "not_a_subscription_invoice"
		return nil
	}

	target, err := m.findEventUser(ctx, inv.SubscriptionID, inv.CustomerID, "")
	if err != nil || target == nil {
		result.Reason = "unknown_user"
		return err
	}
	result.UserID = target.userID
	if !target.bySubscription && target.storedSubID != inv.SubscriptionID {
		result.Reason = "different_subscription"
		return nil
	}

	w := SubscriptionWrite{
		Status:             StatusActive,
		CurrentPeriodStart: timePtr(inv.PeriodStart),
		CurrentPeriodEnd:   timePtr(inv.PeriodEnd),
		ConfirmedAt:        event.Created,
		Source:             SourceWebhook,
	}
	var issue IssueType
	if event.Type == billing.EventInvoicePaymentFailed {
		w.Status = StatusPastDue
		issue = IssuePaymentFailed
	}
	return m.applyEventWrite(ctx, target.userID, w, issue, result)
}

func (m *Manager) handlePaymentMethodDetached(ctx context.Context, event *billing.Event, result *WebhookResult) error {
	pm := event.PaymentMethod
	if pm == nil || pm.CustomerID == "" {
		result.Reason = "missing_customer"
		return nil
	}

	userID, err := m.storage.FindUserByCustomerID(ctx, pm.CustomerID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			result.Reason = "unknown_user"
			return nil
		}
		return storageError(opWebhook, "", err)
	}
	result.UserID = userID

	result.Notified = m.notify(ctx, Notification{
		UserID:     userID,
		Issue:      IssuePaymentMethodInvalid,
		Source:     SourceWebhook,
		OccurredAt: event.Created,
		Details:    map[string]string{"payment_method_id": pm.ID},
	})
	result.Outcome = WebhookNotified
	return nil
}

func (m *Manager) applyEventWrite(ctx context.Context, userID string, w SubscriptionWrite, issue IssueType, result *WebhookResult) error {
	res, err := m.storage.ApplySubscriptionWrite(ctx, userID, w)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			result.Reason = "unknown_user"
			return nil
		}
		return storageError(opWebhook, userID, err)
	}
	m.recordWrite(userID, w, res)

	result.Status = res.Current.Status
	if !res.Applied {
		result.Outcome = WebhookDropped
		return nil
	}
	result.Outcome = WebhookApplied
	result.Notified = m.notifyTransition(ctx, userID, w, res, issue)
	return nil
}

type eventUser struct {
	userID         string
	bySubscription bool
	storedSubID    string
}

// findEventUser resolves the local user an event concerns: by subscription id
// through the reverse index, then by customer id, then by the user id the
// customer was created with. Returns nil when no user matches.
func (m *Manager) findEventUser(ctx context.Context, subscriptionID, customerID, metadataUserID string) (*eventUser, error) {
	if subscriptionID != "" {
		userID, err := m.storage.FindUserBySubscriptionID(ctx, subscriptionID)
		if err == nil {
			return &eventUser{userID: userID, bySubscription: true, storedSubID: subscriptionID}, nil
		}
		if !errors.Is(err, ErrUserNotFound) {
			return nil, storageError(opWebhook, "", err)
		}
	}

	var userID string
	if customerID != "" {
		id, err := m.storage.FindUserByCustomerID(ctx, customerID)
		switch {
		case err == nil:
			userID = id
		case !errors.Is(err, ErrUserNotFound):
			return nil, storageError(opWebhook, "", err)
		}
	}
	if userID == "" {
		userID = metadataUserID
	}
	if userID == "" {
		return nil, nil
	}

	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil
		}
		return nil, storageError(opWebhook, userID, err)
	}
	return &eventUser{userID: userID, storedSubID: user.Subscription.ExternalSubscriptionID}, nil
}
