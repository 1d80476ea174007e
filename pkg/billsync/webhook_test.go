package billsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

func TestApplyWebhookEvent_RejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0)

	payload, _ := h.provider.SignEvent(subscriptionEvent(billing.EventSubscriptionDeleted, "sub_1", "cus_1", "canceled", t0.Add(time.Hour)))
	_, err := h.manager.ApplyWebhookEvent(context.Background(), payload, "forged")
	require.ErrorIs(t, err, billsync.ErrSignature)

	assert.Equal(t, billsync.StatusActive, h.user(t, "u1").Subscription.Status, "unverified events are never applied")
}

func TestApplyWebhookEvent_CreatedLinksSubscription(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	_, err := h.store.SetCustomerID(context.Background(), "u1", "cus_1")
	require.NoError(t, err)

	ev := subscriptionEvent(billing.EventSubscriptionCreated, "sub_new", "cus_1", "active", t0)
	ev.Subscription.CurrentPeriodEnd = t0.AddDate(0, 1, 0)
	res := h.deliver(t, ev)
	assert.Equal(t, billsync.WebhookApplied, res.Outcome)
	assert.Equal(t, "u1", res.UserID)

	u := h.user(t, "u1")
	assert.Equal(t, "sub_new", u.Subscription.ExternalSubscriptionID)
	assert.Equal(t, billsync.StatusActive, u.Subscription.Status)
	require.NotNil(t, u.Subscription.CurrentPeriodEnd)

	id, err := h.store.FindUserBySubscriptionID(context.Background(), "sub_new")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
}

func TestApplyWebhookEvent_CreatedFindsUserByMetadata(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")

	ev := subscriptionEvent(billing.EventSubscriptionCreated, "sub_new", "cus_unlinked", "trialing", t0)
	ev.Subscription.Metadata = map[string]string{billsync.MetadataUserID: "u1"}
	res := h.deliver(t, ev)
	assert.Equal(t, billsync.WebhookApplied, res.Outcome)
	assert.Equal(t, billsync.StatusTrialing, h.user(t, "u1").Subscription.Status)
}

func TestApplyWebhookEvent_DeletedCancels(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0)

	canceledAt := t0.Add(30 * time.Minute)
	ev := subscriptionEvent(billing.EventSubscriptionDeleted, "sub_1", "cus_1", "active", t0.Add(time.Hour))
	ev.Subscription.CanceledAt = canceledAt
	res := h.deliver(t, ev)
	assert.Equal(t, billsync.WebhookApplied, res.Outcome)
	assert.True(t, res.Notified)

	u := h.user(t, "u1")
	assert.Equal(t, billsync.StatusCanceled, u.Subscription.Status)
	require.NotNil(t, u.Subscription.CancelledAt)
	assert.True(t, u.Subscription.CancelledAt.Equal(canceledAt))

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, billsync.IssueSubscriptionCancelled, sent[0].Issue)
	assert.Equal(t, billsync.SourceWebhook, sent[0].Source)
}

func TestApplyWebhookEvent_InvoiceFailedNotifiesOncePerTransition(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0)

	ev := billing.Event{
		ID:      "evt_inv",
		Type:    billing.EventInvoicePaymentFailed,
		Created: t0.Add(time.Hour),
		Invoice: &billing.Invoice{ID: "in_1", CustomerID: "cus_1", SubscriptionID: "sub_1"},
	}
	res := h.deliver(t, ev)
	assert.Equal(t, billsync.WebhookApplied, res.Outcome)
	assert.Equal(t, billsync.StatusPastDue, res.Status)
	assert.True(t, res.Notified)

	// Redelivery of the same event is applied again but is not a new transition.
	res = h.deliver(t, ev)
	assert.Equal(t, billsync.WebhookApplied, res.Outcome)
	assert.False(t, res.Notified)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, billsync.IssuePaymentFailed, sent[0].Issue)
}

func TestApplyWebhookEvent_InvoiceSucceededActivates(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusPastDue, t0)

	periodEnd := t0.AddDate(0, 1, 0)
	res := h.deliver(t, billing.Event{
		ID:      "evt_paid",
		Type:    billing.EventInvoicePaymentSucceeded,
		Created: t0.Add(time.Minute),
		Invoice: &billing.Invoice{SubscriptionID: "sub_1", CustomerID: "cus_1", PeriodStart: t0, PeriodEnd: periodEnd},
	})
	assert.Equal(t, billsync.WebhookApplied, res.Outcome)

	u := h.user(t, "u1")
	assert.Equal(t, billsync.StatusActive, u.Subscription.Status)
	require.NotNil(t, u.Subscription.CurrentPeriodEnd)
	assert.True(t, u.Subscription.CurrentPeriodEnd.Equal(periodEnd))
	assert.Empty(t, h.notifier.Sent())
}

func TestApplyWebhookEvent_IgnoresUnknownUser(t *testing.T) {
	h := newHarness(t)

	res := h.deliver(t, subscriptionEvent(billing.EventSubscriptionUpdated, "sub_x", "cus_x", "active", t0))
	assert.Equal(t, billsync.WebhookIgnored, res.Outcome)
	assert.Equal(t, "unknown_user", res.Reason)
}

func TestApplyWebhookEvent_IgnoresReplacedSubscription(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_new", "cus_1", billsync.StatusActive, t0)

	// The old subscription of the same customer is deleted later.
	res := h.deliver(t, subscriptionEvent(billing.EventSubscriptionDeleted, "sub_old", "cus_1", "canceled", t0.Add(time.Hour)))
	assert.Equal(t, billsync.WebhookIgnored, res.Outcome)
	assert.Equal(t, "different_subscription", res.Reason)
	assert.Equal(t, billsync.StatusActive, h.user(t, "u1").Subscription.Status)
}

func TestApplyWebhookEvent_PaymentMethodDetached(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0)

	res := h.deliver(t, billing.Event{
		ID:            "evt_pm",
		Type:          billing.EventPaymentMethodDetached,
		Created:       t0.Add(time.Minute),
		PaymentMethod: &billing.PaymentMethodEvent{ID: "pm_1", CustomerID: "cus_1"},
	})
	assert.Equal(t, billsync.WebhookNotified, res.Outcome)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, billsync.IssuePaymentMethodInvalid, sent[0].Issue)
	assert.Equal(t, "pm_1", sent[0].Details["payment_method_id"])
	assert.Equal(t, billsync.StatusActive, h.user(t, "u1").Subscription.Status, "no record mutation")
}

func TestApplyWebhookEvent_IgnoresUnhandledType(t *testing.T) {
	h := newHarness(t)
	res := h.deliver(t, billing.Event{ID: "evt_x", Type: billing.EventUnknown, Created: t0})
	assert.Equal(t, billsync.WebhookIgnored, res.Outcome)
	assert.Equal(t, "unhandled_event_type", res.Reason)
}
