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

func TestCheckAccess_AdminExempt(t *testing.T) {
	h := newHarness(t, func(c *billsync.Config) { c.AdminUsers = []string{"root"} })

	d := h.manager.CheckAccess(context.Background(), "root")
	assert.True(t, d.Allowed)
	assert.Equal(t, billsync.ReasonAdminExempt, d.Reason)
	assert.EqualValues(t, 0, h.provider.GetSubscriptionCalls.Load())
}

func TestCheckAccess_FreshCacheSkipsProvider(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0.Add(-time.Hour))

	d := h.manager.CheckAccess(context.Background(), "u1")
	assert.True(t, d.Allowed)
	assert.Equal(t, billsync.ReasonCacheFresh, d.Reason)
	assert.True(t, d.FromCache)
	assert.EqualValues(t, 0, h.provider.GetSubscriptionCalls.Load())
}

func TestCheckAccess_StaleCacheValidatesOnce(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u3", "sub_3", "cus_3", billsync.StatusActive, t0.Add(-5*time.Hour))

	d := h.manager.CheckAccess(context.Background(), "u3")
	assert.EqualValues(t, 1, h.provider.GetSubscriptionCalls.Load())
	assert.True(t, d.Allowed)
	assert.Equal(t, billsync.ReasonValidated, d.Reason)
	assert.True(t, h.user(t, "u3").Subscription.LastStatusCheckAt.Equal(t0))
}

func TestCheckAccess_FailsClosedOnOutage(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0.Add(-5*time.Hour))
	h.provider.SetFailure(billing.ErrProviderUnavailable)

	d := h.manager.CheckAccess(context.Background(), "u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, billsync.ReasonProviderUnreachable, d.Reason)
	assert.True(t, d.ProviderDown)
	assert.False(t, d.NeedsAttention())
	assert.Contains(t, d.Message, "temporarily unable")
}

func TestCheckAccess_BlockedStatus(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0.Add(-5*time.Hour))
	h.provider.SetSubscriptionStatus("sub_1", "past_due")

	d := h.manager.CheckAccess(context.Background(), "u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, billsync.Reason("past_due"), d.Reason)
	assert.Equal(t, billsync.StatusPastDue, d.Status)
	assert.True(t, d.NeedsAttention())
	assert.Contains(t, d.Message, "past_due")
}

func TestCheckAccess_NonAllowedCacheIsRevalidated(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusPastDue, t0.Add(-time.Minute))
	h.provider.SetSubscriptionStatus("sub_1", "active")

	d := h.manager.CheckAccess(context.Background(), "u1")
	assert.True(t, d.Allowed, "a recovered subscription is picked up without waiting for the window")
	assert.Equal(t, billsync.ReasonValidated, d.Reason)
}

func TestCheckAccess_NoSubscriptionAndUnknownUser(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")

	d := h.manager.CheckAccess(context.Background(), "u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, billsync.ReasonNoSubscription, d.Reason)

	d = h.manager.CheckAccess(context.Background(), "ghost")
	assert.False(t, d.Allowed)
	assert.Equal(t, billsync.ReasonUserNotFound, d.Reason)
}

func TestCheckAccess_PaymentMethod(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness)
		allowed bool
		reason  billsync.Reason
	}{
		{
			name: "valid card",
			setup: func(h *harness) {
				h.provider.PutCustomer(billing.Customer{ID: "cus_1", DefaultPaymentMethodID: "pm_1"})
				h.provider.PutPaymentMethod(billing.PaymentMethod{ID: "pm_1", Type: "card", CardExpMonth: 12, CardExpYear: 2030})
			},
			allowed: true,
			reason:  billsync.ReasonValidated,
		},
		{
			name:   "no default payment method",
			setup:  func(h *harness) {},
			reason: billsync.ReasonNoPaymentMethod,
		},
		{
			name: "expired card",
			setup: func(h *harness) {
				h.provider.PutCustomer(billing.Customer{ID: "cus_1", DefaultPaymentMethodID: "pm_1"})
				h.provider.PutPaymentMethod(billing.PaymentMethod{ID: "pm_1", Type: "card", CardExpMonth: 1, CardExpYear: 2026})
			},
			reason: billsync.ReasonCardExpired,
		},
		{
			name: "payment method lookup fails",
			setup: func(h *harness) {
				h.provider.PutCustomer(billing.Customer{ID: "cus_1", DefaultPaymentMethodID: "pm_1"})
				h.provider.ErrPaymentMethod = billing.ErrProviderAPIError
			},
			reason: billsync.ReasonPaymentCheckFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *billsync.Config) { c.SkipPaymentMethodCheck = false })
			h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0.Add(-5*time.Hour))
			tt.setup(h)

			d := h.manager.CheckAccess(context.Background(), "u1")
			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			if !tt.allowed {
				assert.True(t, d.PaymentIssue)
				assert.NotEmpty(t, d.Message)
			}
		})
	}
}

func TestCheckAccess_CircuitOpensOnRepeatedOutage(t *testing.T) {
	h := newHarness(t, func(c *billsync.Config) {
		c.CircuitBreakerConfig = &billsync.CircuitBreakerConfig{Enabled: true, FailureThreshold: 2, ResetTimeout: time.Hour}
	})
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0.Add(-5*time.Hour))
	h.provider.SetFailure(billing.ErrProviderUnavailable)

	for range 5 {
		d := h.manager.CheckAccess(context.Background(), "u1")
		require.Equal(t, billsync.ReasonProviderUnreachable, d.Reason)
	}
	assert.EqualValues(t, 2, h.provider.GetSubscriptionCalls.Load(), "open circuit short-circuits provider calls")
}

func TestSoftCheck_NeverCallsProvider(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "u1", "sub_1", "cus_1", billsync.StatusActive, t0.Add(-5*time.Hour))
	h.subscribe(t, "u2", "sub_2", "cus_2", billsync.StatusCanceled, t0.Add(-time.Minute))

	hint := h.manager.SoftCheck(context.Background(), "u1")
	assert.True(t, hint.Valid)
	assert.False(t, hint.Fresh)

	hint = h.manager.SoftCheck(context.Background(), "u2")
	assert.False(t, hint.Valid)
	assert.Equal(t, billsync.Reason("canceled"), hint.Reason)

	hint = h.manager.SoftCheck(context.Background(), "ghost")
	assert.False(t, hint.Valid)
	assert.Equal(t, billsync.ReasonUserNotFound, hint.Reason)

	assert.EqualValues(t, 0, h.provider.GetSubscriptionCalls.Load())
}

func TestPortalURL(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")

	url, err := h.manager.PortalURL(context.Background(), "u1", "", "https://app.example/account")
	require.NoError(t, err)
	assert.Contains(t, url, "cus_1")
}

func TestBlockedMessage_DistinguishesOutageFromBillingProblem(t *testing.T) {
	outage := billsync.BlockedMessage(billsync.ReasonProviderUnreachable)
	billingIssue := billsync.BlockedMessage(billsync.Reason(billsync.StatusPastDue))
	card := billsync.BlockedMessage(billsync.ReasonCardExpired)

	assert.NotEqual(t, outage, billingIssue)
	assert.NotEqual(t, billingIssue, card)
	assert.Contains(t, card, "card")
}
