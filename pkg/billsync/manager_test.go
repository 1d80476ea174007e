package billsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/billingtest"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

const testSecret = "whsec_test"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []billsync.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg billsync.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Sent() []billsync.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]billsync.Notification(nil), n.sent...)
}

type harness struct {
	manager  *billsync.Manager
	store    *memory.Storage
	provider *billingtest.Provider
	clock    *testClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T, mutate ...func(*billsync.Config)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		provider: billingtest.New(testSecret),
		clock:    &testClock{now: t0},
		notifier: &recordingNotifier{},
	}
	h.manager = h.newManager(t, h.store, mutate...)
	return h
}

// newManager builds a second manager over the given storage, standing in for another process.
func (h *harness) newManager(t *testing.T, store billsync.Storage, mutate ...func(*billsync.Config)) *billsync.Manager {
	t.Helper()
	cfg := billsync.DefaultConfig()
	cfg.Now = h.clock.Now
	cfg.Notifier = h.notifier
	cfg.SkipPaymentMethodCheck = true
	cfg.LockWait = billsync.RetryPolicy{
		MaxAttempts:     50,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
	}
	for _, f := range mutate {
		f(&cfg)
	}
	m, err := billsync.NewManager(store, h.provider, cfg)
	require.NoError(t, err)
	return m
}

func (h *harness) addUser(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, h.store.SaveProfile(context.Background(), billsync.Profile{
		UserID: userID,
		Email:  userID + "@example.com",
	}))
}

// subscribe links userID to a provider subscription and stores status confirmed at checkedAt.
func (h *harness) subscribe(t *testing.T, userID, subID, customerID string, status billsync.Status, checkedAt time.Time) {
	t.Helper()
	h.addUser(t, userID)
	if customerID != "" {
		h.provider.PutCustomer(billing.Customer{ID: customerID})
		_, err := h.store.SetCustomerID(context.Background(), userID, customerID)
		require.NoError(t, err)
	}
	h.provider.PutSubscription(billing.Subscription{ID: subID, CustomerID: customerID, Status: string(status)})
	res, err := h.store.ApplySubscriptionWrite(context.Background(), userID, billsync.SubscriptionWrite{
		SubscriptionID: subID,
		Status:         status,
		ConfirmedAt:    checkedAt,
		Source:         billsync.SourceWebhook,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
}

func (h *harness) user(t *testing.T, userID string) *billsync.User {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u
}

func TestNewManager_Configuration(t *testing.T) {
	_, err := billsync.NewManager(nil, billingtest.New(testSecret), billsync.DefaultConfig())
	require.ErrorIs(t, err, billsync.ErrConfiguration)

	_, err = billsync.NewManager(memory.New(), nil, billsync.DefaultConfig())
	require.ErrorIs(t, err, billsync.ErrConfiguration)
	require.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	cfg := billsync.DefaultConfig()
	cfg.PollPageSize = -1
	_, err = billsync.NewManager(memory.New(), billingtest.New(testSecret), cfg)
	require.ErrorIs(t, err, billsync.ErrConfiguration)
}

func TestNewManager_Defaults(t *testing.T) {
	m, err := billsync.NewManager(memory.New(), billingtest.New(testSecret), billsync.Config{})
	require.NoError(t, err)

	cfg := m.Config()
	require.Equal(t, 4*time.Hour, cfg.FreshnessWindow)
	require.Equal(t, 500, cfg.PollPageSize)
	require.Equal(t, 10, cfg.LockWait.MaxAttempts)
	require.NotNil(t, cfg.Logger)
	require.NotNil(t, cfg.Metrics)
	require.NotNil(t, cfg.Notifier)
}
