package billsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

func TestResolveCustomer_ConcurrentCallsCreateOnce(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	h.provider.CreateDelay = 50 * time.Millisecond

	const callers = 3
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = h.manager.ResolveCustomer(context.Background(), "u1", "a@example.com")
		}(i)
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, "cus_1", ids[i])
	}
	assert.EqualValues(t, 1, h.provider.CreateCalls.Load())
	assert.Equal(t, "cus_1", h.user(t, "u1").ExternalCustomerID)
	assert.False(t, h.store.Locked(billsync.LockKey("u1")), "lock released")
}

func TestResolveCustomer_ConcurrentProcessesCreateOnce(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	h.provider.CreateDelay = 60 * time.Millisecond

	// Each manager has its own in-process state; only the store is shared.
	managers := []*billsync.Manager{h.manager, h.newManager(t, h.store), h.newManager(t, h.store)}

	ids := make([]string, len(managers))
	errs := make([]error, len(managers))
	var wg sync.WaitGroup
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *billsync.Manager) {
			defer wg.Done()
			ids[i], errs[i] = m.ResolveCustomer(context.Background(), "u1", "a@example.com")
		}(i, m)
	}
	wg.Wait()

	for i := range managers {
		require.NoError(t, errs[i])
		assert.Equal(t, "cus_1", ids[i])
	}
	assert.EqualValues(t, 1, h.provider.CreateCalls.Load())
	assert.Equal(t, 1, h.provider.CustomerCount())
}

func TestResolveCustomer_FastPath(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	h.provider.PutCustomer(billing.Customer{ID: "cus_existing"})
	_, err := h.store.SetCustomerID(context.Background(), "u1", "cus_existing")
	require.NoError(t, err)

	id, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.EqualValues(t, 0, h.provider.CreateCalls.Load())
	assert.EqualValues(t, 1, h.provider.GetCustomerCalls.Load())
}

func TestResolveCustomer_SkipVerification(t *testing.T) {
	h := newHarness(t, func(c *billsync.Config) { c.SkipCustomerVerification = true })
	h.addUser(t, "u1")
	_, err := h.store.SetCustomerID(context.Background(), "u1", "cus_existing")
	require.NoError(t, err)

	id, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.EqualValues(t, 0, h.provider.GetCustomerCalls.Load())
}

func TestResolveCustomer_StaleCustomerIsRecreated(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	_, err := h.store.SetCustomerID(context.Background(), "u1", "cus_deleted")
	require.NoError(t, err)

	id, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)
	assert.EqualValues(t, 1, h.provider.CreateCalls.Load())

	_, err = h.store.FindUserByCustomerID(context.Background(), "cus_deleted")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)
}

func TestResolveCustomer_VerificationOutageKeepsStoredID(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	_, err := h.store.SetCustomerID(context.Background(), "u1", "cus_existing")
	require.NoError(t, err)
	h.provider.SetFailure(billing.ErrProviderUnavailable)

	id, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", id)
	assert.EqualValues(t, 0, h.provider.CreateCalls.Load())
}

func TestResolveCustomer_UserNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.ResolveCustomer(context.Background(), "ghost", "g@example.com")
	require.ErrorIs(t, err, billsync.ErrNotFound)
	require.ErrorIs(t, err, billsync.ErrUserNotFound)

	var typed *billsync.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, billsync.KindNotFound, typed.Kind)
	assert.EqualValues(t, 0, h.provider.CreateCalls.Load())
}

func TestResolveCustomer_WaitsForOtherProcess(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")

	// Another process holds the lock and finishes creation shortly.
	lock, ok, err := h.store.TryLock(context.Background(), billsync.LockKey("u1"))
	require.NoError(t, err)
	require.True(t, ok)
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = h.store.SetCustomerID(context.Background(), "u1", "cus_other")
		_ = lock.Release(context.Background())
	}()

	id, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_other", id)
	assert.EqualValues(t, 0, h.provider.CreateCalls.Load())
}

func TestResolveCustomer_LockWaitTimesOut(t *testing.T) {
	h := newHarness(t, func(c *billsync.Config) {
		c.LockWait = billsync.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	})
	h.addUser(t, "u1")

	lock, ok, err := h.store.TryLock(context.Background(), billsync.LockKey("u1"))
	require.NoError(t, err)
	require.True(t, ok)
	defer lock.Release(context.Background()) //nolint:errcheck

	_, err = h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.ErrorIs(t, err, billsync.ErrTimeout)
	require.ErrorIs(t, err, billsync.ErrProvider)
	require.ErrorIs(t, err, billsync.ErrRetryExhausted)
	assert.EqualValues(t, 0, h.provider.CreateCalls.Load())
}

// vanishingStore reports that the user row disappeared when the customer id is written.
type vanishingStore struct {
	billsync.Storage
}

func (s vanishingStore) SetCustomerID(context.Context, string, string) (int64, error) {
	return 0, nil
}

func TestResolveCustomer_OrphanIsDeleted(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	m := h.newManager(t, vanishingStore{h.store})

	_, err := m.ResolveCustomer(context.Background(), "u1", "")
	require.ErrorIs(t, err, billsync.ErrNotFound)
	assert.EqualValues(t, 1, h.provider.CreateCalls.Load())
	assert.EqualValues(t, 1, h.provider.DeleteCalls.Load())
	assert.Equal(t, 0, h.provider.CustomerCount())
	assert.False(t, h.store.Locked(billsync.LockKey("u1")))
}

func TestResolveCustomer_ProviderFailureReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	h.provider.ErrCreate = billing.ErrProviderAPIError

	_, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.ErrorIs(t, err, billsync.ErrProvider)
	assert.False(t, h.store.Locked(billsync.LockKey("u1")))

	// The failed attempt is not reused.
	h.provider.ErrCreate = nil
	id, err := h.manager.ResolveCustomer(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)
}

// sessionStore records which calls carried a held lock and a deadline.
type sessionStore struct {
	*memory.Storage

	mu    sync.Mutex
	calls []string
}

func (s *sessionStore) record(ctx context.Context, name string) {
	if billsync.LockFromContext(ctx) == nil {
		return
	}
	if _, ok := ctx.Deadline(); !ok {
		name += " (no deadline)"
	}
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *sessionStore) GetUser(ctx context.Context, userID string) (*billsync.User, error) {
	s.record(ctx, "GetUser")
	return s.Storage.GetUser(ctx, userID)
}

func (s *sessionStore) SetCustomerID(ctx context.Context, userID, customerID string) (int64, error) {
	s.record(ctx, "SetCustomerID")
	return s.Storage.SetCustomerID(ctx, userID, customerID)
}

func TestResolveCustomer_LockedCallsShareLockSession(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	store := &sessionStore{Storage: h.store}
	m := h.newManager(t, store)

	id, err := m.ResolveCustomer(context.Background(), "u1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", id)
	assert.Equal(t, []string{"GetUser", "SetCustomerID"}, store.calls)
}

// hangingLockStore never answers TryLock until the context ends.
type hangingLockStore struct {
	*memory.Storage
}

func (s *hangingLockStore) TryLock(ctx context.Context, _ int64) (billsync.Lock, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

func TestResolveCustomer_StoreTimeoutBoundsSharedCreation(t *testing.T) {
	h := newHarness(t)
	h.addUser(t, "u1")
	m := h.newManager(t, &hangingLockStore{Storage: h.store}, func(c *billsync.Config) {
		c.StoreTimeout = 20 * time.Millisecond
	})

	start := time.Now()
	_, err := m.ResolveCustomer(context.Background(), "u1", "a@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.EqualValues(t, 0, h.provider.CreateCalls.Load())
}
