// Package storagetest is a conformance suite shared by all billsync.Storage backends.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Factory returns an empty storage for one subtest. Backends sharing a
// server should namespace or truncate their data.
type Factory func(t *testing.T) billsync.Storage

var base = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against storages produced by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("GetUserNotFound", func(t *testing.T) { testGetUserNotFound(t, newStorage(t)) })
	t.Run("SaveProfile", func(t *testing.T) { testSaveProfile(t, newStorage(t)) })
	t.Run("CustomerID", func(t *testing.T) { testCustomerID(t, newStorage(t)) })
	t.Run("ClearCustomerID", func(t *testing.T) { testClearCustomerID(t, newStorage(t)) })
	t.Run("ApplyOrdering", func(t *testing.T) { testApplyOrdering(t, newStorage(t)) })
	t.Run("ApplyUnknownUser", func(t *testing.T) { testApplyUnknownUser(t, newStorage(t)) })
	t.Run("SubscriptionIndex", func(t *testing.T) { testSubscriptionIndex(t, newStorage(t)) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, newStorage(t)) })
	t.Run("PollCandidates", func(t *testing.T) { testPollCandidates(t, newStorage(t)) })
	t.Run("ClearSubscription", func(t *testing.T) { testClearSubscription(t, newStorage(t)) })
	t.Run("Locks", func(t *testing.T) { testLocks(t, newStorage(t)) })
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func mustSave(t *testing.T, s billsync.Storage, userID string) {
	t.Helper()
	require.NoError(t, s.SaveProfile(ctx(t), billsync.Profile{UserID: userID, Email: userID + "@example.com"}))
}

func write(sub string, status billsync.Status, at time.Time) billsync.SubscriptionWrite {
	return billsync.SubscriptionWrite{
		SubscriptionID: sub,
		Status:         status,
		ConfirmedAt:    at,
		Source:         billsync.SourceWebhook,
	}
}

func testGetUserNotFound(t *testing.T, s billsync.Storage) {
	_, err := s.GetUser(ctx(t), "missing")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)
}

func testSaveProfile(t *testing.T, s billsync.Storage) {
	addr := &billing.Address{Line1: "1 Main St", City: "Berlin", Country: "DE"}
	require.NoError(t, s.SaveProfile(ctx(t), billsync.Profile{UserID: "u1", Email: "a@example.com", Address: addr}))

	u, err := s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.UserID)
	assert.Equal(t, "a@example.com", u.Email)
	require.NotNil(t, u.Address)
	assert.Equal(t, *addr, *u.Address)
	assert.Empty(t, u.ExternalCustomerID)
	assert.Equal(t, billsync.StatusNone, u.Subscription.Status)
	assert.True(t, u.Subscription.LastStatusCheckAt.IsZero())

	// Updating the profile leaves billing fields alone.
	rows, err := s.SetCustomerID(ctx(t), "u1", "cus_1")
	require.NoError(t, err)
	require.EqualValues(t, 1, rows)
	require.NoError(t, s.SaveProfile(ctx(t), billsync.Profile{UserID: "u1", Email: "b@example.com"}))

	u, err = s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", u.Email)
	assert.Equal(t, "cus_1", u.ExternalCustomerID)
	assert.Nil(t, u.Address)
}

func testCustomerID(t *testing.T, s billsync.Storage) {
	rows, err := s.SetCustomerID(ctx(t), "ghost", "cus_x")
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows, "missing user row affects zero rows")

	mustSave(t, s, "u1")
	rows, err = s.SetCustomerID(ctx(t), "u1", "cus_1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rows)

	id, err := s.FindUserByCustomerID(ctx(t), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = s.FindUserByCustomerID(ctx(t), "cus_unknown")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)

	_, err = s.SetCustomerID(ctx(t), "u1", "cus_2")
	require.NoError(t, err)
	_, err = s.FindUserByCustomerID(ctx(t), "cus_1")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound, "replaced id leaves the index")
}

func testClearCustomerID(t *testing.T, s billsync.Storage) {
	mustSave(t, s, "u1")
	_, err := s.SetCustomerID(ctx(t), "u1", "cus_1")
	require.NoError(t, err)

	require.NoError(t, s.ClearCustomerID(ctx(t), "u1", "cus_other"))
	u, err := s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", u.ExternalCustomerID, "mismatched expected id keeps the value")

	require.NoError(t, s.ClearCustomerID(ctx(t), "u1", "cus_1"))
	u, err = s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Empty(t, u.ExternalCustomerID)

	_, err = s.FindUserByCustomerID(ctx(t), "cus_1")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)
}

func testApplyOrdering(t *testing.T, s billsync.Storage) {
	mustSave(t, s, "u1")
	start := base.Add(-24 * time.Hour)
	end := base.Add(24 * time.Hour)

	first := write("sub_1", billsync.StatusActive, base)
	first.CurrentPeriodStart = &start
	first.CurrentPeriodEnd = &end
	res, err := s.ApplySubscriptionWrite(ctx(t), "u1", first)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, billsync.StatusNone, res.Previous.Status)
	assert.Equal(t, billsync.StatusActive, res.Current.Status)

	// Older confirmation is dropped.
	res, err = s.ApplySubscriptionWrite(ctx(t), "u1", write("", billsync.StatusCanceled, base.Add(-time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, billsync.StatusActive, res.Current.Status)

	u, err := s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusActive, u.Subscription.Status)
	assert.True(t, u.Subscription.LastStatusCheckAt.Equal(base))
	require.NotNil(t, u.Subscription.CurrentPeriodEnd)
	assert.True(t, u.Subscription.CurrentPeriodEnd.Equal(end))
	assert.Nil(t, u.Subscription.CancelledAt)

	// Equal confirmation is applied.
	res, err = s.ApplySubscriptionWrite(ctx(t), "u1", write("", billsync.StatusActive, base))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Transitioned())

	// Newer cancellation is applied and stamps cancelledAt.
	later := base.Add(time.Second)
	res, err = s.ApplySubscriptionWrite(ctx(t), "u1", write("", billsync.StatusCanceled, later))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Transitioned())

	u, err = s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusCanceled, u.Subscription.Status)
	assert.Equal(t, "sub_1", u.Subscription.ExternalSubscriptionID)
	require.NotNil(t, u.Subscription.CancelledAt)
	assert.True(t, u.Subscription.CancelledAt.Equal(later))
	assert.True(t, u.Subscription.LastStatusCheckAt.Equal(later))
	require.NotNil(t, u.Subscription.CurrentPeriodStart, "fields absent from a write are kept")
	assert.True(t, u.Subscription.CurrentPeriodStart.Equal(start))
}

func testApplyUnknownUser(t *testing.T, s billsync.Storage) {
	_, err := s.ApplySubscriptionWrite(ctx(t), "ghost", write("sub_1", billsync.StatusActive, base))
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)
}

func testSubscriptionIndex(t *testing.T, s billsync.Storage) {
	mustSave(t, s, "u1")
	_, err := s.ApplySubscriptionWrite(ctx(t), "u1", write("sub_1", billsync.StatusActive, base))
	require.NoError(t, err)

	id, err := s.FindUserBySubscriptionID(ctx(t), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)

	_, err = s.ApplySubscriptionWrite(ctx(t), "u1", write("sub_2", billsync.StatusActive, base.Add(time.Minute)))
	require.NoError(t, err)

	id, err = s.FindUserBySubscriptionID(ctx(t), "sub_2")
	require.NoError(t, err)
	assert.Equal(t, "u1", id)
	_, err = s.FindUserBySubscriptionID(ctx(t), "sub_1")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)
}

func testConcurrentWrites(t *testing.T, s billsync.Storage) {
	mustSave(t, s, "u1")
	_, err := s.ApplySubscriptionWrite(ctx(t), "u1", write("sub_1", billsync.StatusActive, base))
	require.NoError(t, err)

	const writers = 16
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ApplySubscriptionWrite(ctx(t), "u1",
				write("", billsync.StatusPastDue, base.Add(time.Duration(i)*time.Second)))
			if !assert.NoError(t, err) {
				return
			}
			if res.Transitioned() {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	u, err := s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Equal(t, billsync.StatusPastDue, u.Subscription.Status)
	assert.True(t, u.Subscription.LastStatusCheckAt.Equal(base.Add(writers*time.Second)),
		"the newest confirmation wins regardless of arrival order")
	assert.Equal(t, 1, transitions, "exactly one writer observes the transition")
}

func testPollCandidates(t *testing.T, s billsync.Storage) {
	for i := 1; i <= 4; i++ {
		mustSave(t, s, fmt.Sprintf("u%d", i))
	}
	mustSave(t, s, "nosub")

	_, err := s.ApplySubscriptionWrite(ctx(t), "u1", write("sub_1", billsync.StatusActive, base.Add(3*time.Hour)))
	require.NoError(t, err)
	_, err = s.ApplySubscriptionWrite(ctx(t), "u2", write("sub_2", billsync.StatusActive, base.Add(1*time.Hour)))
	require.NoError(t, err)
	_, err = s.ApplySubscriptionWrite(ctx(t), "u3", write("sub_3", billsync.StatusPastDue, base.Add(2*time.Hour)))
	require.NoError(t, err)

	got, err := s.ListPollCandidates(ctx(t), 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"u2", "u3", "u1"}, []string{got[0].UserID, got[1].UserID, got[2].UserID})
	assert.Equal(t, "sub_2", got[0].SubscriptionID)
	assert.True(t, got[0].LastStatusCheckAt.Equal(base.Add(time.Hour)))

	got, err = s.ListPollCandidates(ctx(t), 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "u2", got[0].UserID)
}

func testClearSubscription(t *testing.T, s billsync.Storage) {
	mustSave(t, s, "u1")
	_, err := s.ApplySubscriptionWrite(ctx(t), "u1", write("sub_1", billsync.StatusActive, base))
	require.NoError(t, err)

	w := write("", billsync.StatusCanceled, base.Add(time.Minute))
	w.ClearSubscription = true
	res, err := s.ApplySubscriptionWrite(ctx(t), "u1", w)
	require.NoError(t, err)
	assert.True(t, res.Transitioned())

	u, err := s.GetUser(ctx(t), "u1")
	require.NoError(t, err)
	assert.Empty(t, u.Subscription.ExternalSubscriptionID)
	assert.Equal(t, billsync.StatusCanceled, u.Subscription.Status)

	_, err = s.FindUserBySubscriptionID(ctx(t), "sub_1")
	assert.ErrorIs(t, err, billsync.ErrUserNotFound)

	got, err := s.ListPollCandidates(ctx(t), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testLocks(t *testing.T, s billsync.Storage) {
	key := billsync.LockKey("u1")

	lock, ok, err := s.TryLock(ctx(t), key)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(ctx(t), key)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	other, ok, err := s.TryLock(ctx(t), billsync.LockKey("u2"))
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")
	require.NoError(t, other.Release(ctx(t)))

	require.NoError(t, lock.Release(ctx(t)))

	again, ok, err := s.TryLock(ctx(t), key)
	require.NoError(t, err)
	assert.True(t, ok, "released lock can be taken again")
	require.NoError(t, again.Release(ctx(t)))
}
