package billsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"active":             StatusActive,
		"trialing":           StatusTrialing,
		"past_due":           StatusPastDue,
		"incomplete":         StatusIncomplete,
		"incomplete_expired": StatusCanceled,
		"unpaid":             StatusUnpaid,
		"paused":             StatusPaused,
		"canceled":           StatusCanceled,
		"":                   StatusNone,
		"something_new":      StatusError,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseStatus(in), in)
	}
}

func TestStatus_Sets(t *testing.T) {
	assert.True(t, StatusActive.Allowed())
	assert.True(t, StatusTrialing.Allowed())
	assert.False(t, StatusPaused.Allowed())
	assert.False(t, StatusError.Allowed())

	for _, s := range []Status{StatusPastDue, StatusCanceled, StatusIncomplete, StatusUnpaid} {
		assert.True(t, s.NeedsAttention(), s)
	}
	for _, s := range []Status{StatusActive, StatusTrialing, StatusPaused, StatusNone, StatusError} {
		assert.False(t, s.NeedsAttention(), s)
	}
}

func TestSubscriptionRecord_Apply(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := SubscriptionRecord{ExternalSubscriptionID: "sub_1", Status: StatusActive, LastStatusCheckAt: at}

	t.Run("older write is dropped", func(t *testing.T) {
		next, ok := rec.Apply(SubscriptionWrite{Status: StatusCanceled, ConfirmedAt: at.Add(-time.Second)})
		assert.False(t, ok)
		assert.Equal(t, rec, next)
	})

	t.Run("equal write is applied", func(t *testing.T) {
		next, ok := rec.Apply(SubscriptionWrite{Status: StatusActive, ConfirmedAt: at})
		assert.True(t, ok)
		assert.Equal(t, at, next.LastStatusCheckAt)
	})

	t.Run("same-second write is a tie and keeps the finer timestamp", func(t *testing.T) {
		stored := SubscriptionRecord{Status: StatusActive, LastStatusCheckAt: at.Add(500 * time.Millisecond)}
		next, ok := stored.Apply(SubscriptionWrite{Status: StatusPastDue, ConfirmedAt: at})
		assert.True(t, ok)
		assert.Equal(t, StatusPastDue, next.Status)
		assert.Equal(t, at.Add(500*time.Millisecond), next.LastStatusCheckAt, "never decreases")
	})

	t.Run("clear subscription drops the id", func(t *testing.T) {
		next, ok := rec.Apply(SubscriptionWrite{Status: StatusCanceled, ClearSubscription: true, ConfirmedAt: at.Add(time.Minute)})
		assert.True(t, ok)
		assert.Empty(t, next.ExternalSubscriptionID)
		assert.Equal(t, StatusCanceled, next.Status)
	})

	t.Run("sub-microsecond precision is truncated", func(t *testing.T) {
		next, ok := rec.Apply(SubscriptionWrite{ConfirmedAt: at.Add(500 * time.Nanosecond)})
		assert.True(t, ok)
		assert.Equal(t, at, next.LastStatusCheckAt)
	})

	t.Run("cancel stamps cancelledAt once", func(t *testing.T) {
		next, ok := rec.Apply(SubscriptionWrite{Status: StatusCanceled, ConfirmedAt: at.Add(time.Hour)})
		assert.True(t, ok)
		if assert.NotNil(t, next.CancelledAt) {
			assert.Equal(t, at.Add(time.Hour), *next.CancelledAt)
		}

		again, ok := next.Apply(SubscriptionWrite{Status: StatusCanceled, ConfirmedAt: at.Add(2 * time.Hour)})
		assert.True(t, ok)
		assert.Equal(t, at.Add(time.Hour), *again.CancelledAt, "already canceled keeps the first timestamp")
	})

	t.Run("provider cancel time wins", func(t *testing.T) {
		providerAt := at.Add(30 * time.Minute)
		next, _ := rec.Apply(SubscriptionWrite{Status: StatusCanceled, CancelledAt: &providerAt, ConfirmedAt: at.Add(time.Hour)})
		assert.Equal(t, providerAt, *next.CancelledAt)
	})

	t.Run("empty fields keep stored values", func(t *testing.T) {
		next, ok := rec.Apply(SubscriptionWrite{ConfirmedAt: at.Add(time.Minute)})
		assert.True(t, ok)
		assert.Equal(t, "sub_1", next.ExternalSubscriptionID)
		assert.Equal(t, StatusActive, next.Status)
	})
}

func TestWriteResult_Transitioned(t *testing.T) {
	assert.True(t, WriteResult{Applied: true, Previous: SubscriptionRecord{Status: StatusActive}, Current: SubscriptionRecord{Status: StatusPastDue}}.Transitioned())
	assert.False(t, WriteResult{Applied: false, Previous: SubscriptionRecord{Status: StatusActive}, Current: SubscriptionRecord{Status: StatusPastDue}}.Transitioned())
	assert.False(t, WriteResult{Applied: true, Previous: SubscriptionRecord{Status: StatusPastDue}, Current: SubscriptionRecord{Status: StatusPastDue}}.Transitioned())
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, LockKey("u1"), LockKey("u1"))
	assert.NotEqual(t, LockKey("u1"), LockKey("u2"))
}
