package billsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mihaimyh/billsync/pkg/billing"
)

func TestCircuitBreaker_OpensOnlyOnTrippingErrors(t *testing.T) {
	var states []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(2, time.Minute, isProviderDown, func(s CircuitBreakerState) {
		states = append(states, s)
	})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	notFound := func() error { return billing.ErrSubscriptionNotFound }
	down := func() error { return billing.ErrProviderUnavailable }

	for range 3 {
		assert.ErrorIs(t, cb.Execute(ctx, notFound), billing.ErrSubscriptionNotFound)
	}
	assert.Equal(t, StateClosed, cb.State(), "definite answers do not trip")

	_ = cb.Execute(ctx, down)
	_ = cb.Execute(ctx, down)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	now = now.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Failed trial re-opens for another timeout.
	_ = cb.Execute(ctx, down)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Minute)
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateClosed}, states)
}

func TestCircuitBreaker_NilTripCountsAll(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil, nil)
	_ = cb.Execute(context.Background(), func() error { return errors.New("x") })
	assert.Equal(t, StateOpen, cb.State())
}
