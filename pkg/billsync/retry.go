package billsync

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryPolicy is a bounded exponential backoff schedule.
type RetryPolicy struct {
	// MaxAttempts is the number of checks before giving up.
	MaxAttempts int

	// InitialInterval is the wait before the first check.
	InitialInterval time.Duration

	// MaxInterval caps any single wait.
	MaxInterval time.Duration

	// Multiplier grows the interval between attempts (default: 2).
	Multiplier float64
}

// DefaultLockWaitPolicy waits about 47s in total over 10 attempts.
func DefaultLockWaitPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2,
	}
}

// Validate checks that the policy is bounded.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return errors.New("retry policy: MaxAttempts must be positive")
	}
	if p.InitialInterval <= 0 {
		return errors.New("retry policy: InitialInterval must be positive")
	}
	if p.MaxInterval < p.InitialInterval {
		return errors.New("retry policy: MaxInterval must be >= InitialInterval")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		return errors.New("retry policy: Multiplier must be >= 1")
	}
	return nil
}

// NextInterval returns the wait before the given attempt (1-based):
// min(InitialInterval * Multiplier^(attempt-1), MaxInterval).
func (p RetryPolicy) NextInterval(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier == 0 {
		multiplier = 2
	}
	interval := float64(p.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
	if interval > float64(p.MaxInterval) {
		interval = float64(p.MaxInterval)
	}
	return time.Duration(interval)
}

// Total returns the sum of all waits.
func (p RetryPolicy) Total() time.Duration {
	var total time.Duration
	for i := 1; i <= p.MaxAttempts; i++ {
		total += p.NextInterval(i)
	}
	return total
}

// Poll waits NextInterval(n) before the n-th call to check and stops when
// check reports done or returns an error. Returns ErrRetryExhausted after
// MaxAttempts unsuccessful checks, or the context error.
func (p RetryPolicy) Poll(ctx context.Context, check func(ctx context.Context) (bool, error)) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		timer.Reset(p.NextInterval(attempt))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return ErrRetryExhausted
}
