package billsync

import (
	"context"
)

// Storage is the persistence contract of the billing core. Implementations
// handle encryption at rest; the core only relies on these typed operations.
type Storage interface {
	Locker

	// GetUser returns the user row. Returns ErrUserNotFound if it does not exist.
	GetUser(ctx context.Context, userID string) (*User, error)

	// SaveProfile creates the user row or updates its profile fields.
	// Billing fields are left untouched.
	SaveProfile(ctx context.Context, profile Profile) error

	// SetCustomerID stores the provider customer id and returns the number of
	// rows affected. Zero means the user row no longer exists.
	SetCustomerID(ctx context.Context, userID, customerID string) (int64, error)

	// ClearCustomerID removes the stored customer id if it still equals expected.
	ClearCustomerID(ctx context.Context, userID, expected string) error

	// ApplySubscriptionWrite atomically merges w into the user's subscription
	// record using SubscriptionRecord.Apply. Concurrent writers must not be able
	// to interleave between the read and the write.
	// Returns ErrUserNotFound if the user row does not exist.
	ApplySubscriptionWrite(ctx context.Context, userID string, w SubscriptionWrite) (WriteResult, error)

	// FindUserBySubscriptionID resolves a provider subscription id through the
	// reverse index. Returns ErrUserNotFound when no user matches.
	FindUserBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)

	// FindUserByCustomerID resolves a provider customer id through the reverse index.
	FindUserByCustomerID(ctx context.Context, customerID string) (string, error)

	// ListPollCandidates returns up to limit users that have a subscription id,
	// ordered by LastStatusCheckAt ascending (never checked first).
	ListPollCandidates(ctx context.Context, limit int) ([]PollCandidate, error)
}

// Locker is a named cross-process mutex keyed by an integer.
type Locker interface {
	// TryLock attempts to take the lock without waiting.
	// ok is false when another holder has it.
	TryLock(ctx context.Context, key int64) (lock Lock, ok bool, err error)
}

// Lock is a held advisory lock.
type Lock interface {
	Release(ctx context.Context) error
}

type lockContextKey struct{}

// ContextWithLock returns a copy of ctx carrying a held lock. Storage calls
// made with the returned context may run on the lock's own session, so a
// backend whose locks pin a pooled connection never needs a second one while
// the lock is held.
func ContextWithLock(ctx context.Context, lock Lock) context.Context {
	return context.WithValue(ctx, lockContextKey{}, lock)
}

// LockFromContext returns the lock stored by ContextWithLock, or nil.
func LockFromContext(ctx context.Context) Lock {
	lock, _ := ctx.Value(lockContextKey{}).(Lock)
	return lock
}
