package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const (
	opResolve = "ResolveCustomer"

	// MetadataUserID is the provider customer metadata key holding the local user id.
	MetadataUserID = "user_id"
)

// ResolveCustomer returns the provider customer id for userID, creating the
// customer if none exists. At most one creation runs per user: concurrent
// calls in this process share one attempt, and processes serialize on an
// advisory lock keyed by LockKey(userID).
func (m *Manager) ResolveCustomer(ctx context.Context, userID, email string) (string, error) {
	if userID == "" {
		return "", newError(KindNotFound, opResolve, "", ErrUserNotFound)
	}

	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		return "", storageError(opResolve, userID, err)
	}

	if id := user.ExternalCustomerID; id != "" {
		exists, err := m.customerExists(ctx, id)
		switch {
		case err != nil:
			// The provider cannot answer; the stored id is the best we have.
			m.logger.Warn("customer verification failed, using stored id",
				Field{"user_id", userID},
				Field{"customer_id", id},
				Field{"error", err.Error()},
			)
			return id, nil
		case exists:
			m.metrics.RecordCustomerCreation("existing")
			return id, nil
		}

		m.logger.Warn("stored customer no longer exists at provider, re-creating",
			Field{"user_id", userID},
			Field{"customer_id", id},
		)
		if err := m.storage.ClearCustomerID(ctx, userID, id); err != nil {
			return "", storageError(opResolve, userID, err)
		}
	}

	if email == "" {
		email = user.Email
	}

	// The shared creation must not be cancelled by the first caller leaving.
	ch := m.creations.DoChan(userID, func() (interface{}, error) {
		return m.createCustomer(context.WithoutCancel(ctx), userID, email)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", newError(KindTimeout, opResolve, userID, ctx.Err())
	}
}

// customerExists asks the provider whether customerID is still live.
func (m *Manager) customerExists(ctx context.Context, customerID string) (bool, error) {
	if m.config.SkipCustomerVerification {
		return true, nil
	}
	err := m.callProvider(ctx, func(ctx context.Context) error {
		_, err := m.provider.GetCustomer(ctx, customerID)
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, billing.ErrCustomerNotFound):
		return false, nil
	default:
		return false, err
	}
}

// createCustomer runs under the advisory lock, or waits for the holder.
func (m *Manager) createCustomer(ctx context.Context, userID, email string) (string, error) {
	lockCtx, cancel := m.storeContext(ctx)
	lock, acquired, err := m.storage.TryLock(lockCtx, LockKey(userID))
	cancel()
	if err != nil {
		m.metrics.RecordCustomerCreation("error")
		return "", storageError(opResolve, userID, err)
	}
	if !acquired {
		return m.waitForCustomer(ctx, userID)
	}
	defer func() {
		releaseCtx, cancel := m.storeContext(ctx)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			m.logger.Error("failed to release customer lock",
				Field{"user_id", userID},
				Field{"error", err.Error()},
			)
		}
	}()

	// Storage calls made while holding the lock share its session.
	ctx = ContextWithLock(ctx, lock)

	// Another process may have finished between our fast path and the lock.
	user, err := m.getUserBounded(ctx, userID)
	if err != nil {
		return "", storageError(opResolve, userID, err)
	}
	if user.ExternalCustomerID != "" {
		m.metrics.RecordCustomerCreation("existing")
		return user.ExternalCustomerID, nil
	}

	params := billing.CustomerParams{
		Email:    email,
		Address:  user.Address,
		Metadata: map[string]string{MetadataUserID: userID},
	}
	var cust *billing.Customer
	err = m.callProvider(ctx, func(ctx context.Context) error {
		var err error
		cust, err = m.provider.CreateCustomer(ctx, params)
		return err
	})
	if err != nil {
		m.metrics.RecordCustomerCreation("error")
		m.logger.Error("customer creation failed", Field{"user_id", userID}, Field{"error", err.Error()})
		return "", providerError(opResolve, userID, err)
	}

	setCtx, cancel := m.storeContext(ctx)
	rows, err := m.storage.SetCustomerID(setCtx, userID, cust.ID)
	cancel()
	if err != nil || rows == 0 {
		m.deleteOrphan(ctx, userID, cust.ID)
		if err != nil {
			return "", storageError(opResolve, userID, err)
		}
		return "", newError(KindNotFound, opResolve, userID, ErrUserNotFound)
	}

	m.metrics.RecordCustomerCreation("created")
	m.logger.Info("billing customer created",
		Field{"user_id", userID},
		Field{"customer_id", cust.ID},
	)
	return cust.ID, nil
}

// storeContext bounds one storage call of the shared creation.
func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.config.StoreTimeout)
}

func (m *Manager) getUserBounded(ctx context.Context, userID string) (*User, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()
	return m.storage.GetUser(ctx, userID)
}

// deleteOrphan removes a provider customer that could not be linked to a user.
func (m *Manager) deleteOrphan(ctx context.Context, userID, customerID string) {
	m.metrics.RecordCustomerCreation("orphan_deleted")
	err := m.callProvider(ctx, func(ctx context.Context) error {
		return m.provider.DeleteCustomer(ctx, customerID)
	})
	if err != nil {
		m.logger.Error("failed to delete orphaned customer",
			Field{"user_id", userID},
			Field{"customer_id", customerID},
			Field{"error", err.Error()},
		)
		return
	}
	m.logger.Warn("deleted orphaned customer", Field{"user_id", userID}, Field{"customer_id", customerID})
}

// waitForCustomer polls the store while another process holds the creation lock.
func (m *Manager) waitForCustomer(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	var customerID string

	err := m.config.LockWait.Poll(ctx, func(ctx context.Context) (bool, error) {
		user, err := m.getUserBounded(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return false, err
			}
			m.logger.Warn("store read failed while waiting for customer",
				Field{"user_id", userID},
				Field{"error", err.Error()},
			)
			return false, nil
		}
		customerID = user.ExternalCustomerID
		return customerID != "", nil
	})
	m.metrics.RecordLockWait(time.Since(start), err == nil)

	switch {
	case err == nil:
		m.metrics.RecordCustomerCreation("waited")
		return customerID, nil
	case errors.Is(err, ErrRetryExhausted), errors.Is(err, context.DeadlineExceeded):
		m.metrics.RecordCustomerCreation("error")
		return "", newError(KindTimeout, opResolve, userID,
			fmt.Errorf("timeout waiting for concurrent customer creation: %w", err))
	default:
		m.metrics.RecordCustomerCreation("error")
		return "", storageError(opResolve, userID, err)
	}
}
