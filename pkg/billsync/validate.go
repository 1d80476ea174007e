package billsync

import (
	"context"
	"errors"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

const opValidate = "ValidateNow"

// ValidationOutcome describes what a validation did to the stored record.
type ValidationOutcome string

const (
	OutcomeUnchanged      ValidationOutcome = "unchanged"
	OutcomeChanged        ValidationOutcome = "changed"
	OutcomeDropped        ValidationOutcome = "dropped"
	OutcomeNoSubscription ValidationOutcome = "no_subscription"
	OutcomeCheckFailed    ValidationOutcome = "check_failed"
)

// ValidationResult reports one confirmation of a user's subscription against the provider.
type ValidationResult struct {
	UserID   string
	Outcome  ValidationOutcome
	Status   Status
	Previous Status

	// ProviderDown is set when the provider could not be reached. The stored
	// record was not modified and Status is the cached value.
	ProviderDown bool

	Notified  bool
	CheckedAt time.Time

	// CustomerID is the customer the provider reports for the subscription.
	CustomerID        string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// Changed reports whether the validation changed the stored status.
func (r *ValidationResult) Changed() bool {
	return r.Outcome == OutcomeChanged
}

// ValidateNow confirms userID's subscription with the provider and writes the
// result under the ordering rule. The confirmation time is refreshed even when
// the status is unchanged.
//
// When the provider fails, the result has Outcome check_failed (and
// ProviderDown when unreachable) and is returned together with a ProviderError.
func (m *Manager) ValidateNow(ctx context.Context, userID string) (*ValidationResult, error) {
	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		return nil, storageError(opValidate, userID, err)
	}
	return m.validate(ctx, user.UserID, user.Subscription, SourceValidate)
}

// validate is shared by ValidateNow and PollBatch.
func (m *Manager) validate(ctx context.Context, userID string, cached SubscriptionRecord, source Source) (*ValidationResult, error) {
	start := time.Now()
	result := &ValidationResult{
		UserID:   userID,
		Status:   cached.Status,
		Previous: cached.Status,
	}
	if result.Status == "" {
		result.Status = StatusNone
	}

	subID := cached.ExternalSubscriptionID
	if subID == "" {
		result.Outcome = OutcomeNoSubscription
		if result.Status != StatusCanceled {
			result.Status = StatusNone
		}
		m.metrics.RecordValidation(string(result.Outcome), time.Since(start))
		return result, nil
	}

	// The confirmation time is taken before the request so that an event the
	// provider emits while we wait is never older than our write.
	confirmedAt := m.now()

	var sub *billing.Subscription
	err := m.callProvider(ctx, func(ctx context.Context) error {
		var err error
		sub, err = m.provider.GetSubscription(ctx, subID)
		return err
	})

	var w SubscriptionWrite
	switch {
	case err == nil:
		w = SubscriptionWrite{
			Status:             ParseStatus(sub.Status),
			CurrentPeriodStart: timePtr(sub.CurrentPeriodStart),
			CurrentPeriodEnd:   timePtr(sub.CurrentPeriodEnd),
			CancelledAt:        timePtr(sub.CanceledAt),
		}
		result.CustomerID = sub.CustomerID
		result.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	case errors.Is(err, billing.ErrSubscriptionNotFound):
		// The provider no longer knows the subscription; it cannot grant access
		// and is not worth polling again.
		w = SubscriptionWrite{Status: StatusCanceled, ClearSubscription: true}
	default:
		result.Outcome = OutcomeCheckFailed
		result.ProviderDown = isProviderDown(err)
		result.CheckedAt = confirmedAt
		m.metrics.RecordValidation(string(result.Outcome), time.Since(start))
		m.logger.Warn("subscription check failed",
			Field{"user_id", userID},
			Field{"source", string(source)},
			Field{"outcome", string(result.Outcome)},
			Field{"provider_down", result.ProviderDown},
			Field{"error", err.Error()},
		)
		return result, providerError(opValidate, userID, err)
	}
	w.ConfirmedAt = confirmedAt
	w.Source = source

	res, err := m.storage.ApplySubscriptionWrite(ctx, userID, w)
	if err != nil {
		m.metrics.RecordValidation("error", time.Since(start))
		return nil, storageError(opValidate, userID, err)
	}
	m.recordWrite(userID, w, res)

	switch {
	case !res.Applied:
		result.Outcome = OutcomeDropped
	case res.Transitioned():
		result.Outcome = OutcomeChanged
	default:
		result.Outcome = OutcomeUnchanged
	}
	result.Status = res.Current.Status
	result.Previous = res.Previous.Status
	result.CheckedAt = res.Current.LastStatusCheckAt
	result.PeriodStart = res.Current.CurrentPeriodStart
	result.PeriodEnd = res.Current.CurrentPeriodEnd
	result.Notified = m.notifyTransition(ctx, userID, w, res, "")

	m.metrics.RecordValidation(string(result.Outcome), time.Since(start))
	m.logger.Debug("subscription validated",
		Field{"user_id", userID},
		Field{"source", string(source)},
		Field{"outcome", string(result.Outcome)},
		Field{"status", string(result.Status)},
	)
	return result, nil
}
