package billsync

import (
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Status is the locally cached subscription status.
type Status string

const (
	StatusNone       Status = "none"
	StatusActive     Status = "active"
	StatusTrialing   Status = "trialing"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
	StatusUnpaid     Status = "unpaid"
	StatusPaused     Status = "paused"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// ParseStatus maps a provider status string onto Status.
// incomplete_expired is terminal on the provider side and maps to canceled.
// Unknown values map to StatusError.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusTrialing, StatusPastDue, StatusIncomplete,
		StatusUnpaid, StatusPaused, StatusCanceled, StatusNone:
		return Status(s)
	case "":
		return StatusNone
	case "incomplete_expired":
		return StatusCanceled
	default:
		return StatusError
	}
}

// Allowed reports whether the status grants access.
func (s Status) Allowed() bool {
	return s == StatusActive || s == StatusTrialing
}

// NeedsAttention reports whether a transition into s must be notified.
func (s Status) NeedsAttention() bool {
	switch s {
	case StatusPastDue, StatusCanceled, StatusIncomplete, StatusUnpaid:
		return true
	}
	return false
}

// Source identifies which entry point produced a subscription write.
type Source string

const (
	SourceValidate Source = "validate"
	SourceWebhook  Source = "webhook"
	SourcePoll     Source = "poll"
)

// BillingIdentity links a local user to a provider customer.
type BillingIdentity struct {
	UserID             string
	ExternalCustomerID string
}

// SubscriptionRecord is the local, authoritative copy of a user's subscription state.
type SubscriptionRecord struct {
	ExternalSubscriptionID string
	Status                 Status
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelledAt            *time.Time

	// LastStatusCheckAt is the confirmation time of the last applied write.
	// It never decreases.
	LastStatusCheckAt time.Time
}

// User is a local user row as seen by the billing core.
type User struct {
	BillingIdentity
	Email        string
	Address      *billing.Address
	Subscription SubscriptionRecord
}

// Profile holds the user fields owned by the surrounding application.
type Profile struct {
	UserID  string
	Email   string
	Address *billing.Address
}

// SubscriptionWrite is a confirmation of provider state to be merged into a
// SubscriptionRecord. Zero-valued fields leave the stored value unchanged.
type SubscriptionWrite struct {
	SubscriptionID     string
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time

	// CancelledAt is used when the write moves the record into canceled.
	// ConfirmedAt is used when nil.
	CancelledAt *time.Time

	// ConfirmedAt is when the carried state was observed at the provider.
	ConfirmedAt time.Time

	// ClearSubscription drops the stored subscription id, which also removes
	// the user from poll sweeps. Used when the provider no longer knows it.
	ClearSubscription bool

	Source Source
}

// WriteResult reports the outcome of an ApplySubscriptionWrite call.
type WriteResult struct {
	// Applied is false when the write was older than the stored confirmation.
	Applied  bool
	Previous SubscriptionRecord
	Current  SubscriptionRecord
}

// Transitioned reports whether an applied write changed the status.
func (r WriteResult) Transitioned() bool {
	return r.Applied && r.Previous.Status != r.Current.Status
}

// OrderingGranularity is the resolution at which confirmation times are
// compared. Provider events carry whole-second timestamps, so writes within
// the same second are ties and are applied.
const OrderingGranularity = time.Second

// Apply merges w into r under the ordering rule: a write is applied only if
// its confirmation time, at OrderingGranularity, is not older than
// r.LastStatusCheckAt. Every store calls Apply inside its atomic
// read-modify-write.
func (r SubscriptionRecord) Apply(w SubscriptionWrite) (SubscriptionRecord, bool) {
	confirmed := w.ConfirmedAt.UTC().Truncate(time.Microsecond)
	if confirmed.Truncate(OrderingGranularity).Before(r.LastStatusCheckAt.Truncate(OrderingGranularity)) {
		return r, false
	}

	next := r
	if w.SubscriptionID != "" {
		next.ExternalSubscriptionID = w.SubscriptionID
	}
	if w.Status != "" {
		if w.Status == StatusCanceled && r.Status != StatusCanceled {
			at := confirmed
			if w.CancelledAt != nil && !w.CancelledAt.IsZero() {
				at = w.CancelledAt.UTC()
			}
			next.CancelledAt = &at
		}
		next.Status = w.Status
	}
	if w.CurrentPeriodStart != nil {
		t := w.CurrentPeriodStart.UTC()
		next.CurrentPeriodStart = &t
	}
	if w.CurrentPeriodEnd != nil {
		t := w.CurrentPeriodEnd.UTC()
		next.CurrentPeriodEnd = &t
	}
	if w.ClearSubscription {
		next.ExternalSubscriptionID = ""
	}
	// A tie may carry a coarser timestamp than the stored one.
	if confirmed.After(r.LastStatusCheckAt) {
		next.LastStatusCheckAt = confirmed
	}
	return next, true
}

// PollCandidate is a user selected for a poll sweep.
type PollCandidate struct {
	UserID            string
	SubscriptionID    string
	LastStatusCheckAt time.Time
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
