package billsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/billsync/pkg/billing"
)

// Reason explains an access decision. Subscription statuses are also used
// as reasons (e.g. "past_due").
type Reason string

const (
	ReasonAdminExempt         Reason = "admin_exempt"
	ReasonCacheFresh          Reason = "cache_fresh"
	ReasonValidated           Reason = "validated"
	ReasonProviderUnreachable Reason = "provider_unreachable"
	ReasonUserNotFound        Reason = "user_not_found"
	ReasonNoSubscription      Reason = "no_subscription"
	ReasonNoCustomer          Reason = "no_customer"
	ReasonNoPaymentMethod     Reason = "no_payment_method"
	ReasonCardExpired         Reason = "card_expired"
	ReasonPaymentCheckFailed  Reason = "payment_check_failed"
	ReasonInternalError       Reason = "internal_error"
)

// Decision is the Access Guard's answer. It is always populated; failures
// degrade to Allowed=false with a reason.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason"`
	Status  Status `json:"status,omitempty"`

	// Message is a human-readable explanation for blocked users.
	Message string `json:"message,omitempty"`

	FromCache bool `json:"from_cache,omitempty"`

	// ProviderDown distinguishes "temporarily unable to verify" from a billing
	// problem the user must act on.
	ProviderDown bool `json:"provider_down,omitempty"`

	// PaymentIssue is set when the subscription is fine but the payment method is not.
	PaymentIssue bool `json:"payment_issue,omitempty"`

	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// NeedsAttention reports whether the user must fix something in billing.
func (d Decision) NeedsAttention() bool {
	return !d.Allowed && !d.ProviderDown
}

// CheckAccess decides whether userID may use the product. It never fails:
// every error resolves to Allowed=false with a reason.
func (m *Manager) CheckAccess(ctx context.Context, userID string) Decision {
	d := m.checkAccess(ctx, userID)
	if !d.Allowed && d.Message == "" {
		d.Message = BlockedMessage(d.Reason)
	}
	m.metrics.RecordAccessDecision(d.Reason, d.Allowed)
	if !d.Allowed {
		m.logger.Info("access denied",
			Field{"user_id", userID},
			Field{"reason", string(d.Reason)},
			Field{"status", string(d.Status)},
		)
	}
	return d
}

func (m *Manager) checkAccess(ctx context.Context, userID string) Decision {
	if m.IsAdmin(userID) {
		return Decision{Allowed: true, Reason: ReasonAdminExempt}
	}

	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Decision{Reason: ReasonUserNotFound, Status: StatusNone}
		}
		m.logger.Error("access check failed to read user", Field{"user_id", userID}, Field{"error", err.Error()})
		return Decision{Reason: ReasonInternalError}
	}

	cached := user.Subscription
	if m.isFresh(cached) {
		return Decision{
			Allowed:   true,
			Reason:    ReasonCacheFresh,
			Status:    cached.Status,
			FromCache: true,
			CheckedAt: cached.LastStatusCheckAt,
		}
	}

	res, err := m.validate(ctx, userID, cached, SourceValidate)
	if err != nil {
		if res != nil && res.Outcome == OutcomeCheckFailed {
			// Fail closed rather than trust an arbitrarily stale cache.
			return Decision{Reason: ReasonProviderUnreachable, Status: cached.Status, ProviderDown: true}
		}
		m.logger.Error("access check failed to validate", Field{"user_id", userID}, Field{"error", err.Error()})
		return Decision{Reason: ReasonInternalError, Status: cached.Status}
	}

	switch {
	case res.Outcome == OutcomeNoSubscription && res.Status != StatusCanceled:
		return Decision{Reason: ReasonNoSubscription, Status: StatusNone, CheckedAt: res.CheckedAt}
	case !res.Status.Allowed():
		return Decision{Reason: Reason(res.Status), Status: res.Status, CheckedAt: res.CheckedAt}
	}

	d := Decision{Allowed: true, Reason: ReasonValidated, Status: res.Status, CheckedAt: res.CheckedAt}
	if m.config.SkipPaymentMethodCheck {
		return d
	}

	customerID := res.CustomerID
	if customerID == "" {
		customerID = user.ExternalCustomerID
	}
	if reason := m.checkPaymentMethod(ctx, userID, customerID); reason != "" {
		d.Allowed = false
		d.Reason = reason
		d.ProviderDown = reason == ReasonProviderUnreachable
		d.PaymentIssue = !d.ProviderDown
	}
	return d
}

// isFresh reports whether the cached record may be trusted without a provider call.
func (m *Manager) isFresh(r SubscriptionRecord) bool {
	if !r.Status.Allowed() || r.LastStatusCheckAt.IsZero() {
		return false
	}
	return m.now().Sub(r.LastStatusCheckAt) < m.config.FreshnessWindow
}

// checkPaymentMethod returns an empty reason when the customer's default
// payment method exists and has not expired.
func (m *Manager) checkPaymentMethod(ctx context.Context, userID, customerID string) Reason {
	if customerID == "" {
		return ReasonNoCustomer
	}

	var pm *billing.PaymentMethod
	err := m.callProvider(ctx, func(ctx context.Context) error {
		cust, err := m.provider.GetCustomer(ctx, customerID)
		if err != nil {
			return err
		}
		if cust.DefaultPaymentMethodID == "" {
			return nil
		}
		pm, err = m.provider.GetPaymentMethod(ctx, cust.DefaultPaymentMethodID)
		return err
	})

	switch {
	case err == nil && pm == nil:
		return ReasonNoPaymentMethod
	case err == nil && pm.Expired(m.now()):
		return ReasonCardExpired
	case err == nil:
		return ""
	case errors.Is(err, billing.ErrCustomerNotFound):
		return ReasonNoCustomer
	case errors.Is(err, billing.ErrPaymentMethodNotFound):
		return ReasonNoPaymentMethod
	case isProviderDown(err):
		return ReasonProviderUnreachable
	default:
		m.logger.Warn("payment method check failed", Field{"user_id", userID}, Field{"error", err.Error()})
		return ReasonPaymentCheckFailed
	}
}

// IsAdmin reports whether userID is on the operator allow-list.
func (m *Manager) IsAdmin(userID string) bool {
	_, ok := m.admins[userID]
	return ok
}

// Hint is the soft guard's annotation. It is never used to block.
type Hint struct {
	Valid  bool   `json:"valid"`
	Fresh  bool   `json:"fresh"`
	Status Status `json:"status"`
	Reason Reason `json:"reason,omitempty"`
}

// SoftCheck reads the cached record only. It never calls the provider.
func (m *Manager) SoftCheck(ctx context.Context, userID string) Hint {
	if m.IsAdmin(userID) {
		return Hint{Valid: true, Fresh: true, Reason: ReasonAdminExempt}
	}
	user, err := m.storage.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Hint{Status: StatusNone, Reason: ReasonUserNotFound}
		}
		return Hint{Reason: ReasonInternalError}
	}

	rec := user.Subscription
	status := rec.Status
	if status == "" {
		status = StatusNone
	}
	h := Hint{Valid: status.Allowed(), Fresh: m.isFresh(rec), Status: status}
	if !h.Valid {
		h.Reason = Reason(status)
	}
	return h
}

// BlockedMessage returns the user-facing message for a denied reason.
func BlockedMessage(reason Reason) string {
	switch reason {
	case ReasonProviderUnreachable:
		return "We're temporarily unable to verify your subscription. Please try again in a few minutes."
	case ReasonUserNotFound, ReasonNoCustomer:
		return "No billing account was found for your user. Please subscribe to continue."
	case ReasonNoSubscription:
		return "You don't have an active subscription. Please subscribe to continue."
	case ReasonNoPaymentMethod:
		return "No valid payment method is on file. Please add a payment method to continue."
	case ReasonCardExpired:
		return "Your card on file has expired. Please update your payment method to continue."
	case ReasonPaymentCheckFailed:
		return "We couldn't verify your payment method. Please update your payment details."
	case ReasonInternalError:
		return "We couldn't check your subscription right now. Please try again."
	case Reason(StatusCanceled):
		return "Your subscription has been cancelled. Please resubscribe to continue."
	default:
		return fmt.Sprintf("Your subscription is %s. Please update your billing details to continue.", reason)
	}
}
