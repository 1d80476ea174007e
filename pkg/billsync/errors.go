package billsync

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches errors caused by missing credentials or collaborators.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound matches errors for an absent local user or provider resource.
	ErrNotFound = errors.New("not found")

	// ErrProvider matches errors from calling the billing provider.
	// Timeouts waiting for a concurrent creation also match.
	ErrProvider = errors.New("provider error")

	// ErrSignature matches webhook authenticity failures.
	ErrSignature = errors.New("signature error")

	// ErrTimeout matches errors where a wait or provider call exceeded its bound.
	ErrTimeout = errors.New("timeout")

	// ErrUserNotFound is returned by stores when the user row does not exist
	ErrUserNotFound = errors.New("user not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRetryExhausted is returned when a RetryPolicy runs out of attempts
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// Kind classifies an Error.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindNotFound
	KindProvider
	KindSignature
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "ConfigurationError"
	case KindNotFound:
		return "NotFoundError"
	case KindProvider:
		return "ProviderError"
	case KindSignature:
		return "SignatureError"
	case KindTimeout:
		return "TimeoutError"
	default:
		return "Error"
	}
}

// Error is the typed error surfaced by the resolver and the reconciliation engine.
type Error struct {
	Kind   Kind
	Op     string
	UserID string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " in " + e.Op
	}
	if e.UserID != "" {
		msg += fmt.Sprintf(" (user %s)", e.UserID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels (ErrProvider, ErrTimeout, ...).
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConfiguration:
		return e.Kind == KindConfiguration
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrProvider:
		return e.Kind == KindProvider || e.Kind == KindTimeout
	case ErrSignature:
		return e.Kind == KindSignature
	case ErrTimeout:
		return e.Kind == KindTimeout
	}
	return false
}

func newError(kind Kind, op, userID string, err error) *Error {
	return &Error{Kind: kind, Op: op, UserID: userID, Err: err}
}
