// Package http provides net/http middleware for subscription access checks
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Manager is the reconciliation manager instance
	Manager *billsync.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnDenied is called when the guard refuses access.
	// If nil, writes 403 (or 503 with Retry-After when the provider is down)
	// with the decision as JSON.
	OnDenied func(w http.ResponseWriter, r *http.Request, d billsync.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

func (c *Config) mustValidate(name string) {
	if c.Manager == nil {
		panic("billsync/http: " + name + ": Config.Manager is required")
	}
	if c.GetUserID == nil {
		panic("billsync/http: " + name + ": Config.GetUserID is required")
	}
}

// Guard creates a middleware that blocks requests from users whose
// subscription does not grant access. The decision is stored in the request
// context for the next handler.
func Guard(config Config) func(http.Handler) http.Handler {
	config.mustValidate("Guard")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			d := config.Manager.CheckAccess(r.Context(), userID)
			if !d.Allowed {
				if config.OnDenied != nil {
					config.OnDenied(w, r, d)
				} else {
					writeDenied(w, d)
				}
				return
			}

			ctx := context.WithValue(r.Context(), decisionKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Soft creates a middleware that annotates requests with the cached
// subscription state and never blocks. It sets the X-Subscription-Valid and
// X-Subscription-Status response headers and stores the Hint in the context.
// Unauthenticated requests pass through untouched.
func Soft(config Config) func(http.Handler) http.Handler {
	config.mustValidate("Soft")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			hint := config.Manager.SoftCheck(r.Context(), userID)
			w.Header().Set("X-Subscription-Valid", strconv.FormatBool(hint.Valid))
			w.Header().Set("X-Subscription-Status", string(hint.Status))

			ctx := context.WithValue(r.Context(), hintKey, hint)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeDenied(w http.ResponseWriter, d billsync.Decision) {
	status, body := api.DecisionResponse(d)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", api.RetryAfterSeconds)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // headers already sent
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "billsync:userID"

	decisionKey ContextKey = "billsync:decision"
	hintKey     ContextKey = "billsync:hint"
)

// DecisionFromContext returns the decision stored by Guard.
func DecisionFromContext(ctx context.Context) (billsync.Decision, bool) {
	d, ok := ctx.Value(decisionKey).(billsync.Decision)
	return d, ok
}

// HintFromContext returns the hint stored by Soft.
func HintFromContext(ctx context.Context) (billsync.Hint, bool) {
	h, ok := ctx.Value(hintKey).(billsync.Hint)
	return h, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
