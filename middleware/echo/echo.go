// Package echo provides Echo middleware for subscription access checks
package echo

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Context keys set by the middleware
const (
	DecisionKey = "billsync.decision"
	HintKey     = "billsync.hint"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the reconciliation manager instance
	Manager *billsync.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnDenied is called when access is refused.
	// If nil, responds with 403 (503 when the provider is unreachable) and the decision as JSON
	OnDenied func(c echo.Context, d billsync.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error
}

func (cfg *Config) mustValidate() {
	if cfg.Manager == nil {
		panic("billsync/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/echo: Config.GetUserID is required")
	}
}

// Guard creates an Echo middleware that refuses requests from users without access.
func Guard(cfg Config) echo.MiddlewareFunc {
	cfg.mustValidate()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			d := cfg.Manager.CheckAccess(c.Request().Context(), userID)
			if !d.Allowed {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				status, body := api.DecisionResponse(d)
				if status == http.StatusServiceUnavailable {
					c.Response().Header().Set("Retry-After", api.RetryAfterSeconds)
				}
				return c.JSON(status, body)
			}

			c.Set(DecisionKey, d)
			return next(c)
		}
	}
}

// Soft creates an Echo middleware that annotates requests with the cached
// subscription state. It never blocks.
func Soft(cfg Config) echo.MiddlewareFunc {
	cfg.mustValidate()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if userID := cfg.GetUserID(c); userID != "" {
				hint := cfg.Manager.SoftCheck(c.Request().Context(), userID)
				c.Response().Header().Set("X-Subscription-Valid", strconv.FormatBool(hint.Valid))
				c.Response().Header().Set("X-Subscription-Status", string(hint.Status))
				c.Set(HintKey, hint)
			}
			return next(c)
		}
	}
}

// GetDecision returns the decision stored by Guard.
func GetDecision(c echo.Context) (billsync.Decision, bool) {
	d, ok := c.Get(DecisionKey).(billsync.Decision)
	return d, ok
}

// GetHint returns the hint stored by Soft.
func GetHint(c echo.Context) (billsync.Hint, bool) {
	h, ok := c.Get(HintKey).(billsync.Hint)
	return h, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// This is the recommended approach for integrating with auth middleware that sets
// user information via c.Set("UserID", "...") or similar.
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In the guard config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
