// Package gin provides Gin middleware for subscription access checks
package gin

import (
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Context keys set by the middleware
const (
	DecisionKey = "billsync.decision"
	HintKey     = "billsync.hint"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration
type Config struct {
	// Manager is the reconciliation manager instance
	Manager *billsync.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnDenied is called when access is refused.
	// If nil, responds with 403 (503 when the provider is unreachable) and the decision as JSON
	OnDenied func(c *gongin.Context, d billsync.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)
}

func (cfg *Config) mustValidate() {
	if cfg.Manager == nil {
		panic("billsync/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/gin: Config.GetUserID is required")
	}
}

// Guard creates a Gin middleware that aborts requests from users without access.
// The decision is available to later handlers under DecisionKey.
func Guard(cfg Config) gongin.HandlerFunc {
	cfg.mustValidate()

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		d := cfg.Manager.CheckAccess(c.Request.Context(), userID)
		if !d.Allowed {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, d)
			} else {
				status, body := api.DecisionResponse(d)
				if status == http.StatusServiceUnavailable {
					c.Header("Retry-After", api.RetryAfterSeconds)
				}
				c.JSON(status, body)
			}
			c.Abort()
			return
		}

		c.Set(DecisionKey, d)
		c.Next()
	}
}

// Soft creates a Gin middleware that annotates requests with the cached
// subscription state. It never blocks and never calls the provider.
func Soft(cfg Config) gongin.HandlerFunc {
	cfg.mustValidate()

	return func(c *gongin.Context) {
		if userID := cfg.GetUserID(c); userID != "" {
			hint := cfg.Manager.SoftCheck(c.Request.Context(), userID)
			c.Header("X-Subscription-Valid", strconv.FormatBool(hint.Valid))
			c.Header("X-Subscription-Status", string(hint.Status))
			c.Set(HintKey, hint)
		}
		c.Next()
	}
}

// GetDecision returns the decision stored by Guard.
func GetDecision(c *gongin.Context) (billsync.Decision, bool) {
	v, ok := c.Get(DecisionKey)
	if !ok {
		return billsync.Decision{}, false
	}
	d, ok := v.(billsync.Decision)
	return d, ok
}

// GetHint returns the hint stored by Soft.
func GetHint(c *gongin.Context) (billsync.Hint, bool) {
	v, ok := c.Get(HintKey)
	if !ok {
		return billsync.Hint{}, false
	}
	h, ok := v.(billsync.Hint)
	return h, ok
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from context values
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
