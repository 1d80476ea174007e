// Package fiber provides Fiber middleware for subscription access checks
package fiber

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billsync"
)

// Locals keys set by the middleware
const (
	DecisionKey = "billsync.decision"
	HintKey     = "billsync.hint"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Manager is the reconciliation manager instance
	Manager *billsync.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnDenied is called when access is refused.
	// If nil, responds with 403 (503 when the provider is unreachable) and the decision as JSON
	OnDenied func(c *fiber.Ctx, d billsync.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error
}

func (cfg *Config) mustValidate() {
	// Validate required configuration at startup (fail fast)
	if cfg.Manager == nil {
		panic("billsync/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("billsync/fiber: Config.GetUserID is required")
	}
}

// Guard creates a Fiber middleware that refuses requests from users without access.
func Guard(cfg Config) fiber.Handler {
	cfg.mustValidate()

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		d := cfg.Manager.CheckAccess(c.UserContext(), userID)
		if !d.Allowed {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			status, body := api.DecisionResponse(d)
			if status == http.StatusServiceUnavailable {
				c.Set(fiber.HeaderRetryAfter, api.RetryAfterSeconds)
			}
			return c.Status(status).JSON(body)
		}

		c.Locals(DecisionKey, d)
		return c.Next()
	}
}

// Soft creates a Fiber middleware that annotates requests with the cached
// subscription state. It never blocks.
func Soft(cfg Config) fiber.Handler {
	cfg.mustValidate()

	return func(c *fiber.Ctx) error {
		if userID := cfg.GetUserID(c); userID != "" {
			hint := cfg.Manager.SoftCheck(c.UserContext(), userID)
			c.Set("X-Subscription-Valid", strconv.FormatBool(hint.Valid))
			c.Set("X-Subscription-Status", string(hint.Status))
			c.Locals(HintKey, hint)
		}
		return c.Next()
	}
}

// GetDecision returns the decision stored by Guard.
func GetDecision(c *fiber.Ctx) (billsync.Decision, bool) {
	d, ok := c.Locals(DecisionKey).(billsync.Decision)
	return d, ok
}

// GetHint returns the hint stored by Soft.
func GetHint(c *fiber.Ctx) (billsync.Hint, bool) {
	h, ok := c.Locals(HintKey).(billsync.Hint)
	return h, ok
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In the guard config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
