package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/pkg/internal/httputil"
)

const (
	maxUserIDLen   = 255
	maxRequestBody = 16 << 10

	actionUpdateBilling = "update_billing"
	actionRetry         = "retry"

	// RetryAfterSeconds is sent with 503 answers while the provider is unreachable.
	RetryAfterSeconds = "60"
)

// Handler provides the billing HTTP endpoints
type Handler struct {
	config Config
}

// Routes returns a router with every endpoint mounted.
//
//	POST /webhooks/stripe
//	GET  /billing/subscription
//	POST /billing/customer
//	POST /billing/portal
//	POST /admin/poll
//	GET  /admin/poll
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	limiter := httputil.NewRateLimiter(h.config.WebhookBurst, h.config.WebhookWindow)

	r.With(limiter.Middleware).Post("/webhooks/stripe", h.Webhook)
	r.Get("/billing/subscription", h.Subscription)
	r.Post("/billing/customer", h.Customer)
	r.Post("/billing/portal", h.Portal)
	r.Post("/admin/poll", h.RunPoll)
	r.Get("/admin/poll", h.PollStatus)
	return r
}

// Webhook verifies and applies a provider event. Signature failures get 401
// and store failures 500 so the provider retries; ignored and stale events
// are acknowledged with 200.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := httputil.ReadBodyStrict(w, r, h.config.MaxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.handleError(w, r, err, status)
		return
	}

	result, err := h.config.Manager.ApplyWebhookEvent(r.Context(), body, r.Header.Get(h.config.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, billsync.ErrSignature):
			h.handleError(w, r, errors.New("invalid signature"), http.StatusUnauthorized)
		case errors.Is(err, billing.ErrInvalidWebhookPayload):
			h.handleError(w, r, errors.New("invalid payload"), http.StatusBadRequest)
		default:
			h.config.Logger.Error("webhook processing failed", billsync.Field{Key: "error", Value: err.Error()})
			h.handleError(w, r, errors.New("webhook processing failed"), http.StatusInternalServerError)
		}
		return
	}

	h.config.Logger.Info("webhook processed",
		billsync.Field{Key: "event_id", Value: result.EventID},
		billsync.Field{Key: "event_type", Value: string(result.EventType)},
		billsync.Field{Key: "outcome", Value: string(result.Outcome)},
		billsync.Field{Key: "reason", Value: result.Reason},
	)
	h.writeJSON(w, http.StatusOK, result)
}

// Subscription runs the Access Guard for the authenticated user:
// 200 allowed, 403 the user must fix billing, 503 the provider could not be reached.
func (h *Handler) Subscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status, resp := DecisionResponse(h.config.Manager.CheckAccess(r.Context(), userID))
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}
	h.writeJSON(w, status, resp)
}

// DecisionResponse maps a guard decision to its HTTP status and body.
// The framework middlewares use it so every surface answers the same way.
func DecisionResponse(d billsync.Decision) (int, SubscriptionResponse) {
	resp := SubscriptionResponse{Decision: d}
	switch {
	case d.Allowed:
		return http.StatusOK, resp
	case d.ProviderDown:
		resp.Action = actionRetry
		return http.StatusServiceUnavailable, resp
	default:
		resp.Action = actionUpdateBilling
		return http.StatusForbidden, resp
	}
}

// Customer resolves (or creates) the provider customer for the authenticated user.
func (h *Handler) Customer(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req CustomerRequest
	if !h.decode(w, r, &req) {
		return
	}

	customerID, err := h.config.Manager.ResolveCustomer(r.Context(), userID, req.Email)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, CustomerResponse{CustomerID: customerID})
}

// Portal returns a self-service billing page for the authenticated user.
func (h *Handler) Portal(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req PortalRequest
	if !h.decode(w, r, &req) {
		return
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = h.config.PortalReturnURL
	}

	url, err := h.config.Manager.PortalURL(r.Context(), userID, req.Email, returnURL)
	if err != nil {
		h.handleError(w, r, err, statusFor(err))
		return
	}
	h.writeJSON(w, http.StatusOK, PortalResponse{URL: url})
}

// RunPoll runs one poll batch. Operators only.
func (h *Handler) RunPoll(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}

	summary, err := h.config.Manager.PollBatch(r.Context())
	if err != nil {
		h.config.Logger.Error("poll failed", billsync.Field{Key: "error", Value: err.Error()})
	}
	status := http.StatusOK
	switch summary.Status {
	case billsync.PollAlreadyRunning:
		status = http.StatusConflict
	case billsync.PollFailed:
		status = http.StatusInternalServerError
	}
	h.writeJSON(w, status, summary)
}

// PollStatus reports the poller state. Operators only.
func (h *Handler) PollStatus(w http.ResponseWriter, r *http.Request) {
	if !h.admin(w, r) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.config.Manager.PollStatus())
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("user ID not found"), http.StatusUnauthorized)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("invalid user ID format"), http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func (h *Handler) admin(w http.ResponseWriter, r *http.Request) bool {
	userID, ok := h.userID(w, r)
	if !ok {
		return false
	}
	if !h.config.Manager.IsAdmin(userID) {
		h.handleError(w, r, fmt.Errorf("forbidden"), http.StatusForbidden)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := httputil.ReadBodyStrict(w, r, maxRequestBody)
	if err == nil {
		err = json.Unmarshal(body, dst)
	}
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httputil.ErrPayloadTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), status)
		return false
	}
	return true
}

// statusFor maps billsync error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billsync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billsync.ErrTimeout):
		return http.StatusServiceUnavailable
	case errors.Is(err, billsync.ErrConfiguration):
		return http.StatusNotImplemented
	case errors.Is(err, billsync.ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	if err := httputil.WriteJSON(w, status, v); err != nil {
		h.config.Logger.Debug("response encoding failed", billsync.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, ErrorResponse{Error: err.Error()})
}
