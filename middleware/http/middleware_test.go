package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mihaimyh/billsync/pkg/api"
	"github.com/mihaimyh/billsync/pkg/billing"
	"github.com/mihaimyh/billsync/pkg/billing/billingtest"
	"github.com/mihaimyh/billsync/pkg/billsync"
	"github.com/mihaimyh/billsync/storage/memory"
)

// Test helper to create a test manager
func setupTestManager(t *testing.T) (*billsync.Manager, *memory.Storage, *billingtest.Provider) {
	t.Helper()

	storage := memory.New()
	provider := billingtest.New("whsec_test")
	config := billsync.DefaultConfig()
	config.AdminUsers = []string{"admin"}
	config.SkipPaymentMethodCheck = true

	manager, err := billsync.NewManager(storage, provider, config)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return manager, storage, provider
}

// Test helper to store a user with a confirmed subscription
func setupSubscription(t *testing.T, storage *memory.Storage, provider *billingtest.Provider,
	userID string, status billsync.Status, checkedAt time.Time) {
	t.Helper()

	ctx := context.Background()
	if err := storage.SaveProfile(ctx, billsync.Profile{UserID: userID, Email: userID + "@example.com"}); err != nil {
		t.Fatalf("Failed to save profile: %v", err)
	}
	provider.PutSubscription(billing.Subscription{ID: "sub_" + userID, Status: string(status)})
	_, err := storage.ApplySubscriptionWrite(ctx, userID, billsync.SubscriptionWrite{
		SubscriptionID: "sub_" + userID,
		Status:         status,
		ConfirmedAt:    checkedAt,
		Source:         billsync.SourceWebhook,
	})
	if err != nil {
		t.Fatalf("Failed to store subscription: %v", err)
	}
}

func okHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := DecisionFromContext(r.Context()); !ok {
			t.Error("Expected decision in context")
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuard_Allowed(t *testing.T) {
	manager, storage, provider := setupTestManager(t)
	setupSubscription(t, storage, provider, "user1", billsync.StatusActive, time.Now())

	handler := Guard(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestGuard_AdminExempt(t *testing.T) {
	manager, _, _ := setupTestManager(t)

	handler := Guard(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req.Header.Set("X-User-ID", "admin")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200 for admin, got %d", rec.Code)
	}
}

func TestGuard_Denied(t *testing.T) {
	manager, storage, provider := setupTestManager(t)
	setupSubscription(t, storage, provider, "user1", billsync.StatusPastDue, time.Now())

	called := false
	handler := Guard(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Error("Handler should not be called for a past due user")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected status 403, got %d", rec.Code)
	}

	var resp api.SubscriptionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Reason != billsync.Reason(billsync.StatusPastDue) {
		t.Errorf("Expected reason past_due, got %s", resp.Reason)
	}
	if resp.Action != "update_billing" {
		t.Errorf("Expected action update_billing, got %s", resp.Action)
	}
}

func TestGuard_ProviderDown(t *testing.T) {
	manager, storage, provider := setupTestManager(t)
	setupSubscription(t, storage, provider, "user1", billsync.StatusActive, time.Now().Add(-48*time.Hour))
	provider.SetFailure(billing.ErrProviderUnavailable)

	handler := Guard(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Expected Retry-After 60, got %q", got)
	}
}

func TestGuard_CustomDenied(t *testing.T) {
	manager, _, _ := setupTestManager(t)

	var got billsync.Decision
	handler := Guard(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
		OnDenied: func(w http.ResponseWriter, r *http.Request, d billsync.Decision) {
			got = d
			w.WriteHeader(http.StatusPaymentRequired)
		},
	})(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req.Header.Set("X-User-ID", "ghost")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
	if got.Reason != billsync.ReasonUserNotFound {
		t.Errorf("Expected reason user_not_found, got %s", got.Reason)
	}
}

func TestGuard_Unauthorized(t *testing.T) {
	manager, _, _ := setupTestManager(t)

	handler := Guard(Config{Manager: manager, GetUserID: FromContext(UserIDKey)})(okHandler(t))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	// With the user id in context the request goes through the guard.
	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req = req.WithContext(WithUserID(req.Context(), "admin"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rec.Code)
	}
}

func TestSoft(t *testing.T) {
	manager, storage, provider := setupTestManager(t)
	setupSubscription(t, storage, provider, "user1", billsync.StatusCanceled, time.Now())
	provider.SetFailure(billing.ErrProviderUnavailable)

	var hint billsync.Hint
	var found bool
	handler := Soft(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hint, found = HintFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/api/data", http.NoBody)
	req.Header.Set("X-User-ID", "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Soft guard must never block, got %d", rec.Code)
	}
	if !found || hint.Valid || hint.Status != billsync.StatusCanceled {
		t.Errorf("Unexpected hint: %+v (found=%v)", hint, found)
	}
	if rec.Header().Get("X-Subscription-Valid") != "false" {
		t.Errorf("Expected X-Subscription-Valid false, got %q", rec.Header().Get("X-Subscription-Valid"))
	}
	if rec.Header().Get("X-Subscription-Status") != "canceled" {
		t.Errorf("Expected X-Subscription-Status canceled, got %q", rec.Header().Get("X-Subscription-Status"))
	}
	if provider.GetSubscriptionCalls.Load() != 0 {
		t.Error("Soft guard must not call the provider")
	}
}

func TestSoft_Anonymous(t *testing.T) {
	manager, _, _ := setupTestManager(t)

	handler := Soft(Config{Manager: manager, GetUserID: FromHeader("X-User-ID")})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := HintFromContext(r.Context()); ok {
				t.Error("Anonymous request should not carry a hint")
			}
			w.WriteHeader(http.StatusNoContent)
		}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rec.Code)
	}
}

func TestGuard_PanicsWithoutManager(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for missing manager")
		}
	}()
	Guard(Config{GetUserID: FromHeader("X-User-ID")})
}
