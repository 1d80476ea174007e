package api

import "github.com/mihaimyh/billsync/pkg/billsync"

// SubscriptionResponse is the access decision for the authenticated user.
type SubscriptionResponse struct {
	billsync.Decision

	// Action tells the client what the user should do ("update_billing" or "retry").
	Action string `json:"action,omitempty"`
}

// CustomerRequest is the body of POST /billing/customer.
type CustomerRequest struct {
	Email string `json:"email"`
}

// CustomerResponse returns the resolved provider customer id.
type CustomerResponse struct {
	CustomerID string `json:"customer_id"`
}

// PortalRequest is the body of POST /billing/portal.
type PortalRequest struct {
	Email     string `json:"email"`
	ReturnURL string `json:"return_url,omitempty"`
}

// PortalResponse carries the billing portal URL.
type PortalResponse struct {
	URL string `json:"url"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
