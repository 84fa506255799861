package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/quorumlabs/quorum/internal/billing"
	"github.com/quorumlabs/quorum/internal/model"
)

// HandleBillingCheckout responds to POST /v1/billing/checkout.
func (h *Handlers) HandleBillingCheckout(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req struct {
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.SuccessURL == "" || req.CancelURL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "success_url and cancel_url are required")
		return
	}

	url, err := h.billingSvc.CreateCheckoutSession(r.Context(), claims.UserID(), claims.Email, req.SuccessURL, req.CancelURL)
	if errors.Is(err, billing.ErrBillingDisabled) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "billing is not configured")
		return
	}
	if err != nil {
		h.logger.Error("create checkout session", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create checkout session")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"url": url})
}

// HandleBillingPortal responds to POST /v1/billing/portal.
func (h *Handlers) HandleBillingPortal(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req struct {
		ReturnURL string `json:"return_url"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "return_url is required")
		return
	}

	url, err := h.billingSvc.CreatePortalSession(r.Context(), claims.UserID(), req.ReturnURL)
	if errors.Is(err, billing.ErrBillingDisabled) {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "billing is not configured")
		return
	}
	if err != nil {
		h.logger.Error("create portal session", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create portal session")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"url": url})
}

// HandleBillingWebhook responds to POST /webhooks/stripe. Signature
// verification happens inside the billing service.
func (h *Handlers) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if h.billingSvc == nil || !h.billingSvc.Enabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "billing is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}

	status, err := h.billingSvc.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("stripe webhook", "status", status, "error", err)
		writeError(w, r, status, model.ErrCodeInvalidInput, "webhook processing failed")
		return
	}
	writeJSON(w, r, status, map[string]string{"received": "true"})
}
