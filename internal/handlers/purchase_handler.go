package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"nutrioBack/internal/models"
	"nutrioBack/internal/services"
)

// PurchaseHandler exposes the reconciliation engine and entitlement reads.
type PurchaseHandler struct {
	Service  *services.EntitlementService
	InfoLog  *log.Logger
	ErrorLog *log.Logger
}

// Purchase handles POST /api/iap/purchase. The device reports a finished (or
// failed) StoreKit purchase; the server reconciles it against Apple and
// answers with the terminal outcome.
func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	outcome, err := h.Service.Purchase(r.Context(), userID, req)
	if err != nil {
		h.writeIAPError(w, err)
		return
	}

	resp := map[string]any{
		"state":         outcome.State,
		"restored":      outcome.Restored,
		"retry_attempt": outcome.RetryAttempt,
	}
	if outcome.Transaction != nil {
		resp["transaction_id"] = outcome.Transaction.TransactionID
		resp["original_transaction_id"] = outcome.Transaction.OriginalTransactionID
		resp["expires_date"] = outcome.Transaction.ExpiresDate
		resp["environment"] = outcome.Transaction.Environment
	}
	if outcome.State == models.OutcomeGranted {
		if snapshot, err := h.Service.Entitlements(r.Context(), userID); err == nil {
			resp["entitlements"] = snapshot
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Entitlements handles GET /api/iap/entitlements.
func (h *PurchaseHandler) Entitlements(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	snapshot, err := h.Service.Entitlements(r.Context(), userID)
	if err != nil {
		h.ErrorLog.Printf("iap: load entitlements user=%d: %v", userID, err)
		http.Error(w, "failed to load entitlements", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// SubscriptionStatus handles GET /api/iap/subscription/status with a live
// store lookup.
func (h *PurchaseHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	status, err := h.Service.LiveStatus(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNoRecord) {
			http.Error(w, "no subscription on record", http.StatusNotFound)
			return
		}
		h.ErrorLog.Printf("iap: live status user=%d: %v", userID, err)
		http.Error(w, "failed to load subscription status", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"state":                   status.State,
		"state_label":             models.SubscriptionStateLabel(status.State),
		"payment_pending":         status.PaymentPending(),
		"original_transaction_id": status.OriginalTransactionID,
	}
	if status.Transaction != nil {
		resp["product_id"] = status.Transaction.ProductID
		resp["expires_date"] = status.Transaction.ExpiresDate
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *PurchaseHandler) writeIAPError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrProductNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrAttemptInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrPaymentPending),
		errors.Is(err, models.ErrSubscriptionExpired),
		errors.Is(err, models.ErrPurchaseUnableExpiredPrior):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, models.ErrVerificationFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
	default:
		h.ErrorLog.Printf("iap: purchase failed: %v", err)
		http.Error(w, "purchase reconciliation failed", http.StatusInternalServerError)
	}
}

func userIDFrom(r *http.Request) (int, bool) {
	userID, ok := r.Context().Value("user_id").(int)
	return userID, ok && userID > 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
