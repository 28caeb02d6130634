package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"nutrioBack/internal/models"
	"nutrioBack/internal/services"
)

// GoogleIAPHandler verifies Play Store purchases reported by the Android app.
type GoogleIAPHandler struct {
	Service  *services.EntitlementService
	InfoLog  *log.Logger
	ErrorLog *log.Logger
}

// VerifyPurchase handles POST /api/iap/google/verify.
func (h *GoogleIAPHandler) VerifyPurchase(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		ProductID     string `json:"product_id"`
		PurchaseToken string `json:"purchase_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.ProductID) == "" || strings.TrimSpace(req.PurchaseToken) == "" {
		http.Error(w, "product_id and purchase_token are required", http.StatusBadRequest)
		return
	}

	snapshot, err := h.Service.ApplyGooglePurchase(r.Context(), userID, req.ProductID, req.PurchaseToken)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrProductNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, models.ErrPaymentPending), errors.Is(err, models.ErrSubscriptionExpired):
			http.Error(w, err.Error(), http.StatusPaymentRequired)
		case errors.Is(err, models.ErrVerificationFailed):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
		default:
			h.ErrorLog.Printf("iap: google verify user=%d: %v", userID, err)
			http.Error(w, "verification failed", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"entitlements": snapshot,
	})
}
