package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"nutrioBack/internal/models"
	"nutrioBack/internal/services"
)

// NotificationsHandler receives App Store Server Notifications V2.
type NotificationsHandler struct {
	Service  *services.EntitlementService
	InfoLog  *log.Logger
	ErrorLog *log.Logger
}

// AppleNotificationsV2 handles POST /api/iap/appstore/notifications. Apple
// retries on 5xx, so bad payloads answer 4xx and only transient failures
// answer 5xx.
func (h *NotificationsHandler) AppleNotificationsV2(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SignedPayload string `json:"signedPayload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}

	notif, err := h.Service.AppStore.ParseNotification(r.Context(), req.SignedPayload)
	if err != nil {
		http.Error(w, "verify notification: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Service.ApplyAppleNotification(r.Context(), notif); err != nil {
		if errors.Is(err, models.ErrVerificationFailed) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.ErrorLog.Printf("iap: apply notification %s: %v", notif.NotificationType, err)
		http.Error(w, "failed to apply notification", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
