package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"nutrioBack/internal/models"
)

func TestWriteIAPError(t *testing.T) {
	h := &PurchaseHandler{ErrorLog: log.New(io.Discard, "", 0)}

	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown product", models.ErrProductNotFound, http.StatusNotFound},
		{"attempt already running", models.ErrAttemptInProgress, http.StatusConflict},
		{"payment pending", models.ErrPaymentPending, http.StatusPaymentRequired},
		{"subscription expired", models.ErrSubscriptionExpired, http.StatusPaymentRequired},
		{"retries exhausted", models.ErrPurchaseUnableExpiredPrior, http.StatusPaymentRequired},
		{"verification failed", models.ErrVerificationFailed, http.StatusBadRequest},
		{"wrapped verification failure", fmt.Errorf("inner: %w", models.ErrVerificationFailed), http.StatusBadRequest},
		{"cancelled request", context.Canceled, http.StatusRequestTimeout},
		{"deadline exceeded", context.DeadlineExceeded, http.StatusRequestTimeout},
		{"anything else", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeIAPError(rec, tc.err)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestUserIDFrom(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(context.WithValue(r.Context(), "user_id", 42))
		id, ok := userIDFrom(r)
		if !ok || id != 42 {
			t.Fatalf("expected 42, got %d ok=%v", id, ok)
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if _, ok := userIDFrom(r); ok {
			t.Fatal("expected no user id")
		}
	})

	t.Run("zero is rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r = r.WithContext(context.WithValue(r.Context(), "user_id", 0))
		if _, ok := userIDFrom(r); ok {
			t.Fatal("expected zero user id to be rejected")
		}
	})
}
