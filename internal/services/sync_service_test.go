package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nutrioBack/internal/models"
)

func TestPushEntitlementSignsBody(t *testing.T) {
	const secret = "sync-secret"

	var (
		gotPath      string
		gotSignature string
		gotBody      []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSignature = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	svc, err := NewSyncService(SyncConfig{BaseURL: server.URL, Secret: secret})
	if err != nil {
		t.Fatalf("NewSyncService: %v", err)
	}

	ent := models.Entitlement{
		UserID:       42,
		ProductID:    "nutrio.premium.monthly",
		IsSubscribed: true,
		ExpiresAt:    time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		Source:       models.TransactionSourceAppStore,
	}
	if err := svc.PushEntitlement(context.Background(), ent); err != nil {
		t.Fatalf("PushEntitlement: %v", err)
	}

	if gotPath != "/internal/entitlements" {
		t.Errorf("path = %s; want /internal/entitlements", gotPath)
	}
	if !VerifySignature(gotBody, gotSignature, secret) {
		t.Error("signature does not validate against the body")
	}
	if VerifySignature(gotBody, gotSignature, "wrong-secret") {
		t.Error("signature validated with the wrong secret")
	}

	var payload map[string]any
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if payload["user_id"].(float64) != 42 {
		t.Errorf("user_id = %v; want 42", payload["user_id"])
	}
	if payload["is_subscribed"] != true {
		t.Errorf("is_subscribed = %v; want true", payload["is_subscribed"])
	}
}

func TestPushEntitlementRejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	svc, err := NewSyncService(SyncConfig{BaseURL: server.URL, Secret: "s"})
	if err != nil {
		t.Fatalf("NewSyncService: %v", err)
	}
	if err := svc.PushEntitlement(context.Background(), models.Entitlement{UserID: 1}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"ok":true}`)
	secret := "secret"
	signature := "f6b4a2841c93f8bf2fb8f2c13d8fb0b6c8e8019f09ee405d248daa8385fad638"
	if !VerifySignature(body, signature, secret) {
		t.Fatal("expected signature to be valid")
	}
	if VerifySignature(body, "deadbeef", secret) {
		t.Fatal("unexpected valid signature")
	}
	if VerifySignature(body, "not-hex", secret) {
		t.Fatal("unexpected valid signature for malformed hex")
	}
}
