package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nutrioBack/internal/models"
)

type SyncConfig struct {
	BaseURL    string
	Secret     string
	HTTPClient *http.Client
}

// SyncService mirrors entitlement changes to the nutrition backend so meal
// plans and recipe access unlock without polling this service.
type SyncService struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

func NewSyncService(cfg SyncConfig) (*SyncService, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("sync: base url is required")
	}
	if strings.TrimSpace(cfg.Secret) == "" {
		return nil, errors.New("sync: secret is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SyncService{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secret:     cfg.Secret,
	}, nil
}

// PushEntitlement posts the entitlement snapshot, signed so the backend can
// reject spoofed calls.
func (s *SyncService) PushEntitlement(ctx context.Context, ent models.Entitlement) error {
	payload := map[string]interface{}{
		"user_id":       ent.UserID,
		"product_id":    ent.ProductID,
		"is_subscribed": ent.IsSubscribed,
		"expires_at_ms": ent.ExpiresAt.UnixMilli(),
		"source":        ent.Source,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/internal/entitlements", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", s.sign(body))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sync: unexpected status %s", resp.Status)
	}
	return nil
}

func (s *SyncService) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates an HMAC-SHA256 hex signature over body.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sigBytes)
}
