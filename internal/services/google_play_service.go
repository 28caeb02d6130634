package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"

	"nutrioBack/internal/models"
)

type GooglePlayConfig struct {
	PackageName        string
	ServiceAccountJSON string
}

// GooglePlayService verifies subscription purchases reported by the Android
// app against the Android Publisher API.
type GooglePlayService struct {
	cfg GooglePlayConfig
	svc *androidpublisher.Service
}

func NewGooglePlayService(cfg GooglePlayConfig) (*GooglePlayService, error) {
	cfg.PackageName = strings.TrimSpace(cfg.PackageName)
	if cfg.PackageName == "" {
		return nil, errors.New("GOOGLE_PLAY_PACKAGE_NAME is empty")
	}
	if strings.TrimSpace(cfg.ServiceAccountJSON) == "" {
		return nil, errors.New("GOOGLE_PLAY_SERVICE_ACCOUNT_JSON is empty")
	}

	ctx := context.Background()
	s, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}

	return &GooglePlayService{cfg: cfg, svc: s}, nil
}

func (s *GooglePlayService) VerifySubscription(ctx context.Context, subscriptionID, token string) (models.GooglePurchase, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	token = strings.TrimSpace(token)
	if subscriptionID == "" || token == "" {
		return models.GooglePurchase{}, fmt.Errorf("%w: subscription_id and purchase_token are required", models.ErrVerificationFailed)
	}

	resp, err := s.svc.Purchases.Subscriptions.Get(s.cfg.PackageName, subscriptionID, token).
		Context(ctx).
		Do()
	if err != nil {
		return models.GooglePurchase{}, fmt.Errorf("%w: subscriptions.get: %v", models.ErrVerificationFailed, err)
	}

	raw, _ := json.Marshal(resp)

	p := models.GooglePurchase{
		ProductID:     subscriptionID,
		PurchaseToken: token,
		OrderID:       resp.OrderId,
		PackageName:   s.cfg.PackageName,

		ExpiryTimeMillis: resp.ExpiryTimeMillis,
		StartTimeMillis:  resp.StartTimeMillis,
		PaymentState:     resp.PaymentState,
		CancelReason:     resp.CancelReason,
		AutoRenewing:     resp.AutoRenewing,
		Acknowledged:     resp.AcknowledgementState == 1,

		Status: deriveGoogleStatus(resp, time.Now().UnixMilli()),
		Raw:    string(raw),
	}

	return p, nil
}

func (s *GooglePlayService) AcknowledgeSubscription(ctx context.Context, subscriptionID, token string) error {
	subscriptionID = strings.TrimSpace(subscriptionID)
	token = strings.TrimSpace(token)
	if subscriptionID == "" || token == "" {
		return errors.New("subscription_id and purchase_token are required")
	}

	req := &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}
	if err := s.svc.Purchases.Subscriptions.Acknowledge(s.cfg.PackageName, subscriptionID, token, req).
		Context(ctx).
		Do(); err != nil {
		return fmt.Errorf("google subscriptions.acknowledge: %w", err)
	}
	return nil
}

// deriveGoogleStatus maps the raw subscription resource to one of the
// GoogleStatus constants. PaymentState: 0 pending, 1 received, 2 free
// trial, 3 deferred.
func deriveGoogleStatus(resp *androidpublisher.SubscriptionPurchase, nowMillis int64) string {
	switch {
	case int64PtrEq(resp.PaymentState, 0):
		return models.GoogleStatusPending
	case resp.ExpiryTimeMillis > nowMillis:
		if !resp.AutoRenewing {
			// Auto-renew turned off; the paid period can still be running.
			return models.GoogleStatusCanceled
		}
		return models.GoogleStatusActive
	case resp.ExpiryTimeMillis > 0:
		return models.GoogleStatusExpired
	default:
		return models.GoogleStatusUnknown
	}
}

func int64PtrEq(v *int64, want int64) bool {
	return v != nil && *v == want
}
