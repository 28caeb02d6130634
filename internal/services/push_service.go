package services

import (
	"context"
	"log"
	"strconv"
	"time"

	"firebase.google.com/go/messaging"

	"nutrioBack/internal/models"
	"nutrioBack/internal/repositories"
)

// PushService delivers silent entitlement pushes over FCM so backgrounded
// apps refresh their premium state.
type PushService struct {
	Client   *messaging.Client
	Users    *repositories.UserRepository
	InfoLog  *log.Logger
	ErrorLog *log.Logger
}

func (s *PushService) NotifyEntitlement(userID int, snapshot models.EntitlementsResponse) {
	if s.Client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tokens, err := s.Users.DeviceTokensForUser(ctx, userID)
	if err != nil {
		s.ErrorLog.Printf("push: fetch tokens user=%d: %v", userID, err)
		return
	}
	if len(tokens) == 0 {
		return
	}

	data := map[string]string{
		"type":          "entitlement_update",
		"is_subscribed": strconv.FormatBool(snapshot.IsSubscribed),
	}
	if snapshot.ProductID != "" {
		data["product_id"] = snapshot.ProductID
	}
	if snapshot.ExpiresAt != nil {
		data["expires_at_ms"] = strconv.FormatInt(snapshot.ExpiresAt.UnixMilli(), 10)
	}

	for _, token := range tokens {
		message := &messaging.Message{
			Token: token,
			Data:  data,
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
			APNS: &messaging.APNSConfig{
				Headers: map[string]string{
					"apns-priority":  "5",
					"apns-push-type": "background",
				},
				Payload: &messaging.APNSPayload{
					Aps: &messaging.Aps{
						ContentAvailable: true,
					},
				},
			},
		}
		if _, err := s.Client.Send(ctx, message); err != nil {
			if messaging.IsRegistrationTokenNotRegistered(err) {
				if err := s.Users.DeleteDeviceToken(ctx, token); err != nil {
					s.ErrorLog.Printf("push: drop stale token: %v", err)
				}
				continue
			}
			s.ErrorLog.Printf("push: send user=%d: %v", userID, err)
		}
	}
	s.InfoLog.Printf("push: entitlement update user=%d tokens=%d subscribed=%t", userID, len(tokens), snapshot.IsSubscribed)
}
