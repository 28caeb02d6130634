package models

import "time"

// Entitlement is the durable premium state, one row per user. The Redis flag
// in billing/cache mirrors IsSubscribed with a short TTL; this row is the
// authority.
type Entitlement struct {
	UserID                int       `json:"user_id"`
	ProductID             string    `json:"product_id"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	PurchasedAt           time.Time `json:"purchased_at"`
	ExpiresAt             time.Time `json:"expires_at"`
	IsSubscribed          bool      `json:"is_subscribed"`
	Source                string    `json:"source"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (e Entitlement) ActiveAt(now time.Time) bool {
	return e.IsSubscribed && now.Before(e.ExpiresAt)
}

// EntitlementsResponse is the UI-facing snapshot returned by the read API
// and pushed over the entitlement stream.
type EntitlementsResponse struct {
	IsSubscribed bool       `json:"is_subscribed"`
	ProductID    string     `json:"product_id,omitempty"`
	Tier         string     `json:"tier,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}
