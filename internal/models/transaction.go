package models

import "time"

const (
	TransactionSourceAppStore  = "app_store"
	TransactionSourcePlayStore = "play_store"
)

// TransactionRecord is the processed-transaction journal row. It backs
// idempotency checks and original-transaction-id lookups when server
// notifications arrive without a user context.
type TransactionRecord struct {
	ID                    int64     `json:"id"`
	TransactionID         string    `json:"transaction_id"`
	OriginalTransactionID string    `json:"original_transaction_id"`
	UserID                int       `json:"user_id"`
	ProductID             string    `json:"product_id"`
	PurchaseDate          time.Time `json:"purchase_date"`
	ExpiresDate           time.Time `json:"expires_date"`
	Environment           string    `json:"environment"`
	Source                string    `json:"source"`
	Payload               string    `json:"-"`
	ProcessedAt           time.Time `json:"processed_at"`
}
