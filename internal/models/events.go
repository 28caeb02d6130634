package models

import "strconv"

// Analytics event names emitted by the reconciliation flow.
const (
	EventTransaction                = "transaction"
	EventExpiredTransactionReturned = "expired_transaction_returned"
	EventSubscriptionRestored       = "subscription_restored"
	EventPurchaseRetrySuccess       = "purchase_retry_success"
	EventEntitlementRevoked         = "entitlement_revoked"
)

// AnalyticsEvent is a flat string-keyed payload. Emission is fire-and-forget
// and never feeds back into purchase control flow.
type AnalyticsEvent struct {
	Name       string
	DistinctID string
	Properties map[string]string
}

// TransactionProperties flattens a verified transaction into the common
// event payload shape.
func TransactionProperties(t AppleTransaction) map[string]string {
	return map[string]string{
		"product_id":              t.ProductID,
		"transaction_id":          t.TransactionID,
		"original_transaction_id": t.OriginalTransactionID,
		"purchase_date_ms":        strconv.FormatInt(t.PurchaseDate, 10),
		"expires_date_ms":         strconv.FormatInt(t.ExpiresDate, 10),
		"environment":             t.Environment,
	}
}
