package models

import "time"

// AppleTransaction contains decoded transaction fields from Apple's JWS
// payload (JWSTransactionDecodedPayload). Date fields are unix milliseconds
// as Apple sends them.
type AppleTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId,omitempty"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	SignedDate            int64  `json:"signedDate"`
	Quantity              int    `json:"quantity,omitempty"`
	Type                  string `json:"type,omitempty"`
	InAppOwnershipType    string `json:"inAppOwnershipType,omitempty"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	RevocationDate        int64  `json:"revocationDate,omitempty"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
	Environment           string `json:"environment"`
	Raw                   string `json:"-"`
}

func (t AppleTransaction) PurchaseTime() time.Time {
	return time.UnixMilli(t.PurchaseDate).UTC()
}

func (t AppleTransaction) OriginalPurchaseTime() time.Time {
	return time.UnixMilli(t.OriginalPurchaseDate).UTC()
}

func (t AppleTransaction) ExpiresTime() time.Time {
	return time.UnixMilli(t.ExpiresDate).UTC()
}

func (t AppleTransaction) Revoked() bool {
	return t.RevocationDate > 0 || t.RevocationReason != nil
}

// AppleRenewalInfo contains decoded renewal fields from Apple's
// signedRenewalInfo JWS payload.
type AppleRenewalInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewProductID    string `json:"autoRenewProductId,omitempty"`
	AutoRenewStatus       int    `json:"autoRenewStatus"`
	ExpirationIntent      int    `json:"expirationIntent,omitempty"`
	IsInBillingRetry      bool   `json:"isInBillingRetryPeriod,omitempty"`
	GracePeriodExpiresAt  int64  `json:"gracePeriodExpiresDate,omitempty"`
	Environment           string `json:"environment"`
	SignedDate            int64  `json:"signedDate"`
	Raw                   string `json:"-"`
}

// AppleNotification wraps the App Store Server Notification V2 payload after
// signature verification.
type AppleNotification struct {
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID,omitempty"`
	Data             struct {
		AppAppleID            int64  `json:"appAppleId,omitempty"`
		BundleID              string `json:"bundleId,omitempty"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
		SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
		Status                int    `json:"status,omitempty"`
	} `json:"data"`
	Version    string `json:"version"`
	SignedDate int64  `json:"signedDate"`
	Raw        string `json:"-"`
}
