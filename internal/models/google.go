package models

const (
	GoogleStatusActive   = "ACTIVE"
	GoogleStatusExpired  = "EXPIRED"
	GoogleStatusPending  = "PENDING"
	GoogleStatusCanceled = "CANCELED"
	GoogleStatusUnknown  = "UNKNOWN"
)

// GooglePurchase is the normalized view of a Play Store subscription
// purchase after verification against the Android Publisher API.
type GooglePurchase struct {
	ProductID     string
	PurchaseToken string
	OrderID       string
	PackageName   string

	ExpiryTimeMillis int64
	StartTimeMillis  int64
	PaymentState     *int64
	CancelReason     int64
	AutoRenewing     bool
	Acknowledged     bool

	// Derived from the fields above; one of the GoogleStatus constants.
	Status string

	Raw string
}
