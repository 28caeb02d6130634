package models

// Terminal state of the StoreKit flow as the device reports it. Anything but
// "finished" short-circuits reconciliation: those states are relayed
// verbatim and never touch the entitlement.
const (
	DeviceStateFinished  = "finished"
	DeviceStatePending   = "pending"
	DeviceStateCancelled = "cancelled"
	DeviceStateUnknown   = "unknown"
)

func ValidDeviceState(s string) bool {
	switch s {
	case DeviceStateFinished, DeviceStatePending, DeviceStateCancelled, DeviceStateUnknown:
		return true
	}
	return false
}

// PurchaseRequest is one reconciliation attempt from the app. The signed
// transaction is optional; when absent the ledger is asked for the latest
// transaction of the product chain.
type PurchaseRequest struct {
	ProductID         string `json:"product_id"`
	State             string `json:"state"`
	SignedTransaction string `json:"signed_transaction,omitempty"`
}

const (
	OutcomeGranted   = "granted"
	OutcomePending   = "pending"
	OutcomeCancelled = "cancelled"
	OutcomeUnknown   = "unknown"
)

// PurchaseOutcome is the terminal result of a reconciliation attempt.
type PurchaseOutcome struct {
	State        string            `json:"state"`
	Restored     bool              `json:"restored,omitempty"`
	RetryAttempt int               `json:"retry_attempt,omitempty"`
	Transaction  *AppleTransaction `json:"transaction,omitempty"`
}
