package models

// Subscription renewal states as reported by the App Store Server API
// statuses endpoint.
const (
	SubscriptionStateActive       = 1
	SubscriptionStateExpired      = 2
	SubscriptionStateBillingRetry = 3
	SubscriptionStateGracePeriod  = 4
	SubscriptionStateRevoked      = 5
)

func SubscriptionStateLabel(state int) string {
	switch state {
	case SubscriptionStateActive:
		return "active"
	case SubscriptionStateExpired:
		return "expired"
	case SubscriptionStateBillingRetry:
		return "billing_retry"
	case SubscriptionStateGracePeriod:
		return "grace_period"
	case SubscriptionStateRevoked:
		return "revoked"
	}
	return "unknown"
}

// SubscriptionStatus is the live renewal state of one subscription chain.
type SubscriptionStatus struct {
	State                 int               `json:"state"`
	OriginalTransactionID string            `json:"original_transaction_id"`
	Transaction           *AppleTransaction `json:"transaction,omitempty"`
	RenewalInfo           *AppleRenewalInfo `json:"renewal_info,omitempty"`
}

func (s SubscriptionStatus) Active() bool {
	return s.State == SubscriptionStateActive
}

// PaymentPending reports the states where Apple is still collecting payment
// and the user keeps access: billing retry and grace period.
func (s SubscriptionStatus) PaymentPending() bool {
	if s.State == SubscriptionStateBillingRetry || s.State == SubscriptionStateGracePeriod {
		return true
	}
	return s.RenewalInfo != nil && s.RenewalInfo.IsInBillingRetry
}
