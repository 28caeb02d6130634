package models

import (
	"errors"
)

var (
	ErrNoRecord           = errors.New("models: no matching record found")
	ErrInvalidCredentials = errors.New("models: invalid credentials")
	ErrDuplicateEmail     = errors.New("models: duplicate email")
	ErrUserNotFound       = errors.New("models: user not found")
	ErrSessionNotFound    = errors.New("models: session not found")
	ErrResetCodeInvalid   = errors.New("models: reset code invalid or expired")
)

// Purchase reconciliation errors. Handlers translate these into stable error
// tags; everything else in the flow wraps them with %w so errors.Is keeps
// working at the HTTP boundary.
var (
	ErrProductNotFound            = errors.New("iap: product not found")
	ErrVerificationFailed         = errors.New("iap: transaction verification failed")
	ErrPurchaseUnableExpiredPrior = errors.New("iap: ledger kept returning the expired prior transaction")
	ErrPaymentPending             = errors.New("iap: payment pending")
	ErrSubscriptionExpired        = errors.New("iap: subscription expired")
	ErrAttemptInProgress          = errors.New("iap: purchase attempt already in progress")
)
