package reconcile

import (
	"time"

	"nutrioBack/internal/models"
)

// Verdict is the classification of one verified transaction.
type Verdict int

const (
	// VerdictFresh is an active subscription purchased just now.
	VerdictFresh Verdict = iota
	// VerdictRestored is an active subscription whose transaction predates
	// this attempt: a restoration or a renewal the device is syncing.
	VerdictRestored
	// VerdictStaleExpired is an expired transaction with an old purchase
	// date. The ledger has not caught up with the purchase that triggered
	// this attempt, so the attempt is retried after a forced resync.
	VerdictStaleExpired
	// VerdictExpiredRestoration is an expired transaction that cannot be a
	// stale read. The live subscription status decides the user-facing
	// error. Never grants.
	VerdictExpiredRestoration
)

func (v Verdict) String() string {
	switch v {
	case VerdictFresh:
		return "fresh"
	case VerdictRestored:
		return "restored"
	case VerdictStaleExpired:
		return "stale_expired"
	case VerdictExpiredRestoration:
		return "expired_restoration"
	default:
		return "unknown"
	}
}

// Classification carries the verdict plus the derived flags, which feed
// event payloads and logs.
type Classification struct {
	Verdict       Verdict
	IsActive      bool
	IsRestoration bool
	IsOldPurchase bool
}

// Classify maps a verified transaction to a verdict. Total: every flag
// combination lands on exactly one verdict. An old purchase date always
// implies a restoration, so "expired, not a restoration, not old" collapses
// into the expired-restoration arm.
func Classify(txn models.AppleTransaction, now time.Time, staleAfter time.Duration) Classification {
	old := now.Sub(txn.PurchaseTime()) > staleAfter
	restoration := txn.OriginalPurchaseTime().Before(txn.PurchaseTime()) || old
	active := now.Before(txn.ExpiresTime())

	c := Classification{IsActive: active, IsRestoration: restoration, IsOldPurchase: old}
	switch {
	case !active && old:
		c.Verdict = VerdictStaleExpired
	case active && restoration:
		c.Verdict = VerdictRestored
	case !active:
		c.Verdict = VerdictExpiredRestoration
	default:
		c.Verdict = VerdictFresh
	}
	return c
}
