package reconcile

import (
	"testing"
	"time"

	"nutrioBack/internal/models"
)

func txnAt(purchase, original, expires time.Time) models.AppleTransaction {
	return models.AppleTransaction{
		TransactionID:         "2000000123",
		OriginalTransactionID: "2000000100",
		ProductID:             "nutrio.premium.monthly",
		BundleID:              "com.nutrio.app",
		PurchaseDate:          purchase.UnixMilli(),
		OriginalPurchaseDate:  original.UnixMilli(),
		ExpiresDate:           expires.UnixMilli(),
		Environment:           "Production",
	}
}

func TestClassifyTable(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	staleAfter := 60 * time.Second

	cases := []struct {
		name     string
		purchase time.Time
		original time.Time
		expires  time.Time
		want     Verdict
	}{
		{
			name:     "fresh purchase",
			purchase: now.Add(-5 * time.Second),
			original: now.Add(-5 * time.Second),
			expires:  now.Add(30 * 24 * time.Hour),
			want:     VerdictFresh,
		},
		{
			name:     "active restoration by original date",
			purchase: now.Add(-10 * time.Second),
			original: now.Add(-90 * 24 * time.Hour),
			expires:  now.Add(20 * 24 * time.Hour),
			want:     VerdictRestored,
		},
		{
			name:     "active restoration by old purchase date",
			purchase: now.Add(-15 * 24 * time.Hour),
			original: now.Add(-15 * 24 * time.Hour),
			expires:  now.Add(15 * 24 * time.Hour),
			want:     VerdictRestored,
		},
		{
			name:     "stale expired prior transaction",
			purchase: now.Add(-60 * 24 * time.Hour),
			original: now.Add(-60 * 24 * time.Hour),
			expires:  now.Add(-30 * 24 * time.Hour),
			want:     VerdictStaleExpired,
		},
		{
			name:     "expired restoration with recent purchase date",
			purchase: now.Add(-30 * time.Second),
			original: now.Add(-90 * 24 * time.Hour),
			expires:  now.Add(-1 * time.Hour),
			want:     VerdictExpiredRestoration,
		},
		{
			name:     "expired not old not restoration",
			purchase: now.Add(-30 * time.Second),
			original: now.Add(-30 * time.Second),
			expires:  now.Add(-1 * time.Second),
			want:     VerdictExpiredRestoration,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(txnAt(tc.purchase, tc.original, tc.expires), now, staleAfter)
			if got.Verdict != tc.want {
				t.Fatalf("expected %s, got %s (active=%t restoration=%t old=%t)",
					tc.want, got.Verdict, got.IsActive, got.IsRestoration, got.IsOldPurchase)
			}
		})
	}
}

// Every combination of the three derived flags must land on exactly one
// verdict: the classifier can never fall through.
func TestClassifyTotality(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	staleAfter := 60 * time.Second

	purchaseDates := []time.Time{now.Add(-time.Second), now.Add(-time.Hour)}
	originalOffsets := []time.Duration{0, -48 * time.Hour}
	expiryDates := []time.Time{now.Add(24 * time.Hour), now.Add(-24 * time.Hour)}

	seen := 0
	for _, purchase := range purchaseDates {
		for _, off := range originalOffsets {
			for _, expires := range expiryDates {
				c := Classify(txnAt(purchase, purchase.Add(off), expires), now, staleAfter)
				switch c.Verdict {
				case VerdictFresh, VerdictRestored, VerdictStaleExpired, VerdictExpiredRestoration:
					seen++
				default:
					t.Fatalf("unclassified combination purchase=%v originalOffset=%v expires=%v",
						purchase, off, expires)
				}
			}
		}
	}
	if seen != len(purchaseDates)*len(originalOffsets)*len(expiryDates) {
		t.Fatalf("expected every combination classified, got %d", seen)
	}
}

func TestClassifyStalenessBoundary(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	staleAfter := 60 * time.Second
	expires := now.Add(-time.Hour)

	// Exactly at the threshold is not old yet.
	atThreshold := Classify(txnAt(now.Add(-60*time.Second), now.Add(-60*time.Second), expires), now, staleAfter)
	if atThreshold.IsOldPurchase {
		t.Fatal("purchase exactly at threshold must not count as old")
	}
	if atThreshold.Verdict != VerdictExpiredRestoration {
		t.Fatalf("expected expired_restoration at threshold, got %s", atThreshold.Verdict)
	}

	pastThreshold := Classify(txnAt(now.Add(-61*time.Second), now.Add(-61*time.Second), expires), now, staleAfter)
	if !pastThreshold.IsOldPurchase {
		t.Fatal("purchase past threshold must count as old")
	}
	if pastThreshold.Verdict != VerdictStaleExpired {
		t.Fatalf("expected stale_expired past threshold, got %s", pastThreshold.Verdict)
	}
}

func TestClassifyExpiryBoundary(t *testing.T) {
	now := time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)
	staleAfter := 60 * time.Second

	// expiresDate == now counts as expired: isActive is now < expiresDate.
	c := Classify(txnAt(now.Add(-5*time.Second), now.Add(-5*time.Second), now), now, staleAfter)
	if c.IsActive {
		t.Fatal("transaction expiring exactly now must not be active")
	}

	c = Classify(txnAt(now.Add(-5*time.Second), now.Add(-5*time.Second), now.Add(time.Millisecond)), now, staleAfter)
	if !c.IsActive {
		t.Fatal("transaction expiring a moment later must be active")
	}
	if c.Verdict != VerdictFresh {
		t.Fatalf("expected fresh, got %s", c.Verdict)
	}
}
