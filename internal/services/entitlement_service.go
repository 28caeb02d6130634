package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"nutrioBack/internal/billing/cache"
	"nutrioBack/internal/billing/reconcile"
	"nutrioBack/internal/models"
	"nutrioBack/internal/repositories"
)

// EntitlementNotifier pushes an entitlement snapshot to connected devices.
type EntitlementNotifier interface {
	NotifyEntitlement(userID int, snapshot models.EntitlementsResponse)
}

// BackendSync mirrors entitlement changes to the nutrition backend.
type BackendSync interface {
	PushEntitlement(ctx context.Context, ent models.Entitlement) error
}

// ReceiptArchiver keeps raw signed payloads for audits and support cases.
type ReceiptArchiver interface {
	ArchiveReceipt(ctx context.Context, userID int, transactionID string, payload []byte) error
}

// EntitlementService owns the premium state: it runs purchase reconciliation,
// applies server notifications, answers entitlement reads and feeds the
// expiry sweeper.
type EntitlementService struct {
	AppStore   *AppStoreService
	GooglePlay *GooglePlayService
	Catalog    *models.ProductCatalog

	TransactionRepo *repositories.TransactionRepository
	EntitlementRepo *repositories.EntitlementRepository

	Cache  *cache.EntitlementCache
	Locks  reconcile.AttemptLocker
	Events reconcile.Events

	Notifier EntitlementNotifier
	Sync     BackendSync
	Archive  ReceiptArchiver

	Policy reconcile.Policy

	InfoLog  *log.Logger
	ErrorLog *log.Logger
}

// Validate checks the required wiring. GooglePlay, Cache, Notifier, Sync and
// Archive are optional integrations.
func (s *EntitlementService) Validate() error {
	if s.AppStore == nil {
		return fmt.Errorf("entitlement service: AppStore is required")
	}
	if s.Catalog == nil {
		return fmt.Errorf("entitlement service: Catalog is required")
	}
	if s.TransactionRepo == nil {
		return fmt.Errorf("entitlement service: TransactionRepo is required")
	}
	if s.EntitlementRepo == nil {
		return fmt.Errorf("entitlement service: EntitlementRepo is required")
	}
	if s.Locks == nil {
		return fmt.Errorf("entitlement service: Locks is required")
	}
	if s.Events == nil {
		return fmt.Errorf("entitlement service: Events is required")
	}
	if s.InfoLog == nil || s.ErrorLog == nil {
		return fmt.Errorf("entitlement service: loggers are required")
	}
	return nil
}

// Purchase reconciles one device-reported purchase attempt to a terminal
// outcome.
func (s *EntitlementService) Purchase(ctx context.Context, userID int, req models.PurchaseRequest) (models.PurchaseOutcome, error) {
	session := &ledgerSession{svc: s, userID: userID}
	engine, err := reconcile.NewEngine(reconcile.Deps{
		Ledger:   session,
		Verifier: session,
		Catalog:  s.Catalog,
		Store:    s,
		Events:   s.Events,
		Locks:    s.Locks,
		Logger:   engineLogger{info: s.InfoLog, err: s.ErrorLog},
		Policy:   s.Policy,
	})
	if err != nil {
		return models.PurchaseOutcome{}, err
	}
	return engine.Reconcile(ctx, userID, req)
}

// Grant persists a verified transaction as the user's entitlement. Journal
// and upsert failures abort the purchase; downstream notification is
// best-effort.
func (s *EntitlementService) Grant(ctx context.Context, userID int, txn models.AppleTransaction, restored bool) error {
	rec := models.TransactionRecord{
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		UserID:                userID,
		ProductID:             txn.ProductID,
		PurchaseDate:          txn.PurchaseTime(),
		ExpiresDate:           txn.ExpiresTime(),
		Environment:           txn.Environment,
		Source:                models.TransactionSourceAppStore,
		Payload:               txn.Raw,
	}
	if err := s.TransactionRepo.Save(ctx, rec); err != nil {
		return fmt.Errorf("journal transaction: %w", err)
	}

	ent := models.Entitlement{
		UserID:                userID,
		ProductID:             txn.ProductID,
		TransactionID:         txn.TransactionID,
		OriginalTransactionID: txn.OriginalTransactionID,
		PurchasedAt:           txn.PurchaseTime(),
		ExpiresAt:             txn.ExpiresTime(),
		IsSubscribed:          true,
		Source:                models.TransactionSourceAppStore,
	}
	if err := s.EntitlementRepo.Upsert(ctx, ent); err != nil {
		return fmt.Errorf("upsert entitlement: %w", err)
	}

	s.cacheSet(ctx, userID, true)
	s.afterGrant(userID, ent, txn.Raw)
	return nil
}

// Entitlements returns the user's premium snapshot. Free users are answered
// from the cache when possible.
func (s *EntitlementService) Entitlements(ctx context.Context, userID int) (models.EntitlementsResponse, error) {
	if s.Cache != nil {
		if subscribed, err := s.Cache.Get(ctx, userID); err == nil && !subscribed {
			return models.EntitlementsResponse{}, nil
		}
		// Subscribed or miss: the row has the expiry the client needs.
	}

	ent, err := s.EntitlementRepo.ByUserID(ctx, userID)
	if errors.Is(err, models.ErrNoRecord) {
		s.cacheSet(ctx, userID, false)
		return models.EntitlementsResponse{}, nil
	}
	if err != nil {
		return models.EntitlementsResponse{}, err
	}
	if !ent.ActiveAt(time.Now()) {
		s.cacheSet(ctx, userID, false)
		return models.EntitlementsResponse{}, nil
	}
	s.cacheSet(ctx, userID, true)
	return s.snapshot(ent), nil
}

// LiveStatus asks the store for the chain's current renewal state. Play
// Store rows fall back to what the entitlement row says.
func (s *EntitlementService) LiveStatus(ctx context.Context, userID int) (models.SubscriptionStatus, error) {
	ent, err := s.EntitlementRepo.ByUserID(ctx, userID)
	if errors.Is(err, models.ErrNoRecord) {
		// No entitlement row, but the journal may still know the chain.
		rec, jerr := s.TransactionRepo.LatestForUser(ctx, userID)
		if errors.Is(jerr, models.ErrNoRecord) {
			return models.SubscriptionStatus{}, models.ErrNoRecord
		}
		if jerr != nil {
			return models.SubscriptionStatus{}, jerr
		}
		if rec.Source == models.TransactionSourceAppStore && rec.OriginalTransactionID != "" {
			return s.AppStore.SubscriptionStatus(ctx, rec.OriginalTransactionID)
		}
		return models.SubscriptionStatus{State: models.SubscriptionStateExpired, OriginalTransactionID: rec.OriginalTransactionID}, nil
	}
	if err != nil {
		return models.SubscriptionStatus{}, err
	}
	if ent.Source != models.TransactionSourceAppStore || ent.OriginalTransactionID == "" {
		state := models.SubscriptionStateExpired
		if ent.ActiveAt(time.Now()) {
			state = models.SubscriptionStateActive
		}
		return models.SubscriptionStatus{State: state, OriginalTransactionID: ent.OriginalTransactionID}, nil
	}
	return s.AppStore.SubscriptionStatus(ctx, ent.OriginalTransactionID)
}

// Apple notification types that grant or extend an entitlement. DID_RECOVER
// covers billing-retry recoveries, REFUND_REVERSED restores a refunded chain.
var appleGrantTypes = map[string]bool{
	"SUBSCRIBED":      true,
	"DID_RENEW":       true,
	"DID_RECOVER":     true,
	"OFFER_REDEEMED":  true,
	"REFUND_REVERSED": true,
}

// Types that end one. GRACE_PERIOD_EXPIRED arrives when billing retry gave up.
var appleRevokeTypes = map[string]bool{
	"EXPIRED":              true,
	"REFUND":               true,
	"REVOKE":               true,
	"GRACE_PERIOD_EXPIRED": true,
}

// ApplyAppleNotification applies one App Store Server Notification. Unknown
// types and chains with no known owner are ignored; Apple retries delivery
// on errors, so only transient failures should surface as errors.
func (s *EntitlementService) ApplyAppleNotification(ctx context.Context, notif models.AppleNotification) error {
	grant := appleGrantTypes[notif.NotificationType]
	revoke := appleRevokeTypes[notif.NotificationType]
	if !grant && !revoke {
		s.InfoLog.Printf("iap: notification %s/%s ignored", notif.NotificationType, notif.Subtype)
		return nil
	}
	if notif.Data.SignedTransactionInfo == "" {
		s.InfoLog.Printf("iap: notification %s has no transaction info, ignored", notif.NotificationType)
		return nil
	}

	txn, err := s.AppStore.VerifyTransaction(ctx, notif.Data.SignedTransactionInfo)
	if err != nil {
		return err
	}

	if revoke {
		return s.revokeChain(ctx, txn.OriginalTransactionID, notif.NotificationType)
	}

	userID, err := s.ownerOfChain(ctx, txn.OriginalTransactionID)
	if errors.Is(err, models.ErrNoRecord) {
		s.InfoLog.Printf("iap: notification %s for unknown chain %s, ignored", notif.NotificationType, txn.OriginalTransactionID)
		return nil
	}
	if err != nil {
		return err
	}

	processed, err := s.TransactionRepo.IsProcessed(ctx, txn.TransactionID)
	if err != nil {
		return err
	}
	if processed {
		s.InfoLog.Printf("iap: notification txn=%s already journaled, skipping", txn.TransactionID)
		return nil
	}

	if err := s.Grant(ctx, userID, txn, false); err != nil {
		return err
	}
	props := models.TransactionProperties(txn)
	props["notification_type"] = notif.NotificationType
	s.Events.Emit(ctx, models.AnalyticsEvent{
		Name:       models.EventTransaction,
		DistinctID: strconv.Itoa(userID),
		Properties: props,
	})
	s.InfoLog.Printf("iap: notification %s applied user=%d txn=%s", notif.NotificationType, userID, txn.TransactionID)
	return nil
}

// ApplyGooglePurchase verifies a Play Store purchase token and grants the
// entitlement when the subscription is paid up.
func (s *EntitlementService) ApplyGooglePurchase(ctx context.Context, userID int, subscriptionID, purchaseToken string) (models.EntitlementsResponse, error) {
	if s.GooglePlay == nil {
		return models.EntitlementsResponse{}, fmt.Errorf("google play verification is not configured")
	}
	if _, err := s.Catalog.Product(subscriptionID); err != nil {
		return models.EntitlementsResponse{}, err
	}

	p, err := s.GooglePlay.VerifySubscription(ctx, subscriptionID, purchaseToken)
	if err != nil {
		return models.EntitlementsResponse{}, err
	}

	switch p.Status {
	case models.GoogleStatusPending:
		return models.EntitlementsResponse{}, fmt.Errorf("%w: play store payment pending", models.ErrPaymentPending)
	case models.GoogleStatusExpired:
		return models.EntitlementsResponse{}, fmt.Errorf("%w: product %s", models.ErrSubscriptionExpired, subscriptionID)
	case models.GoogleStatusActive, models.GoogleStatusCanceled:
		// Canceled still carries the paid period to its end.
	default:
		return models.EntitlementsResponse{}, fmt.Errorf("%w: unrecognized play store state", models.ErrVerificationFailed)
	}

	transactionID := p.OrderID
	if transactionID == "" {
		transactionID = purchaseToken
	}
	rec := models.TransactionRecord{
		TransactionID:         transactionID,
		OriginalTransactionID: purchaseToken,
		UserID:                userID,
		ProductID:             subscriptionID,
		PurchaseDate:          time.UnixMilli(p.StartTimeMillis).UTC(),
		ExpiresDate:           time.UnixMilli(p.ExpiryTimeMillis).UTC(),
		Source:                models.TransactionSourcePlayStore,
		Payload:               p.Raw,
	}
	if err := s.TransactionRepo.Save(ctx, rec); err != nil {
		return models.EntitlementsResponse{}, fmt.Errorf("journal transaction: %w", err)
	}

	ent := models.Entitlement{
		UserID:                userID,
		ProductID:             subscriptionID,
		TransactionID:         transactionID,
		OriginalTransactionID: purchaseToken,
		PurchasedAt:           rec.PurchaseDate,
		ExpiresAt:             rec.ExpiresDate,
		IsSubscribed:          true,
		Source:                models.TransactionSourcePlayStore,
	}
	if err := s.EntitlementRepo.Upsert(ctx, ent); err != nil {
		return models.EntitlementsResponse{}, fmt.Errorf("upsert entitlement: %w", err)
	}

	if !p.Acknowledged {
		if err := s.GooglePlay.AcknowledgeSubscription(ctx, subscriptionID, purchaseToken); err != nil {
			s.ErrorLog.Printf("iap: acknowledge user=%d product=%s: %v", userID, subscriptionID, err)
		}
	}

	s.cacheSet(ctx, userID, true)
	s.afterGrant(userID, ent, "")
	s.Events.Emit(ctx, models.AnalyticsEvent{
		Name:       models.EventTransaction,
		DistinctID: strconv.Itoa(userID),
		Properties: map[string]string{
			"product_id":     subscriptionID,
			"transaction_id": transactionID,
			"platform":       "play_store",
		},
	})
	return s.snapshot(ent), nil
}

// SweepExpired re-checks subscribed rows whose paid period has ended. Apple
// chains get a live status lookup first; a silent renewal extends the row
// instead of clearing it.
func (s *EntitlementService) SweepExpired(ctx context.Context, batch int) (renewed, revoked int, err error) {
	rows, err := s.EntitlementRepo.ExpiredBefore(ctx, time.Now(), batch)
	if err != nil {
		return 0, 0, err
	}
	for _, ent := range rows {
		if ent.Source == models.TransactionSourceAppStore && ent.OriginalTransactionID != "" {
			status, err := s.AppStore.SubscriptionStatus(ctx, ent.OriginalTransactionID)
			if err != nil {
				s.ErrorLog.Printf("iap: sweep status user=%d chain=%s: %v", ent.UserID, ent.OriginalTransactionID, err)
				continue
			}
			if status.PaymentPending() {
				// Billing retry or grace: the user keeps access for now.
				continue
			}
			if status.Active() && status.Transaction != nil {
				if err := s.Grant(ctx, ent.UserID, *status.Transaction, false); err != nil {
					s.ErrorLog.Printf("iap: sweep renew user=%d: %v", ent.UserID, err)
					continue
				}
				renewed++
				continue
			}
		}
		if err := s.revokeRow(ctx, ent, "sweeper"); err != nil {
			s.ErrorLog.Printf("iap: sweep revoke user=%d: %v", ent.UserID, err)
			continue
		}
		revoked++
	}
	return renewed, revoked, nil
}

func (s *EntitlementService) revokeChain(ctx context.Context, originalTransactionID, reason string) error {
	userID, err := s.EntitlementRepo.Revoke(ctx, originalTransactionID)
	if errors.Is(err, models.ErrNoRecord) {
		s.InfoLog.Printf("iap: revoke for unknown chain %s, ignored", originalTransactionID)
		return nil
	}
	if err != nil {
		return err
	}
	s.finishRevoke(ctx, userID, reason)
	return nil
}

func (s *EntitlementService) revokeRow(ctx context.Context, ent models.Entitlement, reason string) error {
	ent.IsSubscribed = false
	if err := s.EntitlementRepo.Upsert(ctx, ent); err != nil {
		return err
	}
	s.finishRevoke(ctx, ent.UserID, reason)
	return nil
}

func (s *EntitlementService) finishRevoke(ctx context.Context, userID int, reason string) {
	s.cacheSet(ctx, userID, false)
	if s.Notifier != nil {
		s.Notifier.NotifyEntitlement(userID, models.EntitlementsResponse{})
	}
	s.Events.Emit(ctx, models.AnalyticsEvent{
		Name:       models.EventEntitlementRevoked,
		DistinctID: strconv.Itoa(userID),
		Properties: map[string]string{"reason": reason},
	})
	s.InfoLog.Printf("iap: entitlement revoked user=%d reason=%s", userID, reason)
}

func (s *EntitlementService) ownerOfChain(ctx context.Context, originalTransactionID string) (int, error) {
	userID, err := s.TransactionRepo.OwnerOfChain(ctx, originalTransactionID)
	if err == nil {
		return userID, nil
	}
	if !errors.Is(err, models.ErrNoRecord) {
		return 0, err
	}
	ent, err := s.EntitlementRepo.ByChain(ctx, originalTransactionID)
	if err != nil {
		return 0, err
	}
	return ent.UserID, nil
}

func (s *EntitlementService) snapshot(ent models.Entitlement) models.EntitlementsResponse {
	resp := models.EntitlementsResponse{
		IsSubscribed: ent.IsSubscribed,
		ProductID:    ent.ProductID,
	}
	if product, err := s.Catalog.Product(ent.ProductID); err == nil {
		resp.Tier = product.Tier
	}
	if !ent.ExpiresAt.IsZero() && ent.ExpiresAt.UnixMilli() > 0 {
		expires := ent.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return resp
}

func (s *EntitlementService) cacheSet(ctx context.Context, userID int, subscribed bool) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Set(ctx, userID, subscribed); err != nil {
		s.ErrorLog.Printf("iap: cache set user=%d: %v", userID, err)
	}
}

// afterGrant runs the best-effort integrations off the request path.
func (s *EntitlementService) afterGrant(userID int, ent models.Entitlement, rawPayload string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.Notifier != nil {
			s.Notifier.NotifyEntitlement(userID, s.snapshot(ent))
		}
		if s.Sync != nil {
			if err := s.Sync.PushEntitlement(ctx, ent); err != nil {
				s.ErrorLog.Printf("iap: backend sync user=%d: %v", userID, err)
			}
		}
		if s.Archive != nil && rawPayload != "" {
			if err := s.Archive.ArchiveReceipt(ctx, userID, ent.TransactionID, []byte(rawPayload)); err != nil {
				s.ErrorLog.Printf("iap: receipt archive user=%d txn=%s: %v", userID, ent.TransactionID, err)
			}
		}
	}()
}

// ledgerSession scopes the App Store ledger to one user's reconciliation.
// The engine drives one attempt at a time, so no locking is needed.
type ledgerSession struct {
	svc     *EntitlementService
	userID  int
	chainID string
}

func (l *ledgerSession) VerifyTransaction(ctx context.Context, signed string) (models.AppleTransaction, error) {
	txn, err := l.svc.AppStore.VerifyTransaction(ctx, signed)
	if err == nil && txn.OriginalTransactionID != "" {
		// Remember the chain so retries can re-fetch without a repo lookup.
		l.chainID = txn.OriginalTransactionID
	}
	return txn, err
}

func (l *ledgerSession) Resync(ctx context.Context) error {
	if l.chainID != "" {
		l.svc.AppStore.InvalidateChain(l.chainID)
	}
	return nil
}

func (l *ledgerSession) Purchase(ctx context.Context, productID string) (string, error) {
	if l.chainID == "" {
		chainID, err := l.svc.TransactionRepo.LatestChainID(ctx, l.userID, productID)
		if errors.Is(err, models.ErrNoRecord) {
			return "", fmt.Errorf("%w: no transaction on record for %s; the device must attach its signed transaction", models.ErrVerificationFailed, productID)
		}
		if err != nil {
			return "", err
		}
		l.chainID = chainID
	}
	return l.svc.AppStore.LatestSignedTransaction(ctx, l.chainID, productID)
}

func (l *ledgerSession) Status(ctx context.Context, originalTransactionID string) (models.SubscriptionStatus, error) {
	return l.svc.AppStore.SubscriptionStatus(ctx, originalTransactionID)
}

type engineLogger struct {
	info *log.Logger
	err  *log.Logger
}

func (l engineLogger) Infof(format string, args ...interface{})  { l.info.Printf(format, args...) }
func (l engineLogger) Errorf(format string, args ...interface{}) { l.err.Printf(format, args...) }
