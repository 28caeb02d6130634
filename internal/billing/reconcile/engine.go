package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"nutrioBack/internal/billing/fsm"
	"nutrioBack/internal/models"
)

// Ledger is the entitlement source of record for one store platform.
type Ledger interface {
	// Resync forces a refresh of the ledger's view of the transaction
	// history before the next read.
	Resync(ctx context.Context) error
	// Purchase returns the signed transaction the store currently considers
	// latest for the product's subscription chain. Right after a renewal
	// this can still be the expired prior transaction; the engine retries
	// around that.
	Purchase(ctx context.Context, productID string) (string, error)
	// Status returns the live renewal state for a subscription chain.
	Status(ctx context.Context, originalTransactionID string) (models.SubscriptionStatus, error)
}

// Verifier validates a signed transaction payload and decodes its claims.
type Verifier interface {
	VerifyTransaction(ctx context.Context, signed string) (models.AppleTransaction, error)
}

// Catalog resolves product IDs to configured metadata.
type Catalog interface {
	Product(id string) (models.Product, error)
}

// EntitlementStore persists a granted entitlement. Implementations own cache
// invalidation and downstream notification.
type EntitlementStore interface {
	Grant(ctx context.Context, userID int, txn models.AppleTransaction, restored bool) error
}

// Events receives analytics events. Implementations must not block; emission
// never influences control flow.
type Events interface {
	Emit(ctx context.Context, event models.AnalyticsEvent)
}

// AttemptLocker serializes reconciliation per user.
type AttemptLocker interface {
	Acquire(ctx context.Context, userID int, ttl time.Duration) error
	Release(ctx context.Context, userID int) error
}

type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Deps wires the engine. All fields except Now are required.
type Deps struct {
	Ledger   Ledger
	Verifier Verifier
	Catalog  Catalog
	Store    EntitlementStore
	Events   Events
	Locks    AttemptLocker
	Logger   Logger
	Policy   Policy
	Now      func() time.Time
}

func (d Deps) Validate() error {
	if d.Ledger == nil {
		return fmt.Errorf("reconcile: Ledger is required")
	}
	if d.Verifier == nil {
		return fmt.Errorf("reconcile: Verifier is required")
	}
	if d.Catalog == nil {
		return fmt.Errorf("reconcile: Catalog is required")
	}
	if d.Store == nil {
		return fmt.Errorf("reconcile: Store is required")
	}
	if d.Events == nil {
		return fmt.Errorf("reconcile: Events is required")
	}
	if d.Locks == nil {
		return fmt.Errorf("reconcile: Locks is required")
	}
	if d.Logger == nil {
		return fmt.Errorf("reconcile: Logger is required")
	}
	return nil
}

// Engine reconciles purchase attempts against the store ledger. It is
// stateless between calls; per-user serialization comes from the lock.
type Engine struct {
	ledger   Ledger
	verifier Verifier
	catalog  Catalog
	store    EntitlementStore
	events   Events
	locks    AttemptLocker
	logger   Logger
	policy   Policy
	now      func() time.Time
}

func NewEngine(d Deps) (*Engine, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ledger:   d.Ledger,
		verifier: d.Verifier,
		catalog:  d.Catalog,
		store:    d.Store,
		events:   d.Events,
		locks:    d.Locks,
		logger:   d.Logger,
		policy:   d.Policy.Normalize(),
		now:      now,
	}, nil
}

// Reconcile runs one purchase attempt to a terminal outcome. Device-reported
// non-finished states are relayed verbatim without touching the ledger or
// the entitlement.
func (e *Engine) Reconcile(ctx context.Context, userID int, req models.PurchaseRequest) (models.PurchaseOutcome, error) {
	if strings.TrimSpace(req.ProductID) == "" {
		return models.PurchaseOutcome{}, fmt.Errorf("product_id is required")
	}
	state := req.State
	if state == "" {
		state = models.DeviceStateFinished
	}
	if !models.ValidDeviceState(state) {
		return models.PurchaseOutcome{}, fmt.Errorf("unsupported device state %q", req.State)
	}

	switch state {
	case models.DeviceStateCancelled:
		return models.PurchaseOutcome{State: models.OutcomeCancelled}, nil
	case models.DeviceStatePending:
		return models.PurchaseOutcome{State: models.OutcomePending}, nil
	case models.DeviceStateUnknown:
		return models.PurchaseOutcome{State: models.OutcomeUnknown}, nil
	}

	if err := e.locks.Acquire(ctx, userID, e.policy.AttemptLockTTL); err != nil {
		return models.PurchaseOutcome{}, err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.locks.Release(rctx, userID); err != nil {
			e.logger.Errorf("iap: release attempt lock user=%d: %v", userID, err)
		}
	}()

	m := fsm.NewMachine()
	for attempt := 0; attempt <= e.policy.MaxRetries; attempt++ {
		out, retry, err := e.runAttempt(ctx, m, userID, req, attempt)
		if err != nil {
			return models.PurchaseOutcome{}, err
		}
		if !retry {
			return out, nil
		}
		if attempt < e.policy.MaxRetries {
			if err := sleep(ctx, e.policy.RetryDelay); err != nil {
				return models.PurchaseOutcome{}, err
			}
		}
	}

	e.logger.Errorf("iap: user=%d product=%s retries exhausted, ledger kept returning the expired prior transaction", userID, req.ProductID)
	return models.PurchaseOutcome{}, fmt.Errorf("%w: product %s", models.ErrPurchaseUnableExpiredPrior, req.ProductID)
}

func (e *Engine) runAttempt(ctx context.Context, m *fsm.Machine, userID int, req models.PurchaseRequest, attempt int) (models.PurchaseOutcome, bool, error) {
	var zero models.PurchaseOutcome

	if err := m.Step(fsm.StatusPurchasing); err != nil {
		return zero, false, err
	}

	// The first attempt always starts from a freshly synced ledger. The
	// settle delay gives the store time to surface a just-finished purchase.
	if attempt == 0 {
		if err := e.ledger.Resync(ctx); err != nil {
			return zero, false, fmt.Errorf("ledger resync: %w", err)
		}
		if err := sleep(ctx, e.policy.SettleDelay); err != nil {
			return zero, false, err
		}
	}

	if _, err := e.catalog.Product(req.ProductID); err != nil {
		return zero, false, err
	}

	signed := strings.TrimSpace(req.SignedTransaction)
	if attempt > 0 || signed == "" {
		var err error
		signed, err = e.ledger.Purchase(ctx, req.ProductID)
		if err != nil {
			return zero, false, fmt.Errorf("ledger purchase: %w", err)
		}
	}

	if err := m.Step(fsm.StatusVerifying); err != nil {
		return zero, false, err
	}
	txn, err := e.verifier.VerifyTransaction(ctx, signed)
	if err != nil {
		// Verification failures reach the caller unchanged.
		return zero, false, err
	}

	if err := m.Step(fsm.StatusClassifying); err != nil {
		return zero, false, err
	}
	c := Classify(txn, e.now(), e.policy.StaleAfter)
	e.logger.Infof("iap: user=%d attempt=%d txn=%s verdict=%s active=%t restoration=%t old=%t",
		userID, attempt, txn.TransactionID, c.Verdict, c.IsActive, c.IsRestoration, c.IsOldPurchase)

	switch c.Verdict {
	case VerdictStaleExpired:
		props := models.TransactionProperties(txn)
		props["attempt"] = strconv.Itoa(attempt)
		e.emit(ctx, userID, models.EventExpiredTransactionReturned, props)
		if err := m.Step(fsm.StatusRetrying); err != nil {
			return zero, false, err
		}
		if err := e.ledger.Resync(ctx); err != nil {
			return zero, false, fmt.Errorf("ledger resync: %w", err)
		}
		return zero, true, nil

	case VerdictExpiredRestoration:
		if err := m.Step(fsm.StatusDenied); err != nil {
			return zero, false, err
		}
		status, err := e.ledger.Status(ctx, txn.OriginalTransactionID)
		if err != nil {
			e.logger.Errorf("iap: user=%d status lookup failed: %v", userID, err)
			return zero, false, fmt.Errorf("%w: status lookup: %v", models.ErrSubscriptionExpired, err)
		}
		if status.PaymentPending() {
			return zero, false, fmt.Errorf("%w: subscription in %s", models.ErrPaymentPending, models.SubscriptionStateLabel(status.State))
		}
		return zero, false, fmt.Errorf("%w: product %s", models.ErrSubscriptionExpired, txn.ProductID)

	default:
		if err := m.Step(fsm.StatusGranted); err != nil {
			return zero, false, err
		}
		restored := c.Verdict == VerdictRestored
		if err := e.store.Grant(ctx, userID, txn, restored); err != nil {
			return zero, false, fmt.Errorf("persist entitlement: %w", err)
		}
		e.emit(ctx, userID, models.EventTransaction, models.TransactionProperties(txn))
		if restored {
			e.emit(ctx, userID, models.EventSubscriptionRestored, models.TransactionProperties(txn))
		}
		if attempt > 0 {
			props := models.TransactionProperties(txn)
			props["retry_attempt"] = strconv.Itoa(attempt)
			e.emit(ctx, userID, models.EventPurchaseRetrySuccess, props)
		}
		if err := m.Step(fsm.StatusTerminal); err != nil {
			return zero, false, err
		}
		out := models.PurchaseOutcome{
			State:        models.OutcomeGranted,
			Restored:     restored,
			RetryAttempt: attempt,
			Transaction:  &txn,
		}
		return out, false, nil
	}
}

func (e *Engine) emit(ctx context.Context, userID int, name string, props map[string]string) {
	e.events.Emit(ctx, models.AnalyticsEvent{
		Name:       name,
		DistinctID: strconv.Itoa(userID),
		Properties: props,
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
