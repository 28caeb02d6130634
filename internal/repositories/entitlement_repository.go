package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"nutrioBack/internal/models"
)

// EntitlementRepository stores the durable premium flag, one row per user.
type EntitlementRepository struct {
	DB *sql.DB

	once sync.Once
	err  error
}

func NewEntitlementRepository(db *sql.DB) *EntitlementRepository {
	return &EntitlementRepository{DB: db}
}

func (r *EntitlementRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS entitlements (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    user_id INT NOT NULL,
    product_id VARCHAR(255) NOT NULL,
    transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    original_transaction_id VARCHAR(255) NOT NULL DEFAULT '',
    purchased_at_ms BIGINT NOT NULL DEFAULT 0,
    expires_at_ms BIGINT NOT NULL DEFAULT 0,
    is_subscribed TINYINT(1) NOT NULL DEFAULT 0,
    source VARCHAR(16) NOT NULL DEFAULT 'app_store',
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_user (user_id),
    KEY idx_chain (original_transaction_id),
    KEY idx_expires (is_subscribed, expires_at_ms)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		_, r.err = r.DB.ExecContext(ctx, ddl)
	})
	return r.err
}

// Upsert writes the user's entitlement row, replacing whatever product or
// chain it pointed at before.
func (r *EntitlementRepository) Upsert(ctx context.Context, ent models.Entitlement) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if ent.UserID <= 0 {
		return fmt.Errorf("user_id is required")
	}
	source := ent.Source
	if source == "" {
		source = models.TransactionSourceAppStore
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO entitlements (user_id, product_id, transaction_id, original_transaction_id, purchased_at_ms, expires_at_ms, is_subscribed, source)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    product_id = VALUES(product_id),
    transaction_id = VALUES(transaction_id),
    original_transaction_id = VALUES(original_transaction_id),
    purchased_at_ms = VALUES(purchased_at_ms),
    expires_at_ms = VALUES(expires_at_ms),
    is_subscribed = VALUES(is_subscribed),
    source = VALUES(source)
`, ent.UserID, ent.ProductID, ent.TransactionID, ent.OriginalTransactionID,
		ent.PurchasedAt.UnixMilli(), ent.ExpiresAt.UnixMilli(), ent.IsSubscribed, source)
	return err
}

// ByUserID returns the user's entitlement row.
func (r *EntitlementRepository) ByUserID(ctx context.Context, userID int) (models.Entitlement, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.Entitlement{}, err
	}
	row := r.DB.QueryRowContext(ctx, `
SELECT user_id, product_id, transaction_id, original_transaction_id, purchased_at_ms, expires_at_ms, is_subscribed, source, updated_at
FROM entitlements WHERE user_id = ?`, userID)
	return scanEntitlement(row)
}

// ByChain returns the entitlement row holding an original transaction id.
func (r *EntitlementRepository) ByChain(ctx context.Context, originalTransactionID string) (models.Entitlement, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.Entitlement{}, err
	}
	row := r.DB.QueryRowContext(ctx, `
SELECT user_id, product_id, transaction_id, original_transaction_id, purchased_at_ms, expires_at_ms, is_subscribed, source, updated_at
FROM entitlements WHERE original_transaction_id = ? ORDER BY updated_at DESC LIMIT 1`, originalTransactionID)
	return scanEntitlement(row)
}

// Revoke clears the premium flag for the chain. Refunds and family-sharing
// revocations land here.
func (r *EntitlementRepository) Revoke(ctx context.Context, originalTransactionID string) (int, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var userID int
	err := r.DB.QueryRowContext(ctx,
		`SELECT user_id FROM entitlements WHERE original_transaction_id = ? LIMIT 1`,
		originalTransactionID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrNoRecord
		}
		return 0, err
	}
	_, err = r.DB.ExecContext(ctx,
		`UPDATE entitlements SET is_subscribed = 0 WHERE original_transaction_id = ?`,
		originalTransactionID)
	return userID, err
}

// ExpiredBefore lists subscribed rows whose paid period ended before the
// cutoff. The sweeper re-checks these against the store before clearing.
func (r *EntitlementRepository) ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Entitlement, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT user_id, product_id, transaction_id, original_transaction_id, purchased_at_ms, expires_at_ms, is_subscribed, source, updated_at
FROM entitlements
WHERE is_subscribed = 1 AND expires_at_ms > 0 AND expires_at_ms < ?
ORDER BY expires_at_ms ASC LIMIT ?`, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Entitlement
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntitlement(row rowScanner) (models.Entitlement, error) {
	var (
		ent         models.Entitlement
		purchasedMS int64
		expiresMS   int64
	)
	err := row.Scan(&ent.UserID, &ent.ProductID, &ent.TransactionID, &ent.OriginalTransactionID,
		&purchasedMS, &expiresMS, &ent.IsSubscribed, &ent.Source, &ent.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Entitlement{}, models.ErrNoRecord
		}
		return models.Entitlement{}, err
	}
	ent.PurchasedAt = time.UnixMilli(purchasedMS).UTC()
	ent.ExpiresAt = time.UnixMilli(expiresMS).UTC()
	return ent, nil
}
