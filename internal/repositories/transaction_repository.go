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

// TransactionRepository is the processed-transaction journal. Every verified
// store transaction lands here exactly once; the unique key on
// transaction_id makes replays no-ops.
type TransactionRepository struct {
	DB *sql.DB

	once sync.Once
	err  error
}

func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{DB: db}
}

func (r *TransactionRepository) ensureSchema(ctx context.Context) error {
	r.once.Do(func() {
		const ddl = `
CREATE TABLE IF NOT EXISTS iap_transactions (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    source VARCHAR(16) NOT NULL DEFAULT 'app_store',
    transaction_id VARCHAR(255) NOT NULL,
    original_transaction_id VARCHAR(255) NOT NULL,
    user_id INT NOT NULL,
    product_id VARCHAR(255) DEFAULT '',
    environment VARCHAR(32) DEFAULT '',
    purchase_date_ms BIGINT NOT NULL DEFAULT 0,
    expires_date_ms BIGINT NOT NULL DEFAULT 0,
    raw_transaction LONGTEXT,
    processed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_transaction_id (transaction_id),
    KEY idx_chain (original_transaction_id),
    KEY idx_user_product (user_id, product_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`
		_, r.err = r.DB.ExecContext(ctx, ddl)
	})
	return r.err
}

// Save journals a transaction. Safe to call twice with the same
// transaction id: the duplicate insert is ignored.
func (r *TransactionRepository) Save(ctx context.Context, rec models.TransactionRecord) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	if rec.TransactionID == "" {
		return fmt.Errorf("transaction_id is required")
	}
	source := rec.Source
	if source == "" {
		source = models.TransactionSourceAppStore
	}
	_, err := r.DB.ExecContext(ctx, `
INSERT INTO iap_transactions (source, transaction_id, original_transaction_id, user_id, product_id, environment, purchase_date_ms, expires_date_ms, raw_transaction)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE transaction_id = transaction_id
`, source, rec.TransactionID, rec.OriginalTransactionID, rec.UserID, rec.ProductID, rec.Environment,
		rec.PurchaseDate.UnixMilli(), rec.ExpiresDate.UnixMilli(), rec.Payload)
	return err
}

// IsProcessed reports whether a transaction id is already journaled.
func (r *TransactionRepository) IsProcessed(ctx context.Context, transactionID string) (bool, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return false, err
	}
	var exists bool
	err := r.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM iap_transactions WHERE transaction_id = ?)`, transactionID).Scan(&exists)
	return exists, err
}

// LatestChainID returns the newest known original transaction id for a
// user's product. This is how the ledger locates a subscription chain when
// the device did not attach a signed transaction.
func (r *TransactionRepository) LatestChainID(ctx context.Context, userID int, productID string) (string, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return "", err
	}
	var chainID string
	err := r.DB.QueryRowContext(ctx, `
SELECT original_transaction_id FROM iap_transactions
WHERE user_id = ? AND product_id = ?
ORDER BY purchase_date_ms DESC, id DESC LIMIT 1`, userID, productID).Scan(&chainID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", models.ErrNoRecord
		}
		return "", err
	}
	return chainID, nil
}

// OwnerOfChain maps an original transaction id back to the owning user.
// Server notifications arrive without any user context.
func (r *TransactionRepository) OwnerOfChain(ctx context.Context, originalTransactionID string) (int, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var userID int
	err := r.DB.QueryRowContext(ctx, `
SELECT user_id FROM iap_transactions
WHERE original_transaction_id = ?
ORDER BY id DESC LIMIT 1`, originalTransactionID).Scan(&userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, models.ErrNoRecord
		}
		return 0, err
	}
	return userID, nil
}

// LatestForUser returns the most recent journal row for a user.
func (r *TransactionRepository) LatestForUser(ctx context.Context, userID int) (models.TransactionRecord, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return models.TransactionRecord{}, err
	}
	row := r.DB.QueryRowContext(ctx, `
SELECT id, source, transaction_id, original_transaction_id, user_id, product_id, environment, purchase_date_ms, expires_date_ms, processed_at
FROM iap_transactions WHERE user_id = ? ORDER BY purchase_date_ms DESC, id DESC LIMIT 1`, userID)

	var (
		rec        models.TransactionRecord
		purchaseMS int64
		expiresMS  int64
	)
	err := row.Scan(&rec.ID, &rec.Source, &rec.TransactionID, &rec.OriginalTransactionID, &rec.UserID,
		&rec.ProductID, &rec.Environment, &purchaseMS, &expiresMS, &rec.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TransactionRecord{}, models.ErrNoRecord
		}
		return models.TransactionRecord{}, err
	}
	rec.PurchaseDate = time.UnixMilli(purchaseMS).UTC()
	rec.ExpiresDate = time.UnixMilli(expiresMS).UTC()
	return rec, nil
}
