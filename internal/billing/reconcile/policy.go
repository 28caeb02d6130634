package reconcile

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	defaultStaleAfter     = 60 * time.Second
	defaultSettleDelay    = 500 * time.Millisecond
	defaultRetryDelay     = 1000 * time.Millisecond
	defaultMaxRetries     = 2
	defaultAttemptLockTTL = 30 * time.Second
)

// Policy holds the reconciliation tunables. Zero-value fields are replaced
// with defaults in Normalize, so a hand-built Policy in tests only needs the
// fields under test.
type Policy struct {
	// A verified transaction whose purchase date is older than StaleAfter is
	// treated as a prior transaction the ledger has not caught up past.
	StaleAfter time.Duration
	// Wait after the forced resync on the first attempt.
	SettleDelay time.Duration
	// Wait between retry attempts after a stale expired transaction.
	RetryDelay time.Duration
	// Retries after the initial attempt. Total ledger purchases per request
	// is MaxRetries+1.
	MaxRetries int
	// TTL on the per-user attempt lock; covers a crashed attempt.
	AttemptLockTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		StaleAfter:     defaultStaleAfter,
		SettleDelay:    defaultSettleDelay,
		RetryDelay:     defaultRetryDelay,
		MaxRetries:     defaultMaxRetries,
		AttemptLockTTL: defaultAttemptLockTTL,
	}
}

func (p Policy) Normalize() Policy {
	if p.StaleAfter <= 0 {
		p.StaleAfter = defaultStaleAfter
	}
	if p.SettleDelay <= 0 {
		p.SettleDelay = defaultSettleDelay
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = defaultRetryDelay
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.AttemptLockTTL <= 0 {
		p.AttemptLockTTL = defaultAttemptLockTTL
	}
	return p
}

// LoadPolicy reads policy overrides from environment variables and applies
// defaults.
func LoadPolicy() (Policy, error) {
	cfg := DefaultPolicy()

	if v, err := readMillisEnv("IAP_STALE_AFTER_MS"); err != nil {
		return Policy{}, fmt.Errorf("parse IAP_STALE_AFTER_MS: %w", err)
	} else if v != nil {
		cfg.StaleAfter = *v
	}

	if v, err := readMillisEnv("IAP_SETTLE_MS"); err != nil {
		return Policy{}, fmt.Errorf("parse IAP_SETTLE_MS: %w", err)
	} else if v != nil {
		cfg.SettleDelay = *v
	}

	if v, err := readMillisEnv("IAP_RETRY_DELAY_MS"); err != nil {
		return Policy{}, fmt.Errorf("parse IAP_RETRY_DELAY_MS: %w", err)
	} else if v != nil {
		cfg.RetryDelay = *v
	}

	if v := os.Getenv("IAP_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Policy{}, fmt.Errorf("parse IAP_MAX_RETRIES: %w", err)
		}
		if n < 0 {
			return Policy{}, fmt.Errorf("IAP_MAX_RETRIES must be non-negative")
		}
		cfg.MaxRetries = n
	}

	if v, err := readMillisEnv("IAP_ATTEMPT_LOCK_TTL_MS"); err != nil {
		return Policy{}, fmt.Errorf("parse IAP_ATTEMPT_LOCK_TTL_MS: %w", err)
	} else if v != nil {
		cfg.AttemptLockTTL = *v
	}

	if cfg.StaleAfter <= 0 {
		return Policy{}, fmt.Errorf("IAP_STALE_AFTER_MS must be positive")
	}

	return cfg, nil
}

func readMillisEnv(name string) (*time.Duration, error) {
	val := os.Getenv(name)
	if val == "" {
		return nil, nil
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return nil, err
	}
	d := time.Duration(ms) * time.Millisecond
	return &d, nil
}
