package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entitledKeyPrefix = "iap:entitled:"
	defaultTTL        = 5 * time.Minute
)

// ErrMiss reports that the flag is not cached; callers read the database
// and repopulate.
var ErrMiss = errors.New("cache: miss")

// EntitlementCache mirrors the is_subscribed flag in Redis. The database
// row stays the authority: misses and Redis failures fall back to it.
type EntitlementCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewEntitlementCache(rdb *redis.Client, ttl time.Duration) *EntitlementCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &EntitlementCache{rdb: rdb, ttl: ttl}
}

func (c *EntitlementCache) Get(ctx context.Context, userID int) (bool, error) {
	val, err := c.rdb.Get(ctx, entitledKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrMiss
		}
		return false, fmt.Errorf("entitlement cache get: %w", err)
	}
	return val == "1", nil
}

func (c *EntitlementCache) Set(ctx context.Context, userID int, subscribed bool) error {
	val := "0"
	if subscribed {
		val = "1"
	}
	if err := c.rdb.Set(ctx, entitledKey(userID), val, c.ttl).Err(); err != nil {
		return fmt.Errorf("entitlement cache set: %w", err)
	}
	return nil
}

func entitledKey(userID int) string {
	return fmt.Sprintf("%s%d", entitledKeyPrefix, userID)
}
