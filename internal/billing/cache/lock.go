package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nutrioBack/internal/models"
)

const attemptKeyPrefix = "iap:attempt:"

// AttemptLock serializes reconciliation per user across replicas. SetNX
// with a TTL; a crashed attempt unlocks when the TTL lapses.
type AttemptLock struct {
	rdb *redis.Client
}

func NewAttemptLock(rdb *redis.Client) *AttemptLock {
	return &AttemptLock{rdb: rdb}
}

func (l *AttemptLock) Acquire(ctx context.Context, userID int, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ok, err := l.rdb.SetNX(ctx, attemptKey(userID), "1", ttl).Result()
	if err != nil {
		return fmt.Errorf("attempt lock: %w", err)
	}
	if !ok {
		return models.ErrAttemptInProgress
	}
	return nil
}

func (l *AttemptLock) Release(ctx context.Context, userID int) error {
	if err := l.rdb.Del(ctx, attemptKey(userID)).Err(); err != nil {
		return fmt.Errorf("attempt lock release: %w", err)
	}
	return nil
}

func attemptKey(userID int) string {
	return fmt.Sprintf("%s%d", attemptKeyPrefix, userID)
}
