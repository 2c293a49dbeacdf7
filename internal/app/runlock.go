/**
 * @description
 * This file contains the Redis-backed claim run lock. It gives the
 * orchestrator a cheap cross-instance guard so two admins triggering the same
 * claim at once do not both reach the gateway.
 *
 * The lock is best-effort: the TTL bounds how long a crashed run can hold it,
 * and the database-level processing guard remains the source of truth.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRunLock implements RunLocker on a shared Redis instance.
type RedisRunLock struct {
	client *redis.Client
}

// NewRedisRunLock creates a new Redis-backed run lock.
func NewRedisRunLock(client *redis.Client) *RedisRunLock {
	return &RedisRunLock{client: client}
}

func runLockKey(claimID string) string {
	return fmt.Sprintf("collections:run-lock:%s", claimID)
}

// Acquire takes the per-claim lock for at most ttl. It returns false when
// another run currently holds it.
func (l *RedisRunLock) Acquire(ctx context.Context, claimID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, runLockKey(claimID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock for claim %s: %w", claimID, err)
	}
	return ok, nil
}

// Release frees the per-claim lock early. Failures are logged only: the TTL
// is the backstop.
func (l *RedisRunLock) Release(ctx context.Context, claimID string) {
	if err := l.client.Del(ctx, runLockKey(claimID)).Err(); err != nil {
		log.Printf("level=warn component=runlock claim_id=%s msg=\"run lock release failed; ttl will expire it\" err=%v", claimID, err)
	}
}
