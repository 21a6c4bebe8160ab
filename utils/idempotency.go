// utils/idempotency.go
package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyGuard implements short-lived atomic locks over Redis SET NX.
// It is an abuse mitigation, not a correctness primitive: when the backend
// is unreachable the guard fails OPEN and lets the operation through,
// logging the degradation. Duplicate prevention is worth less than
// availability here.
type IdempotencyGuard struct {
	Redis *redis.Client
}

func NewIdempotencyGuard(rdb *redis.Client) *IdempotencyGuard {
	return &IdempotencyGuard{Redis: rdb}
}

// FingerprintKey derives a deterministic lock key from the operation type,
// the actor, and the payload parts. Identical submissions hash to the same
// key; anything different in the tuple produces a fresh one.
func FingerprintKey(operation, actorID string, parts ...string) string {
	h := sha256.Sum256([]byte(operation + "|" + actorID + "|" + strings.Join(parts, "|")))
	return "idem:" + operation + ":" + hex.EncodeToString(h[:16])
}

// AcquireLock returns true when this caller is the first holder of the key
// within the TTL window. False means duplicate — reject the operation.
func (g *IdempotencyGuard) AcquireLock(ctx context.Context, key string, ttl time.Duration) bool {
	cctx, cancel := CacheContext(ctx)
	defer cancel()

	ok, err := g.Redis.SetNX(cctx, key, "1", ttl).Result()
	if err != nil {
		log.Printf("⚠️  [IDEMPOTENCY] backend error for %s, failing open: %v", key, err)
		return true
	}
	return ok
}

// ReleaseLock frees a lock early, used when the guarded operation failed
// before doing anything durable so the caller may legitimately retry.
func (g *IdempotencyGuard) ReleaseLock(ctx context.Context, key string) {
	cctx, cancel := CacheContext(ctx)
	defer cancel()

	if err := g.Redis.Del(cctx, key).Err(); err != nil {
		log.Printf("⚠️  [IDEMPOTENCY] failed to release %s: %v", key, err)
	}
}
