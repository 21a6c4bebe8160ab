// utils/ratelimit.go
package utils

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LimiterClass selects the per-operation budget. Distinct classes exist so
// a burst of leaderboard reads cannot starve score submissions and vice
// versa.
type LimiterClass string

const (
	LimitScoreSubmit  LimiterClass = "score_submit"
	LimitEntryPayment LimiterClass = "entry_payment"
	LimitVerification LimiterClass = "verification"
	LimitGeneral      LimiterClass = "general"
)

type limiterBudget struct {
	Max    int
	Window time.Duration
}

var limiterBudgets = map[LimiterClass]limiterBudget{
	LimitScoreSubmit:  {Max: 30, Window: time.Minute},
	LimitEntryPayment: {Max: 5, Window: time.Minute},
	LimitVerification: {Max: 3, Window: time.Minute},
	LimitGeneral:      {Max: 120, Window: time.Minute},
}

// LimitResult reports the decision plus the caller-facing metadata.
type LimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter implements sliding-window counters over a Redis sorted set
// per (actor, class): trim expired members, add the current hit, count.
// Like the idempotency guard it fails OPEN on backend errors.
type RateLimiter struct {
	Redis *redis.Client
}

func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{Redis: rdb}
}

func (l *RateLimiter) CheckLimit(ctx context.Context, actorID string, class LimiterClass) LimitResult {
	budget, ok := limiterBudgets[class]
	if !ok {
		budget = limiterBudgets[LimitGeneral]
	}

	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s:%s", class, actorID)
	windowStart := now.Add(-budget.Window)

	cctx, cancel := CacheContext(ctx)
	defer cancel()

	pipe := l.Redis.Pipeline()
	pipe.ZRemRangeByScore(cctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	// Member must be unique per hit, or same-nanosecond requests collapse.
	pipe.ZAdd(cctx, key, redis.Z{Score: float64(now.UnixNano()), Member: uuid.NewString()})
	countCmd := pipe.ZCard(cctx, key)
	pipe.Expire(cctx, key, budget.Window)

	if _, err := pipe.Exec(cctx); err != nil {
		log.Printf("⚠️  [RATELIMIT] backend error for %s/%s, failing open: %v", actorID, class, err)
		return LimitResult{Allowed: true, Remaining: budget.Max, ResetAt: now.Add(budget.Window)}
	}

	count := int(countCmd.Val())
	remaining := budget.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{
		Allowed:   count <= budget.Max,
		Remaining: remaining,
		ResetAt:   now.Add(budget.Window),
	}
}
