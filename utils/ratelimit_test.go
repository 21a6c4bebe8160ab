package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRateLimiter(rdb), mr
}

// TestCheckLimit_AllowsWithinBudget
func TestCheckLimit_AllowsWithinBudget(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := limiter.CheckLimit(ctx, "user-1", LimitVerification)
		assert.True(t, res.Allowed, "hit %d", i+1)
	}
}

// TestCheckLimit_RejectsOverBudget — verification allows 3/min
func TestCheckLimit_RejectsOverBudget(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limiter.CheckLimit(ctx, "user-1", LimitVerification)
	}
	res := limiter.CheckLimit(ctx, "user-1", LimitVerification)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

// TestCheckLimit_ActorsAreIsolated
func TestCheckLimit_ActorsAreIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.CheckLimit(ctx, "noisy", LimitVerification)
	}
	assert.False(t, limiter.CheckLimit(ctx, "noisy", LimitVerification).Allowed)
	assert.True(t, limiter.CheckLimit(ctx, "quiet", LimitVerification).Allowed)
}

// TestCheckLimit_ClassesAreIsolated — burning the payment budget leaves the
// score budget intact
func TestCheckLimit_ClassesAreIsolated(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		limiter.CheckLimit(ctx, "user-1", LimitEntryPayment)
	}
	assert.False(t, limiter.CheckLimit(ctx, "user-1", LimitEntryPayment).Allowed)
	assert.True(t, limiter.CheckLimit(ctx, "user-1", LimitScoreSubmit).Allowed)
}

// TestCheckLimit_WindowSlides — old hits age out and capacity returns
func TestCheckLimit_WindowSlides(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		limiter.CheckLimit(ctx, "user-1", LimitVerification)
	}
	assert.False(t, limiter.CheckLimit(ctx, "user-1", LimitVerification).Allowed)

	// Past the window the key's own TTL has expired
	mr.FastForward(2 * time.Minute)

	res := limiter.CheckLimit(ctx, "user-1", LimitVerification)
	assert.True(t, res.Allowed)
}

// TestCheckLimit_FailsOpenWhenBackendDown
func TestCheckLimit_FailsOpenWhenBackendDown(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	mr.Close()

	res := limiter.CheckLimit(context.Background(), "user-1", LimitScoreSubmit)
	assert.True(t, res.Allowed)
}
