package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T) (*CacheCoordinator, *ResponseCache, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := NewResponseCache(rdb)
	co := NewCacheCoordinator(cache, rdb)
	return co, cache, rdb
}

// TestResponseCache_MissLooksLikeMiss
func TestResponseCache_MissLooksLikeMiss(t *testing.T) {
	_, cache, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "cache:leaderboard:nope")
	assert.False(t, ok)

	cache.Set(ctx, "cache:leaderboard:2026-08-30", `{"players":[]}`, time.Minute)
	val, ok := cache.Get(ctx, "cache:leaderboard:2026-08-30")
	assert.True(t, ok)
	assert.Equal(t, `{"players":[]}`, val)
}

// TestInvalidate_ClearsConcreteAndAliasTogether — the pair is one
// consistency unit
func TestInvalidate_ClearsConcreteAndAliasTogether(t *testing.T) {
	co, cache, _ := newTestCoordinator(t)
	ctx := context.Background()
	cycle := "2026-08-30"

	cache.Set(ctx, cacheKey(ScopeLeaderboard, cycle), "concrete", time.Minute)
	cache.Set(ctx, cacheKey(ScopeLeaderboard, CurrentAlias), "alias", time.Minute)
	cache.Set(ctx, cacheKey(ScopeStats, cycle), "stats", time.Minute)

	co.Invalidate(ctx, ScopeLeaderboard, cycle, false, "test")

	_, ok := cache.Get(ctx, cacheKey(ScopeLeaderboard, cycle))
	assert.False(t, ok)
	_, ok = cache.Get(ctx, cacheKey(ScopeLeaderboard, CurrentAlias))
	assert.False(t, ok)

	// Other scopes are untouched
	_, ok = cache.Get(ctx, cacheKey(ScopeStats, cycle))
	assert.True(t, ok)
}

// TestInvalidate_ScopeAllClearsEveryScope
func TestInvalidate_ScopeAllClearsEveryScope(t *testing.T) {
	co, cache, _ := newTestCoordinator(t)
	ctx := context.Background()
	cycle := "2026-08-30"

	for _, scope := range []CacheScope{ScopeLeaderboard, ScopeStats, ScopePrizes} {
		cache.Set(ctx, cacheKey(scope, cycle), "x", time.Minute)
		cache.Set(ctx, cacheKey(scope, CurrentAlias), "x", time.Minute)
	}

	co.Invalidate(ctx, ScopeAll, cycle, false, "test")

	for _, scope := range []CacheScope{ScopeLeaderboard, ScopeStats, ScopePrizes} {
		_, ok := cache.Get(ctx, cacheKey(scope, cycle))
		assert.False(t, ok, "scope %s concrete", scope)
		_, ok = cache.Get(ctx, cacheKey(scope, CurrentAlias))
		assert.False(t, ok, "scope %s alias", scope)
	}
}

// TestInvalidate_PublishesChangeEvent
func TestInvalidate_PublishesChangeEvent(t *testing.T) {
	co, _, rdb := newTestCoordinator(t)
	ctx := context.Background()
	cycle := "2026-08-30"

	sub := rdb.Subscribe(ctx, eventsChannel(cycle))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	co.Invalidate(ctx, ScopeLeaderboard, cycle, false, "score_submit")

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"cycle_key":"2026-08-30"`)
		assert.Contains(t, msg.Payload, `"source":"score_submit"`)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change event on the cycle channel")
	}
}

// TestScheduleRewarm_CoalescesBursts — a storm of invalidations produces one
// rewarm, not one per write
func TestScheduleRewarm_CoalescesBursts(t *testing.T) {
	co, _, _ := newTestCoordinator(t)
	co.QuietSparse = 20 * time.Millisecond
	co.QuietBurst = 40 * time.Millisecond

	var calls int32
	co.RewarmFunc = func(ctx context.Context, cycleKey string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		co.Invalidate(ctx, ScopeLeaderboard, "2026-08-30", true, "score_submit")
	}

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 10*time.Millisecond)

	// Quiet afterwards — no stray second rewarm from the burst
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// TestScheduleRewarm_PendingRunsAgainAfterInFlight
func TestScheduleRewarm_PendingRunsAgainAfterInFlight(t *testing.T) {
	co, _, _ := newTestCoordinator(t)
	co.QuietSparse = 10 * time.Millisecond
	co.QuietBurst = 10 * time.Millisecond

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	co.RewarmFunc = func(ctx context.Context, cycleKey string) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
		}
		return nil
	}

	ctx := context.Background()
	co.Invalidate(ctx, ScopeLeaderboard, "2026-08-30", true, "test")

	<-started
	// Arrivals during an in-flight rewarm only mark it pending
	co.Invalidate(ctx, ScopeLeaderboard, "2026-08-30", true, "test")
	co.Invalidate(ctx, ScopeLeaderboard, "2026-08-30", true, "test")
	close(release)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 2
	}, time.Second, 10*time.Millisecond)
}
