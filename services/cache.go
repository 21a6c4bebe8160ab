// services/cache.go
package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"weekly-tournament-system/utils"

	"github.com/redis/go-redis/v9"
)

// Response-cache TTLs. The leaderboard page churns with every submission
// burst so it turns over fast; stats and prize numbers move only when
// aggregates sync.
const (
	LeaderboardCacheTTL = 15 * time.Second
	StatsCacheTTL       = 60 * time.Second
	PrizesCacheTTL      = 60 * time.Second

	// CurrentAlias is the cache pseudo-key for "whatever cycle is active".
	// Every scope is cached under BOTH the concrete cycle key and this
	// alias, and the pair is always invalidated together.
	CurrentAlias = "current"
)

// CacheScope names one family of cached payloads.
type CacheScope string

const (
	ScopeLeaderboard CacheScope = "leaderboard"
	ScopeStats       CacheScope = "stats"
	ScopePrizes      CacheScope = "prizes"
	ScopeAll         CacheScope = "all"
)

// ChangeEvent is published on the cycle's Pub/Sub channel after every
// invalidation so connected stream clients learn about updates without
// polling.
type ChangeEvent struct {
	CycleKey string    `json:"cycle_key"`
	Scope    string    `json:"scope"`
	Source   string    `json:"source"`
	At       time.Time `json:"at"`
}

func eventsChannel(cycleKey string) string { return "leaderboard:events:" + cycleKey }

func cacheKey(scope CacheScope, cycleKey string) string {
	return "cache:" + string(scope) + ":" + cycleKey
}

// ResponseCache stores fully-formed API response payloads in front of the
// ranked store. Misses and backend errors look the same to callers — they
// just fall through to the next tier.
type ResponseCache struct {
	Redis *redis.Client
}

func NewResponseCache(rdb *redis.Client) *ResponseCache {
	return &ResponseCache{Redis: rdb}
}

func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool) {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	val, err := c.Redis.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		log.Printf("⚠️  [CACHE] get %s failed: %v", key, err)
		return "", false
	}
	return val, true
}

func (c *ResponseCache) Set(ctx context.Context, key, payload string, ttl time.Duration) {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()

	if err := c.Redis.Set(cctx, key, payload, ttl).Err(); err != nil {
		log.Printf("⚠️  [CACHE] set %s failed: %v", key, err)
	}
}

func (c *ResponseCache) Delete(ctx context.Context, key string) error {
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()
	return c.Redis.Del(cctx, key).Err()
}

// CacheCoordinator owns the invalidation/rewarm protocol. There is exactly
// one of these in the process — historical per-feature invalidators are
// consolidated here so a scope can never be half-cleared by two competing
// implementations.
type CacheCoordinator struct {
	Cache *ResponseCache
	Redis *redis.Client

	// RewarmFunc re-executes the hot read path for a cycle so the next
	// reader lands on a warm key. Wired by the stats service at startup.
	RewarmFunc func(ctx context.Context, cycleKey string) error

	// Debounce tuning, overridable in tests.
	QuietSparse time.Duration
	QuietBurst  time.Duration

	mu     sync.Mutex
	states map[string]*rewarmState
}

type rewarmState struct {
	timer    *time.Timer
	inFlight bool
	pending  bool
	hits     int
	windowAt time.Time
}

func NewCacheCoordinator(cache *ResponseCache, rdb *redis.Client) *CacheCoordinator {
	return &CacheCoordinator{
		Cache:       cache,
		Redis:       rdb,
		QuietSparse: 2 * time.Second,
		QuietBurst:  5 * time.Second,
		states:      make(map[string]*rewarmState),
	}
}

func scopeKeys(scope CacheScope, cycleKey string) []string {
	scopes := []CacheScope{scope}
	if scope == ScopeAll {
		scopes = []CacheScope{ScopeLeaderboard, ScopeStats, ScopePrizes}
	}
	keys := make([]string, 0, len(scopes)*2)
	for _, s := range scopes {
		// Concrete key and the "current" alias are one consistency unit.
		keys = append(keys, cacheKey(s, cycleKey), cacheKey(s, CurrentAlias))
	}
	return keys
}

// Invalidate clears every cache key the scope touches, publishes a change
// event, and (optionally) schedules a debounced rewarm. Individual delete
// failures are logged and skipped: a stale key self-heals on TTL expiry,
// while aborting mid-set would leave the worse half-invalidated state.
func (co *CacheCoordinator) Invalidate(ctx context.Context, scope CacheScope, cycleKey string, rewarm bool, source string) {
	for _, key := range scopeKeys(scope, cycleKey) {
		if err := co.Cache.Delete(ctx, key); err != nil {
			log.Printf("⚠️  [COORDINATOR] delete %s failed (continuing): %v", key, err)
		}
	}

	co.publish(ctx, scope, cycleKey, source)

	if rewarm && co.RewarmFunc != nil {
		co.scheduleRewarm(cycleKey)
	}
}

func (co *CacheCoordinator) publish(ctx context.Context, scope CacheScope, cycleKey, source string) {
	payload, _ := json.Marshal(ChangeEvent{
		CycleKey: cycleKey,
		Scope:    string(scope),
		Source:   source,
		At:       time.Now().UTC(),
	})

	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()
	if err := co.Redis.Publish(cctx, eventsChannel(cycleKey), payload).Err(); err != nil {
		log.Printf("⚠️  [COORDINATOR] publish for %s failed: %v", cycleKey, err)
	}
}

// scheduleRewarm coalesces invalidation bursts. While a rewarm is in
// flight new requests only set a pending flag; otherwise the timer resets
// and fires after a quiet period — short when updates are sparse, longer
// when they arrive in a burst, so submission storms produce one rewarm,
// not one per write.
func (co *CacheCoordinator) scheduleRewarm(cycleKey string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	st, ok := co.states[cycleKey]
	if !ok {
		st = &rewarmState{windowAt: time.Now()}
		co.states[cycleKey] = st
	}

	if st.inFlight {
		st.pending = true
		return
	}

	now := time.Now()
	if now.Sub(st.windowAt) > 10*time.Second {
		st.hits = 0
		st.windowAt = now
	}
	st.hits++

	quiet := co.QuietSparse
	if st.hits > 3 {
		quiet = co.QuietBurst
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(quiet, func() { co.runRewarm(cycleKey) })
}

func (co *CacheCoordinator) runRewarm(cycleKey string) {
	co.mu.Lock()
	st := co.states[cycleKey]
	if st == nil || st.inFlight {
		co.mu.Unlock()
		return
	}
	st.inFlight = true
	st.pending = false
	co.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := co.RewarmFunc(ctx, cycleKey); err != nil {
		log.Printf("⚠️  [COORDINATOR] rewarm for %s failed: %v", cycleKey, err)
	}
	cancel()

	co.mu.Lock()
	st.inFlight = false
	again := st.pending
	st.pending = false
	st.hits = 0
	co.mu.Unlock()

	if again {
		co.scheduleRewarm(cycleKey)
	}
}

// FlushCycle force-clears every scope for a cycle key, including the
// current aliases. Operator recovery path — not debounced, not rewarmed.
func (co *CacheCoordinator) FlushCycle(ctx context.Context, cycleKey string) {
	co.Invalidate(ctx, ScopeAll, cycleKey, false, "admin_flush")
	log.Printf("[COORDINATOR] flushed all cache scopes for %s", cycleKey)
}
