// utils/redis.go
package utils

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheCallTimeout bounds every Redis round trip issued by the request
// path. A slow cache must degrade latency, never stall a handler.
const CacheCallTimeout = 3 * time.Second

// NewRedisClient builds the single shared Redis client. It is constructed
// once in main and handed to every service that needs it — no package-level
// singleton, the connection pool inside the client does the reuse.
func NewRedisClient() *redis.Client {
	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		addr = "localhost:6379"
		log.Println("⚠️  REDIS_URL not set, using default localhost:6379")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DialTimeout:  CacheCallTimeout,
		ReadTimeout:  CacheCallTimeout,
		WriteTimeout: CacheCallTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), CacheCallTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// Degraded start is allowed: the read path falls back to Postgres
		// and the write-path guards fail open. Refusing to boot would turn
		// a cache outage into a full outage.
		log.Printf("⚠️  [REDIS] not reachable at startup (%v) — running degraded", err)
	}

	return client
}

// CacheContext returns a bounded context for a single cache call.
func CacheContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, CacheCallTimeout)
}
