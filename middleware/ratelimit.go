// middleware/ratelimit.go
package middleware

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// Per-actor token bucket for general traffic. The Redis sliding windows in
// utils guard the expensive write operations; this in-process limiter just
// keeps one chatty client from monopolizing the read endpoints.
type actorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type trafficLimiter struct {
	mu     sync.Mutex
	actors map[string]*actorLimiter
	rps    rate.Limit
	burst  int
}

func newTrafficLimiter(rps rate.Limit, burst int) *trafficLimiter {
	tl := &trafficLimiter{
		actors: make(map[string]*actorLimiter),
		rps:    rps,
		burst:  burst,
	}
	go tl.cleanupLoop()
	return tl
}

func (tl *trafficLimiter) allow(actor string) bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	al, ok := tl.actors[actor]
	if !ok {
		al = &actorLimiter{limiter: rate.NewLimiter(tl.rps, tl.burst)}
		tl.actors[actor] = al
	}
	al.lastSeen = time.Now()
	return al.limiter.Allow()
}

func (tl *trafficLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		tl.mu.Lock()
		for actor, al := range tl.actors {
			if time.Since(al.lastSeen) > 10*time.Minute {
				delete(tl.actors, actor)
			}
		}
		tl.mu.Unlock()
	}
}

// GeneralRateLimit allows 2 requests/second with a burst of 10 per actor,
// keyed by gateway user when present, client IP otherwise.
func GeneralRateLimit() fiber.Handler {
	tl := newTrafficLimiter(2, 10)

	return func(c *fiber.Ctx) error {
		actor := c.Get("X-User-ID")
		if actor == "" {
			actor = c.IP()
		}
		if !tl.allow(actor) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests",
			})
		}
		return c.Next()
	}
}
