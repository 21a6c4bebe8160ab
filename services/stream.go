// services/stream.go
package services

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const streamHeartbeat = 15 * time.Second

// StreamService pushes leaderboard change events to connected clients over
// SSE. Events originate from the cache coordinator's Pub/Sub publishes, so
// a client hears about updates the moment the cache turns over instead of
// polling the leaderboard endpoint.
type StreamService struct {
	Redis     *redis.Client
	Lifecycle *LifecycleService
}

func NewStreamService(rdb *redis.Client, lifecycle *LifecycleService) *StreamService {
	return &StreamService{Redis: rdb, Lifecycle: lifecycle}
}

// StreamLeaderboardSSE handles GET /tournaments/:key/leaderboard/stream.
func (s *StreamService) StreamLeaderboardSSE(c *fiber.Ctx) error {
	keyParam := c.Params("key", CurrentAlias)
	cycleKey := keyParam
	if keyParam == CurrentAlias {
		tournament, err := s.Lifecycle.GetCurrentActive()
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
		}
		cycleKey = tournament.CycleKey
	}

	// SSE headers
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no") // nginx

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sub := s.Redis.Subscribe(ctx, eventsChannel(cycleKey))
		defer sub.Close()

		// Force the subscribe handshake before streaming so a broken Redis
		// shows up as an immediate close, not a silent stream.
		if _, err := sub.Receive(ctx); err != nil {
			log.Printf("⚠️  [STREAM] subscribe for %s failed: %v", cycleKey, err)
			return
		}
		events := sub.Channel()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		// Initial keepalive (comment event)
		w.WriteString(":\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case msg, ok := <-events:
				if !ok {
					return
				}
				fmt.Fprintf(w, "event: leaderboard_update\ndata: %s\n\n", msg.Payload)
				if err := w.Flush(); err != nil {
					// Client disconnected
					return
				}

			case <-heartbeat.C:
				w.WriteString(": ping\n\n")
				if err := w.Flush(); err != nil {
					return
				}

			case <-c.Context().Done():
				// Client closed connection
				return
			}
		}
	})

	return nil
}
