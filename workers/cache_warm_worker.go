package workers

import (
	"context"
	"log"
	"time"

	"weekly-tournament-system/services"
)

// CacheWarmWorker periodically rebuilds the current leaderboard's hot cache
// page so the first reader after a quiet stretch never eats a cold miss.
// Write-triggered rewarms handle busy periods; this loop covers the idle
// ones where TTLs expire with no submissions to refill them.
type CacheWarmWorker struct {
	Lifecycle *services.LifecycleService
	Stats     *services.StatsService
	Interval  time.Duration
}

func NewCacheWarmWorker(lifecycle *services.LifecycleService, stats *services.StatsService, interval time.Duration) *CacheWarmWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &CacheWarmWorker{Lifecycle: lifecycle, Stats: stats, Interval: interval}
}

func (w *CacheWarmWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	log.Printf("✅ [CACHE_WARM] worker started (every %s)", w.Interval)

	for {
		select {
		case <-ticker.C:
			w.warmOnce(ctx)
		case <-ctx.Done():
			log.Println("[CACHE_WARM] worker stopping")
			return
		}
	}
}

func (w *CacheWarmWorker) warmOnce(ctx context.Context) {
	tournament, err := w.Lifecycle.GetCurrentActive()
	if err != nil {
		// Between cycles there is nothing to warm.
		return
	}

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := w.Stats.RewarmCycle(wctx, tournament.CycleKey); err != nil {
		log.Printf("⚠️  [CACHE_WARM] warm for %s failed: %v", tournament.CycleKey, err)
	}
}
