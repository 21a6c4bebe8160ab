// services/stats_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"weekly-tournament-system/models"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Default leaderboard page — the hottest key. Only this page is cached and
// rewarmed; deep pages go straight to the ranked store.
const (
	defaultPageLimit = 25
	maxPageLimit     = 100
)

// StatsService owns the read paths. Tier order is fixed: response cache →
// ranked store → Postgres (with a ranked-store reseed on the way back up).
// Cache misses and cache outages are indistinguishable to clients.
type StatsService struct {
	DB          *gorm.DB
	Cache       *ResponseCache
	Ranked      *LeaderboardStore
	Coordinator *CacheCoordinator
	Lifecycle   *LifecycleService
}

func NewStatsService(db *gorm.DB, cache *ResponseCache, ranked *LeaderboardStore, coordinator *CacheCoordinator, lifecycle *LifecycleService) *StatsService {
	s := &StatsService{DB: db, Cache: cache, Ranked: ranked, Coordinator: coordinator, Lifecycle: lifecycle}
	// The coordinator rewarms through the same read path a client uses.
	coordinator.RewarmFunc = s.RewarmCycle
	return s
}

type leaderboardPayload struct {
	Players       []RankedPlayer `json:"players"`
	TotalPlayers  int64          `json:"total_players"`
	TournamentDay string         `json:"tournament_day"`
}

// resolveTournament maps a path key ("current", empty, or a concrete cycle
// key) to its record.
func (s *StatsService) resolveTournament(keyParam string) (*models.Tournament, error) {
	if keyParam == "" || keyParam == CurrentAlias {
		return s.Lifecycle.GetCurrentActive()
	}
	var t models.Tournament
	if err := s.DB.Where("cycle_key = ?", keyParam).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tournament %s not found", keyParam)
		}
		return nil, err
	}
	return &t, nil
}

// GetLeaderboard handles GET /tournaments/:key/leaderboard.
func (s *StatsService) GetLeaderboard(c *fiber.Ctx) error {
	keyParam := c.Params("key", CurrentAlias)

	offset, _ := strconv.Atoi(c.Query("offset", "0"))
	if offset < 0 {
		offset = 0
	}
	limit, _ := strconv.Atoi(c.Query("limit", strconv.Itoa(defaultPageLimit)))
	if limit <= 0 || limit > maxPageLimit {
		limit = defaultPageLimit
	}

	tournament, err := s.resolveTournament(keyParam)
	if err != nil {
		if errors.Is(err, ErrNoActiveTournament) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	}

	hotPage := offset == 0 && limit == defaultPageLimit
	if hotPage {
		if cached, ok := s.Cache.Get(c.Context(), cacheKey(ScopeLeaderboard, keyParam)); ok {
			c.Set("Content-Type", "application/json")
			return c.SendString(cached)
		}
	}

	payload, err := s.buildLeaderboard(c.Context(), tournament, offset, limit)
	if err != nil {
		log.Printf("❌ [STATS] leaderboard build failed for %s: %v", tournament.CycleKey, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load leaderboard"})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load leaderboard"})
	}
	if hotPage {
		s.storeLeaderboardPayload(c.Context(), tournament, string(body))
	}

	c.Set("Content-Type", "application/json")
	return c.Send(body)
}

// buildLeaderboard reads through the ranked store and falls back to
// Postgres (reseeding the ranked store) when it is empty or unreachable.
func (s *StatsService) buildLeaderboard(ctx context.Context, tournament *models.Tournament, offset, limit int) (*leaderboardPayload, error) {
	total, sizeErr := s.Ranked.Size(ctx, tournament.CycleKey)
	if sizeErr == nil && total > 0 {
		players, err := s.Ranked.TopRange(ctx, tournament.CycleKey, offset, limit)
		if err == nil {
			return &leaderboardPayload{
				Players:       players,
				TotalPlayers:  total,
				TournamentDay: tournament.CycleKey,
			}, nil
		}
		log.Printf("⚠️  [STATS] ranked store range failed, falling back to DB: %v", err)
	}

	seeds, err := s.loadSeedsFromDB(tournament.ID)
	if err != nil {
		return nil, err
	}

	// Reseed is best-effort: serving the page matters more than the warm
	// ranked store, which the next write will repopulate anyway.
	if err := s.Ranked.BulkLoad(ctx, tournament.CycleKey, seeds); err != nil {
		log.Printf("⚠️  [STATS] ranked store reseed failed for %s: %v", tournament.CycleKey, err)
	}

	players := make([]RankedPlayer, 0, limit)
	for i := offset; i < len(seeds) && i < offset+limit; i++ {
		players = append(players, RankedPlayer{
			Rank:     i + 1,
			UserID:   seeds[i].UserID,
			Username: seeds[i].Details.Username,
			Wallet:   seeds[i].Details.Wallet,
			Score:    seeds[i].Score,
		})
	}
	return &leaderboardPayload{
		Players:       players,
		TotalPlayers:  int64(len(seeds)),
		TournamentDay: tournament.CycleKey,
	}, nil
}

// loadSeedsFromDB fetches the authoritative standings pre-sorted by
// (score desc, first_score_at asc) — the tie-break order the composite
// ranked-store key also encodes.
func (s *StatsService) loadSeedsFromDB(tournamentID string) ([]SeedEntry, error) {
	var entries []models.ParticipantEntry
	err := s.DB.Where("tournament_id = ? AND first_score_at IS NOT NULL", tournamentID).
		Order("highest_score DESC, first_score_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load standings: %w", err)
	}

	seeds := make([]SeedEntry, 0, len(entries))
	for _, e := range entries {
		seeds = append(seeds, SeedEntry{
			UserID:       e.UserID,
			Score:        e.HighestScore,
			FirstScoreAt: *e.FirstScoreAt,
			Details:      PlayerDetails{Username: e.DisplayName, Wallet: e.Wallet},
		})
	}
	return seeds, nil
}

// storeLeaderboardPayload writes the hot page under the concrete cycle key
// and, when the cycle is the active one, the "current" alias — always as a
// pair.
func (s *StatsService) storeLeaderboardPayload(ctx context.Context, tournament *models.Tournament, body string) {
	s.Cache.Set(ctx, cacheKey(ScopeLeaderboard, tournament.CycleKey), body, LeaderboardCacheTTL)
	if tournament.IsActive {
		s.Cache.Set(ctx, cacheKey(ScopeLeaderboard, CurrentAlias), body, LeaderboardCacheTTL)
	}
}

// RewarmCycle is the coordinator's rewarm hook: rebuild the hot page
// through the normal read path and store it before the next reader asks.
func (s *StatsService) RewarmCycle(ctx context.Context, cycleKey string) error {
	tournament, err := s.resolveTournament(cycleKey)
	if err != nil {
		return err
	}
	payload, err := s.buildLeaderboard(ctx, tournament, 0, defaultPageLimit)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.storeLeaderboardPayload(ctx, tournament, string(body))
	return nil
}

// GetStats handles GET /tournaments/:key/stats.
func (s *StatsService) GetStats(c *fiber.Ctx) error {
	keyParam := c.Params("key", CurrentAlias)

	if cached, ok := s.Cache.Get(c.Context(), cacheKey(ScopeStats, keyParam)); ok {
		c.Set("Content-Type", "application/json")
		return c.SendString(cached)
	}

	tournament, err := s.resolveTournament(keyParam)
	if err != nil {
		if errors.Is(err, ErrNoActiveTournament) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	}

	stats := fiber.Map{
		"tournament_day":   tournament.CycleKey,
		"start_time":       tournament.StartTime,
		"end_time":         tournament.EndTime,
		"is_active":        tournament.IsActive,
		"player_count":     tournament.PlayerCount,
		"total_collected":  tournament.TotalCollected,
		"prize_pool":       tournament.PrizePool,
		"in_grace_period":  tournament.IsActive && InGraceWindow(time.Now()),
	}
	body, _ := json.Marshal(stats)

	s.Cache.Set(c.Context(), cacheKey(ScopeStats, tournament.CycleKey), string(body), StatsCacheTTL)
	if tournament.IsActive {
		s.Cache.Set(c.Context(), cacheKey(ScopeStats, CurrentAlias), string(body), StatsCacheTTL)
	}

	c.Set("Content-Type", "application/json")
	return c.Send(body)
}

// GetPrizes handles GET /tournaments/:key/prizes.
func (s *StatsService) GetPrizes(c *fiber.Ctx) error {
	keyParam := c.Params("key", CurrentAlias)

	if cached, ok := s.Cache.Get(c.Context(), cacheKey(ScopePrizes, keyParam)); ok {
		c.Set("Content-Type", "application/json")
		return c.SendString(cached)
	}

	tournament, err := s.resolveTournament(keyParam)
	if err != nil {
		if errors.Is(err, ErrNoActiveTournament) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	}

	breakdown := ComputePrizes(tournament.TotalCollected, int(tournament.PlayerCount))
	response := fiber.Map{
		"tournament_day": tournament.CycleKey,
		"breakdown":      breakdown,
		"refund_policy":  tournament.PlayerCount < MinPlayersForPayout,
	}
	body, _ := json.Marshal(response)

	s.Cache.Set(c.Context(), cacheKey(ScopePrizes, tournament.CycleKey), string(body), PrizesCacheTTL)
	if tournament.IsActive {
		s.Cache.Set(c.Context(), cacheKey(ScopePrizes, CurrentAlias), string(body), PrizesCacheTTL)
	}

	c.Set("Content-Type", "application/json")
	return c.Send(body)
}

// RecordPayouts handles POST /admin/tournaments/:key/payouts — settles the
// prize run for a finished cycle. Below the player floor the policy is a
// full refund of entries, so no distribution rows are written.
func (s *StatsService) RecordPayouts(c *fiber.Ctx) error {
	keyParam := c.Params("key")
	if keyParam == "" || keyParam == CurrentAlias {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "concrete cycle key required"})
	}

	tournament, err := s.resolveTournament(keyParam)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "tournament not found"})
	}

	// Reconcile before settling so payouts come off ground truth, not a
	// possibly drifted counter.
	if err := s.Lifecycle.SyncAggregates(c.Context(), tournament.CycleKey); err != nil {
		log.Printf("⚠️  [PAYOUT] aggregate sync before settlement failed: %v", err)
	}
	if err := s.DB.Where("id = ?", tournament.ID).First(tournament).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to reload tournament"})
	}

	if tournament.PlayerCount < MinPlayersForPayout {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error":        "below minimum player threshold, full refund applies",
			"player_count": tournament.PlayerCount,
			"min_players":  MinPlayersForPayout,
		})
	}

	breakdown := ComputePrizes(tournament.TotalCollected, int(tournament.PlayerCount))

	standings, err := s.buildLeaderboard(c.Context(), tournament, 0, breakdown.WinnerCount)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to load final standings"})
	}

	payouts := make([]models.Payout, 0, len(standings.Players))
	for i, p := range standings.Players {
		if i >= len(breakdown.Ranks) {
			break
		}
		payouts = append(payouts, models.Payout{
			ID:           uuid.NewString(),
			TournamentID: tournament.ID,
			UserID:       p.UserID,
			Rank:         p.Rank,
			Amount:       breakdown.Ranks[i].ActualPayout,
			PayoutRef:    "payout-" + uuid.NewString(),
		})
	}
	if len(payouts) == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no ranked participants to pay"})
	}

	// Re-running settlement must not double-pay: the (tournament, rank)
	// unique index plus DO NOTHING makes this idempotent.
	err = s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tournament_id"}, {Name: "rank"}},
		DoNothing: true,
	}).Create(&payouts).Error
	if err != nil {
		log.Printf("❌ [PAYOUT] settlement insert failed for %s: %v", tournament.CycleKey, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record payouts"})
	}

	log.Printf("✅ [PAYOUT] recorded %d payouts for cycle %s", len(payouts), tournament.CycleKey)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message":   "payouts recorded",
		"breakdown": breakdown,
		"payouts":   payouts,
	})
}

// AdminFlushCache handles POST /admin/cache/flush/:key — incident
// recovery: force-clear every cache scope for a cycle.
func (s *StatsService) AdminFlushCache(c *fiber.Ctx) error {
	keyParam := c.Params("key")
	if keyParam == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "cycle key required"})
	}
	s.Coordinator.FlushCycle(c.Context(), keyParam)
	return c.JSON(fiber.Map{"message": "cache flushed", "cycle_key": keyParam})
}

// TriggerEnsure handles POST /internal/tournaments/ensure — the externally
// scheduled lifecycle trigger. Idempotent; a racing manual call and cron
// call converge on one record.
func (s *StatsService) TriggerEnsure(c *fiber.Ctx) error {
	tournament, err := s.Lifecycle.EnsureCurrentTournament(c.Context())
	if err != nil {
		log.Printf("❌ [LIFECYCLE] trigger failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "rollover failed"})
	}
	return c.JSON(fiber.Map{
		"message":    "tournament ensured",
		"cycle_key":  tournament.CycleKey,
		"start_time": tournament.StartTime,
		"end_time":   tournament.EndTime,
	})
}
