// services/score_service.go
package services

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"weekly-tournament-system/models"
	"weekly-tournament-system/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VerificationSetKey names the weekly-scoped Redis set of users who passed
// identity verification for a cycle. Rollover resets it with one DEL.
func VerificationSetKey(cycleKey string) string { return "verification:" + cycleKey }

// idempotencyTTL bounds the duplicate-detection window for writes.
const idempotencyTTL = 2 * time.Minute

// ScoreService owns the write path: guards, the monotonic highest-score
// rule at the Postgres layer, the ranked-store update, and the cache
// invalidation that follows. Strict ordering per submission: Postgres
// first (durable truth), then ranked store, then invalidation.
type ScoreService struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Ranked      *LeaderboardStore
	Coordinator *CacheCoordinator
	Lifecycle   *LifecycleService
	Idem        *utils.IdempotencyGuard
	Limiter     *utils.RateLimiter
}

func NewScoreService(db *gorm.DB, rdb *redis.Client, ranked *LeaderboardStore, coordinator *CacheCoordinator, lifecycle *LifecycleService) *ScoreService {
	return &ScoreService{
		DB:          db,
		Redis:       rdb,
		Ranked:      ranked,
		Coordinator: coordinator,
		Lifecycle:   lifecycle,
		Idem:        utils.NewIdempotencyGuard(rdb),
		Limiter:     utils.NewRateLimiter(rdb),
	}
}

// SubmitScore handles POST /tournaments/current/scores.
// Guard order: rate limit → idempotency → plausibility. Validation errors
// are terminal with a specific reason; only the Postgres write itself
// fails closed.
func (s *ScoreService) SubmitScore(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	type Req struct {
		Score          int64  `json:"score"`
		GameDurationMs int64  `json:"game_duration_ms"`
		SessionID      string `json:"session_id,omitempty"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}

	tournament, err := s.Lifecycle.GetCurrentActive()
	if err != nil {
		log.Printf("❌ [SCORE] no usable tournament for submission: %v", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
	}

	if limit := s.Limiter.CheckLimit(c.Context(), userID, utils.LimitScoreSubmit); !limit.Allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":    "rate limit exceeded",
			"reset_at": limit.ResetAt,
		})
	}

	// Duplicate fingerprint: session id when the client supplies one,
	// otherwise a coarse 10s time bucket so an accidental double-send of
	// the same game result collapses to one write.
	dedupe := req.SessionID
	if dedupe == "" {
		dedupe = strconv.FormatInt(time.Now().Unix()/10, 10)
	}
	lockKey := utils.FingerprintKey("score_submit", userID,
		tournament.CycleKey,
		strconv.FormatInt(req.Score, 10),
		strconv.FormatInt(req.GameDurationMs, 10),
		dedupe,
	)
	if !s.Idem.AcquireLock(c.Context(), lockKey, idempotencyTTL) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "duplicate submission"})
	}

	if err := utils.ValidateScore(req.Score, req.GameDurationMs); err != nil {
		// Terminal rejection, nothing durable happened — a corrected
		// resubmission of the same tuple must not hit the duplicate guard.
		s.Idem.ReleaseLock(c.Context(), lockKey)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	entry, personalBest, entered, err := s.applyScore(tournament.ID, userID, req.Score)
	if err != nil {
		if errors.Is(err, errNotEntered) {
			s.Idem.ReleaseLock(c.Context(), lockKey)
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "not entered in current tournament"})
		}
		// A lost score write is unacceptable — this path fails closed.
		// Release the lock so the client may retry the same submission.
		s.Idem.ReleaseLock(c.Context(), lockKey)
		log.Printf("❌ [SCORE] persist failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record score"})
	}

	// The ranked store tracks everyone with a first_score_at, exactly like
	// a DB reseed does — so a zero-score debut still becomes a member, and
	// both population paths agree on who counts as ranked.
	if personalBest || entered {
		firstAt := time.Now().UTC()
		if entry.FirstScoreAt != nil {
			firstAt = *entry.FirstScoreAt
		}
		// Ranked store and cache updates are best-effort: the durable
		// write already happened, readers can always fall back.
		if err := s.Ranked.UpsertScore(c.Context(), tournament.CycleKey, userID, entry.HighestScore, firstAt, PlayerDetails{
			Username: entry.DisplayName,
			Wallet:   entry.Wallet,
		}); err != nil {
			log.Printf("⚠️  [SCORE] ranked store update failed for %s, readers will fall back: %v", userID, err)
		}
		s.Coordinator.Invalidate(c.Context(), ScopeLeaderboard, tournament.CycleKey, true, "score_submit")
		s.Coordinator.Invalidate(c.Context(), ScopeStats, tournament.CycleKey, false, "score_submit")
	}

	rank, err := s.Ranked.Rank(c.Context(), tournament.CycleKey, userID)
	if err != nil {
		rank = s.rankFromDB(tournament.ID, entry)
	}

	return c.JSON(fiber.Map{
		"rank":          rank,
		"personal_best": personalBest,
		"highest_score": entry.HighestScore,
		"tournament":    tournament.CycleKey,
	})
}

var errNotEntered = errors.New("participant has not entered")

// applyScore enforces the monotonic highest-score rule atomically per
// (user, tournament) row: lock, compare via RecordScore, conditionally
// write. A lower score after a higher one never overwrites
// (last-write-wins-on-maximum).
func (s *ScoreService) applyScore(tournamentID, userID string, score int64) (entry *models.ParticipantEntry, personalBest, entered bool, err error) {
	entry = &models.ParticipantEntry{}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
			First(entry).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errNotEntered
			}
			return err
		}
		if !entry.PaidStandard && !entry.PaidVerified {
			return errNotEntered
		}

		personalBest, entered = entry.RecordScore(score, time.Now())

		updates := map[string]interface{}{}
		if entered {
			updates["first_score_at"] = *entry.FirstScoreAt
		}
		if personalBest {
			updates["highest_score"] = entry.HighestScore
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&models.ParticipantEntry{}).
			Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
			Updates(updates).Error
	})
	if err != nil {
		return nil, false, false, err
	}
	return entry, personalBest, entered, nil
}

// rankFromDB is the fallback rank query for when the ranked store is
// unreachable: position = players strictly ahead + 1, with the earlier
// first score winning ties.
func (s *ScoreService) rankFromDB(tournamentID string, entry *models.ParticipantEntry) int {
	var ahead int64
	q := s.DB.Model(&models.ParticipantEntry{}).
		Where("tournament_id = ? AND highest_score > ?", tournamentID, entry.HighestScore)
	if entry.FirstScoreAt != nil {
		q = q.Or(s.DB.Where("tournament_id = ? AND highest_score = ? AND first_score_at < ?",
			tournamentID, entry.HighestScore, *entry.FirstScoreAt))
	}
	if err := q.Count(&ahead).Error; err != nil {
		log.Printf("⚠️  [SCORE] DB rank fallback failed: %v", err)
		return 0
	}
	return int(ahead) + 1
}

// EnterTournament handles POST /tournaments/current/enter — recording an
// entry payment on the standard or verified path. New entries are rejected
// during the grace window; scores from in-flight games are not.
func (s *ScoreService) EnterTournament(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	type Req struct {
		DisplayName     string  `json:"display_name"`
		Wallet          string  `json:"wallet"`
		Amount          float64 `json:"amount"`
		PaymentRef      string  `json:"payment_ref"`
		Verified        bool    `json:"verified"`
		VerificationRef string  `json:"verification_ref,omitempty"`
	}
	var req Req
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.Wallet == "" || req.PaymentRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "wallet and payment_ref are required"})
	}
	if req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "amount must be > 0"})
	}
	if req.Verified && req.VerificationRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "verification_ref required for verified entry"})
	}

	tournament, err := s.Lifecycle.GetCurrentActive()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
	}
	if InGraceWindow(time.Now()) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "entries are closed for this cycle (grace period)"})
	}

	limiterClass := utils.LimitEntryPayment
	if req.Verified {
		limiterClass = utils.LimitVerification
	}
	if limit := s.Limiter.CheckLimit(c.Context(), userID, limiterClass); !limit.Allowed {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":    "rate limit exceeded",
			"reset_at": limit.ResetAt,
		})
	}

	lockKey := utils.FingerprintKey("entry_payment", userID, tournament.CycleKey, req.PaymentRef)
	if !s.Idem.AcquireLock(c.Context(), lockKey, idempotencyTTL) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "duplicate payment submission"})
	}

	entry, err := s.recordEntry(tournament.ID, userID, req.DisplayName, req.Wallet, req.Amount, req.Verified, req.VerificationRef)
	if err != nil {
		s.Idem.ReleaseLock(c.Context(), lockKey)
		log.Printf("❌ [ENTRY] persist failed for %s: %v", userID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to record entry"})
	}

	if req.Verified {
		cctx, cancel := utils.CacheContext(c.Context())
		if err := s.Redis.SAdd(cctx, VerificationSetKey(tournament.CycleKey), userID).Err(); err != nil {
			log.Printf("⚠️  [ENTRY] verification marker failed for %s: %v", userID, err)
		}
		cancel()
	}

	// Entry counts feed stats and prize numbers; reconcile now instead of
	// waiting for the minute job.
	if err := s.Lifecycle.SyncAggregates(c.Context(), tournament.CycleKey); err != nil {
		log.Printf("⚠️  [ENTRY] aggregate sync after entry failed: %v", err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": "entry recorded",
		"entry": fiber.Map{
			"tournament":    tournament.CycleKey,
			"user_id":       entry.UserID,
			"display_name":  entry.DisplayName,
			"wallet":        entry.Wallet,
			"paid_standard": entry.PaidStandard,
			"paid_verified": entry.PaidVerified,
		},
	})
}

// recordEntry upserts the (user, tournament) row as one logical operation.
// Concurrent first-entries for the same pair resolve through the unique
// index: the loser of the race retries as an update.
func (s *ScoreService) recordEntry(tournamentID, userID, displayName, wallet string, amount float64, verified bool, verificationRef string) (*models.ParticipantEntry, error) {
	var entry models.ParticipantEntry

	apply := func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tournament_id = ? AND user_id = ?", tournamentID, userID).
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = models.ParticipantEntry{
				ID:           uuid.NewString(),
				TournamentID: tournamentID,
				UserID:       userID,
				DisplayName:  displayName,
				Wallet:       wallet,
			}
			entry.ApplyPayment(amount, verified, verificationRef)
			return tx.Create(&entry).Error
		}
		if err != nil {
			return err
		}
		if displayName != "" {
			entry.DisplayName = displayName
		}
		entry.Wallet = wallet
		entry.ApplyPayment(amount, verified, verificationRef)
		return tx.Save(&entry).Error
	}

	err := s.DB.Transaction(apply)
	if err != nil && isDuplicateKeyError(err) {
		err = s.DB.Transaction(apply)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert participant entry: %w", err)
	}
	return &entry, nil
}

// GetMyRank handles GET /tournaments/current/rank.
func (s *ScoreService) GetMyRank(c *fiber.Ctx) error {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing user context"})
	}

	tournament, err := s.Lifecycle.GetCurrentActive()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "tournament unavailable"})
	}

	rank, err := s.Ranked.Rank(c.Context(), tournament.CycleKey, userID)
	if err != nil {
		if errors.Is(err, ErrNotRanked) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no score recorded this cycle"})
		}
		var entry models.ParticipantEntry
		if dbErr := s.DB.Where("tournament_id = ? AND user_id = ?", tournament.ID, userID).First(&entry).Error; dbErr != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no score recorded this cycle"})
		}
		rank = s.rankFromDB(tournament.ID, &entry)
	}

	return c.JSON(fiber.Map{"rank": rank, "tournament": tournament.CycleKey})
}
