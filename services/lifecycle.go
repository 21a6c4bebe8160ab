// services/lifecycle.go
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"weekly-tournament-system/models"
	"weekly-tournament-system/utils"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Phase is the lifecycle position of the current moment relative to the
// active tournament's window.
type Phase string

const (
	PhasePending    Phase = "PENDING" // no active tournament
	PhaseActive     Phase = "ACTIVE"
	PhaseGrace      Phase = "GRACE" // final window: no new entries, scores still accepted
	PhaseRolledOver Phase = "ROLLED_OVER"

	// GraceWindow precedes the weekly boundary. In-flight games finish and
	// submit; nobody new buys in.
	GraceWindow = 30 * time.Minute

	cycleLength = 7 * 24 * time.Hour
)

// ErrNoActiveTournament indicates the lifecycle invariant is currently in
// its recoverable degraded state (zero active) — surfaced loudly, never
// silently defaulted.
var ErrNoActiveTournament = errors.New("no active tournament")

// Weekly boundary: fixed weekday and hour (UTC). Defaults to Sunday 20:00,
// overridable for other markets via env.
func boundarySpec() (time.Weekday, int) {
	day := time.Sunday
	if v := os.Getenv("TOURNAMENT_BOUNDARY_DAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 6 {
			day = time.Weekday(n)
		}
	}
	hour := 20
	if v := os.Getenv("TOURNAMENT_BOUNDARY_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 23 {
			hour = n
		}
	}
	return day, hour
}

// NextBoundary returns the first cycle boundary at or after now. The
// current cycle is keyed to this date: before this week's boundary the
// cycle belongs to it, after it the cycle belongs to next week's.
func NextBoundary(now time.Time) time.Time {
	day, hour := boundarySpec()
	now = now.UTC()

	daysAhead := (int(day) - int(now.Weekday()) + 7) % 7
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC).AddDate(0, 0, daysAhead)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

// CycleKeyFor computes the calendar key naming the cycle now falls in.
func CycleKeyFor(now time.Time) string {
	return NextBoundary(now).Format("2006-01-02")
}

// InGraceWindow reports whether now sits inside the final window before
// the boundary.
func InGraceWindow(now time.Time) bool {
	return NextBoundary(now).Sub(now.UTC()) <= GraceWindow
}

// LifecycleService drives tournament creation, activation, grace and
// rollover. All transitions are idempotent: the scheduled trigger, the
// manual backup trigger and a racing operator call must all converge on
// the same single active tournament.
type LifecycleService struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Ranked      *LeaderboardStore
	Coordinator *CacheCoordinator
}

func NewLifecycleService(db *gorm.DB, rdb *redis.Client, ranked *LeaderboardStore, coordinator *CacheCoordinator) *LifecycleService {
	return &LifecycleService{DB: db, Redis: rdb, Ranked: ranked, Coordinator: coordinator}
}

// GetCurrentActive returns the single active tournament or
// ErrNoActiveTournament.
func (s *LifecycleService) GetCurrentActive() (*models.Tournament, error) {
	var tournaments []models.Tournament
	if err := s.DB.Where("is_active = ?", true).Find(&tournaments).Error; err != nil {
		return nil, fmt.Errorf("fetch active tournament: %w", err)
	}
	switch len(tournaments) {
	case 0:
		return nil, ErrNoActiveTournament
	case 1:
		return &tournaments[0], nil
	default:
		// Invariant violation — this corrupts ranking and payouts if it
		// leaks, so it is fatal configuration, not a default-to-first.
		return nil, fmt.Errorf("lifecycle invariant violated: %d tournaments active", len(tournaments))
	}
}

// PhaseNow classifies the current moment for the entry/write paths.
func (s *LifecycleService) PhaseNow() Phase {
	if _, err := s.GetCurrentActive(); err != nil {
		return PhasePending
	}
	if InGraceWindow(time.Now()) {
		return PhaseGrace
	}
	return PhaseActive
}

// EnsureCurrentTournament is the rollover entry point. Safe to call
// redundantly and concurrently: the unique constraint on cycle_key is the
// arbiter, and a duplicate-key error means another caller already created
// the cycle — we just proceed to activation. If deactivation succeeds but
// creation fails the system is left PENDING (zero active), never with two
// active tournaments.
func (s *LifecycleService) EnsureCurrentTournament(ctx context.Context) (*models.Tournament, error) {
	now := time.Now().UTC()
	key := CycleKeyFor(now)
	boundary := NextBoundary(now)

	var previousKey string
	if current, err := s.GetCurrentActive(); err == nil && current.CycleKey != key {
		previousKey = current.CycleKey
	}

	var existing models.Tournament
	err := s.DB.Where("cycle_key = ?", key).First(&existing).Error
	if err == nil {
		if activateErr := s.activateOnly(existing.ID); activateErr != nil {
			return nil, activateErr
		}
		existing.IsActive = true
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lookup cycle %s: %w", key, err)
	}

	created := &models.Tournament{
		ID:        uuid.NewString(),
		CycleKey:  key,
		IsActive:  true,
		StartTime: boundary.Add(-cycleLength),
		EndTime:   boundary,
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Deactivate first. A failure after this point leaves PENDING,
		// which is visible and recoverable; two active cycles are not.
		if err := tx.Model(&models.Tournament{}).Where("is_active = ?", true).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Create(created).Error
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			// Lost the race — the other caller's row wins.
			log.Printf("[LIFECYCLE] cycle %s already created concurrently, activating existing", key)
			var won models.Tournament
			if ferr := s.DB.Where("cycle_key = ?", key).First(&won).Error; ferr != nil {
				return nil, fmt.Errorf("fetch concurrently created cycle %s: %w", key, ferr)
			}
			if aerr := s.activateOnly(won.ID); aerr != nil {
				return nil, aerr
			}
			won.IsActive = true
			return &won, nil
		}
		return nil, fmt.Errorf("create cycle %s: %w", key, err)
	}

	log.Printf("✅ [LIFECYCLE] created tournament %s (cycle %s, %s → %s)", created.ID, key,
		created.StartTime.Format(time.RFC3339), created.EndTime.Format(time.RFC3339))

	s.resetWeeklyVerification(ctx, previousKey)

	// Old cycle's caches are now history; the new cycle starts cold and is
	// warmed immediately so the first reader after rollover isn't punished.
	if previousKey != "" {
		s.Coordinator.Invalidate(ctx, ScopeAll, previousKey, false, "rollover")
		_ = s.Ranked.Clear(ctx, previousKey)
	}
	_ = s.Ranked.Clear(ctx, key)
	s.Coordinator.Invalidate(ctx, ScopeAll, key, true, "rollover")

	return created, nil
}

// activateOnly flips the target active and everything else inactive in one
// transaction.
func (s *LifecycleService) activateOnly(tournamentID string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Tournament{}).Where("id != ? AND is_active = ?", tournamentID, true).Update("is_active", false).Error; err != nil {
			return err
		}
		return tx.Model(&models.Tournament{}).Where("id = ?", tournamentID).Update("is_active", true).Error
	})
}

// resetWeeklyVerification drops the expiring cycle's verification marker
// set. Verification is weekly-scoped: it lives in Redis keyed by cycle so
// the reset is one DEL, and durable payment rows keep their audit trail.
func (s *LifecycleService) resetWeeklyVerification(ctx context.Context, previousKey string) {
	if previousKey == "" {
		return
	}
	cctx, cancel := utils.CacheContext(ctx)
	defer cancel()
	if err := s.Redis.Del(cctx, VerificationSetKey(previousKey)).Err(); err != nil {
		log.Printf("⚠️  [LIFECYCLE] failed to reset verification set for %s: %v", previousKey, err)
	}
}

// SyncAggregates recomputes player count and collected totals from the
// participant rows and writes them (plus the derived prize numbers) back
// onto the tournament record. This is the reconciliation path: cached and
// derived counters drift, ground truth does not.
func (s *LifecycleService) SyncAggregates(ctx context.Context, cycleKey string) error {
	var t models.Tournament
	if err := s.DB.Where("cycle_key = ?", cycleKey).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("sync aggregates: cycle %s not found", cycleKey)
		}
		return fmt.Errorf("sync aggregates: %w", err)
	}

	var agg struct {
		PlayerCount    int64
		TotalCollected float64
	}
	err := s.DB.Model(&models.ParticipantEntry{}).
		Select("COUNT(*) AS player_count, COALESCE(SUM(paid_amount + verified_amount), 0) AS total_collected").
		Where("tournament_id = ?", t.ID).
		Scan(&agg).Error
	if err != nil {
		return fmt.Errorf("sync aggregates for %s: %w", cycleKey, err)
	}

	breakdown := ComputePrizes(agg.TotalCollected, int(agg.PlayerCount))
	updates := map[string]interface{}{
		"player_count":     agg.PlayerCount,
		"total_collected":  agg.TotalCollected,
		"prize_pool":       breakdown.PrizePool,
		"admin_fee":        breakdown.AdminFee,
		"guarantee_amount": breakdown.GuaranteeAmount,
	}
	if err := s.DB.Model(&t).Updates(updates).Error; err != nil {
		return fmt.Errorf("write aggregates for %s: %w", cycleKey, err)
	}

	s.Coordinator.Invalidate(ctx, ScopeStats, cycleKey, false, "aggregate_sync")
	s.Coordinator.Invalidate(ctx, ScopePrizes, cycleKey, false, "aggregate_sync")
	return nil
}

// StartScheduler runs the in-process safety net: the external trigger is
// the primary driver, these jobs catch the case where it never fires.
func (s *LifecycleService) StartScheduler() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("❌ [LIFECYCLE] scheduler init failed: %v", err)
		return
	}

	_, _ = sched.NewJob(
		gocron.DurationJob(5*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := s.EnsureCurrentTournament(ctx); err != nil {
				log.Printf("❌ [LIFECYCLE] scheduled rollover check failed: %v", err)
			}
		}),
	)

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			current, err := s.GetCurrentActive()
			if err != nil {
				if !errors.Is(err, ErrNoActiveTournament) {
					log.Printf("❌ [LIFECYCLE] aggregate sync skipped: %v", err)
				}
				return
			}
			if err := s.SyncAggregates(ctx, current.CycleKey); err != nil {
				log.Printf("❌ [LIFECYCLE] aggregate sync failed: %v", err)
			}
		}),
	)

	sched.Start()
	log.Println("✅ Lifecycle scheduler running (rollover check 5m, aggregate sync 1m)")
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// Postgres 23505 surfaces differently across driver versions.
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
