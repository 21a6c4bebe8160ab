package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"weekly-tournament-system/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newLifecycleFixture(t *testing.T) (*LifecycleService, *gorm.DB, *redis.Client) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "tournaments.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Tournament{}, &models.ParticipantEntry{}, &models.Payout{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cache := NewResponseCache(rdb)
	coordinator := NewCacheCoordinator(cache, rdb)
	ranked := NewLeaderboardStore(rdb)
	return NewLifecycleService(db, rdb, ranked, coordinator), db, rdb
}

func activeCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Tournament{}).Where("is_active = ?", true).Count(&n).Error)
	return n
}

// TestEnsureCurrentTournament_IsIdempotent — redundant triggers converge on
// one record for the cycle, still active
func TestEnsureCurrentTournament_IsIdempotent(t *testing.T) {
	pinBoundary(t)
	svc, db, _ := newLifecycleFixture(t)
	ctx := context.Background()

	first, err := svc.EnsureCurrentTournament(ctx)
	require.NoError(t, err)
	second, err := svc.EnsureCurrentTournament(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, CycleKeyFor(time.Now()), first.CycleKey)

	var rows int64
	require.NoError(t, db.Model(&models.Tournament{}).Where("cycle_key = ?", first.CycleKey).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
	assert.Equal(t, int64(1), activeCount(t, db))
}

// TestEnsureCurrentTournament_RolloverDeactivatesPrevious — crossing a
// boundary leaves exactly one active tournament and resets the expiring
// cycle's verification set
func TestEnsureCurrentTournament_RolloverDeactivatesPrevious(t *testing.T) {
	pinBoundary(t)
	svc, db, rdb := newLifecycleFixture(t)
	ctx := context.Background()

	oldKey := "2020-01-05"
	old := models.Tournament{
		ID:        uuid.NewString(),
		CycleKey:  oldKey,
		IsActive:  true,
		StartTime: time.Date(2019, 12, 29, 20, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2020, 1, 5, 20, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(&old).Error)
	require.NoError(t, rdb.SAdd(ctx, VerificationSetKey(oldKey), "user-1").Err())

	current, err := svc.EnsureCurrentTournament(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, current.CycleKey)
	assert.Equal(t, int64(1), activeCount(t, db))

	var reloaded models.Tournament
	require.NoError(t, db.Where("id = ?", old.ID).First(&reloaded).Error)
	assert.False(t, reloaded.IsActive)

	// Weekly verification reset rode the rollover
	exists, err := rdb.Exists(ctx, VerificationSetKey(oldKey)).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}

// TestEnsureCurrentTournament_AdoptsExistingCycleRow — when another instance
// already created this cycle, the trigger activates that row instead of
// erroring or duplicating
func TestEnsureCurrentTournament_AdoptsExistingCycleRow(t *testing.T) {
	pinBoundary(t)
	svc, db, _ := newLifecycleFixture(t)
	ctx := context.Background()

	key := CycleKeyFor(time.Now())
	existing := models.Tournament{
		ID:        uuid.NewString(),
		CycleKey:  key,
		IsActive:  false,
		StartTime: NextBoundary(time.Now()).Add(-7 * 24 * time.Hour),
		EndTime:   NextBoundary(time.Now()),
	}
	require.NoError(t, db.Create(&existing).Error)

	got, err := svc.EnsureCurrentTournament(ctx)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, got.ID)
	assert.True(t, got.IsActive)

	var rows int64
	require.NoError(t, db.Model(&models.Tournament{}).Where("cycle_key = ?", key).Count(&rows).Error)
	assert.Equal(t, int64(1), rows)
	assert.Equal(t, int64(1), activeCount(t, db))
}

// TestCycleKeyUniquenessIsEnforced — the constraint that arbitrates racing
// creates actually holds at the schema layer
func TestCycleKeyUniquenessIsEnforced(t *testing.T) {
	_, db, _ := newLifecycleFixture(t)

	a := models.Tournament{ID: uuid.NewString(), CycleKey: "2026-08-30", StartTime: time.Now(), EndTime: time.Now()}
	b := models.Tournament{ID: uuid.NewString(), CycleKey: "2026-08-30", StartTime: time.Now(), EndTime: time.Now()}
	require.NoError(t, db.Create(&a).Error)

	err := db.Create(&b).Error
	require.Error(t, err)
	assert.True(t, isDuplicateKeyError(err))
}

// TestIsDuplicateKeyError_RecognizesDriverShapes
func TestIsDuplicateKeyError_RecognizesDriverShapes(t *testing.T) {
	assert.True(t, isDuplicateKeyError(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKeyError(errors.New(`duplicate key value violates unique constraint "idx_tournaments_cycle_key"`)))
	assert.True(t, isDuplicateKeyError(errors.New("ERROR: 23505")))
	assert.False(t, isDuplicateKeyError(errors.New("connection refused")))
}

// TestGetCurrentActive_RefusesTwoActive — a corrupted state is surfaced
// loudly, never defaulted to the first row
func TestGetCurrentActive_RefusesTwoActive(t *testing.T) {
	svc, db, _ := newLifecycleFixture(t)

	for _, key := range []string{"2026-08-23", "2026-08-30"} {
		require.NoError(t, db.Create(&models.Tournament{
			ID: uuid.NewString(), CycleKey: key, IsActive: true,
			StartTime: time.Now(), EndTime: time.Now(),
		}).Error)
	}

	_, err := svc.GetCurrentActive()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoActiveTournament)
}

// TestGetCurrentActive_NoneActive
func TestGetCurrentActive_NoneActive(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t)

	_, err := svc.GetCurrentActive()
	assert.ErrorIs(t, err, ErrNoActiveTournament)
}
