package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pinBoundary(t *testing.T) {
	t.Helper()
	t.Setenv("TOURNAMENT_BOUNDARY_DAY", "0")  // Sunday
	t.Setenv("TOURNAMENT_BOUNDARY_HOUR", "20") // 20:00 UTC
}

// TestNextBoundary_MidWeek
func TestNextBoundary_MidWeek(t *testing.T) {
	pinBoundary(t)

	// Wednesday
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, want, NextBoundary(now))
}

// TestNextBoundary_ExactlyAtBoundary rolls to next week — the instant of the
// boundary already belongs to the new cycle
func TestNextBoundary_ExactlyAtBoundary(t *testing.T) {
	pinBoundary(t)

	now := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)
	want := time.Date(2026, 9, 6, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, want, NextBoundary(now))
}

// TestNextBoundary_SundayBeforeCutoff stays in the current week
func TestNextBoundary_SundayBeforeCutoff(t *testing.T) {
	pinBoundary(t)

	now := time.Date(2026, 8, 30, 19, 59, 59, 0, time.UTC)
	want := time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, want, NextBoundary(now))
}

// TestCycleKeyFor names the cycle after its closing boundary date
func TestCycleKeyFor(t *testing.T) {
	pinBoundary(t)

	assert.Equal(t, "2026-08-30", CycleKeyFor(time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2026-08-30", CycleKeyFor(time.Date(2026, 8, 30, 19, 0, 0, 0, time.UTC)))
	// Crossing the boundary flips to next week's key
	assert.Equal(t, "2026-09-06", CycleKeyFor(time.Date(2026, 8, 30, 20, 0, 1, 0, time.UTC)))
}

// TestCycleKeyFor_BoundaryOverride honors a non-default market schedule
func TestCycleKeyFor_BoundaryOverride(t *testing.T) {
	t.Setenv("TOURNAMENT_BOUNDARY_DAY", "3") // Wednesday
	t.Setenv("TOURNAMENT_BOUNDARY_HOUR", "6")

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) // Tuesday
	assert.Equal(t, "2026-08-26", CycleKeyFor(now))
}

// TestInGraceWindow covers both edges of the 30-minute no-entry window
func TestInGraceWindow(t *testing.T) {
	pinBoundary(t)

	assert.False(t, InGraceWindow(time.Date(2026, 8, 30, 19, 0, 0, 0, time.UTC)))
	assert.False(t, InGraceWindow(time.Date(2026, 8, 30, 19, 29, 59, 0, time.UTC)))
	assert.True(t, InGraceWindow(time.Date(2026, 8, 30, 19, 30, 0, 0, time.UTC)))
	assert.True(t, InGraceWindow(time.Date(2026, 8, 30, 19, 59, 59, 0, time.UTC)))
	// At the boundary the next cycle starts fresh, a full week out
	assert.False(t, InGraceWindow(time.Date(2026, 8, 30, 20, 0, 0, 0, time.UTC)))
}
