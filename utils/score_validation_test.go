package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestValidateScore_ZeroAlwaysValid — a first-frame crash is a real game
func TestValidateScore_ZeroAlwaysValid(t *testing.T) {
	assert.NoError(t, ValidateScore(0, 0))
	assert.NoError(t, ValidateScore(0, 100))
}

// TestValidateScore_Negative rejects impossible scores
func TestValidateScore_Negative(t *testing.T) {
	err := ValidateScore(-1, 60_000)
	assert.Error(t, err)

	var verr *ScoreValidationError
	assert.True(t, errors.As(err, &verr))
}

// TestValidateScore_ExceedsMaximum rejects anything over the game ceiling
func TestValidateScore_ExceedsMaximum(t *testing.T) {
	assert.Error(t, ValidateScore(MaxScore+1, 600_000_000))
	assert.NoError(t, ValidateScore(MaxScore, (MaxScore/MaxScorePerSecond+1)*1000))
}

// TestValidateScore_DurationFloor — positive scores need a real game length
func TestValidateScore_DurationFloor(t *testing.T) {
	assert.Error(t, ValidateScore(10, 2_999))
	assert.NoError(t, ValidateScore(10, 3_000))
}

// TestValidateScore_RateBound — score must be earnable within the duration
func TestValidateScore_RateBound(t *testing.T) {
	// 10 seconds at 25/s caps out at 250
	assert.NoError(t, ValidateScore(250, 10_000))
	assert.Error(t, ValidateScore(251, 10_000))

	// Partial seconds do not count toward the bound
	assert.Error(t, ValidateScore(251, 10_999))
	assert.NoError(t, ValidateScore(275, 11_000))
}
