// utils/score_validation.go
package utils

import "fmt"

// Plausibility bounds derived from game mechanics: the runner cannot earn
// more than MaxScorePerSecond even with a perfect run, and a real game that
// produced points lasts at least MinGameDurationMs.
const (
	MaxScore          int64 = 1_000_000
	MinGameDurationMs int64 = 3_000
	MaxScorePerSecond int64 = 25
)

// ScoreValidationError carries the specific rejection reason surfaced to
// the caller. These are terminal — never retried.
type ScoreValidationError struct {
	Reason string
}

func (e *ScoreValidationError) Error() string { return e.Reason }

// ValidateScore is the stateless anti-cheat check on the write path.
// A zero score is always valid: a player may crash on the first frame.
func ValidateScore(score int64, gameDurationMs int64) error {
	if score < 0 {
		return &ScoreValidationError{Reason: "score cannot be negative"}
	}
	if score > MaxScore {
		return &ScoreValidationError{Reason: fmt.Sprintf("score exceeds maximum of %d", MaxScore)}
	}
	if score == 0 {
		return nil
	}
	if gameDurationMs < MinGameDurationMs {
		return &ScoreValidationError{Reason: fmt.Sprintf("game duration below minimum of %dms", MinGameDurationMs)}
	}
	// Physical upper bound: floor(duration in seconds) * max rate.
	maxPossible := (gameDurationMs / 1000) * MaxScorePerSecond
	if score > maxPossible {
		return &ScoreValidationError{Reason: fmt.Sprintf("score %d not achievable in %dms (max %d)", score, gameDurationMs, maxPossible)}
	}
	return nil
}
