package models

import (
	"time"
)

// Tournament represents one weekly leaderboard cycle.
// Exactly one tournament may be active at any instant — the lifecycle
// service enforces this via deactivate-all-then-activate inside a
// transaction, and CycleKey carries a unique index so concurrent rollover
// triggers cannot create the same cycle twice.
type Tournament struct {
	ID       string `json:"id" gorm:"primaryKey"`
	CycleKey string `json:"cycle_key" gorm:"uniqueIndex;not null"` // boundary date, e.g. "2026-08-30"
	IsActive bool   `json:"is_active" gorm:"index;default:false"`

	StartTime time.Time `json:"start_time" gorm:"not null"`
	EndTime   time.Time `json:"end_time" gorm:"not null"`

	// Aggregate counters — derived from participant_entries and corrected
	// by the reconciliation job; never authoritative on their own.
	PlayerCount     int64   `json:"player_count" gorm:"default:0"`
	TotalCollected  float64 `json:"total_collected" gorm:"default:0"`
	PrizePool       float64 `json:"prize_pool" gorm:"default:0"`
	AdminFee        float64 `json:"admin_fee" gorm:"default:0"`
	GuaranteeAmount float64 `json:"guarantee_amount" gorm:"default:0"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// ParticipantEntry tracks one user's relationship with one tournament:
// payment state, best score, and the tie-break timestamp. One row per
// (user, tournament) — upserts must go through the score/entry services,
// which hold the monotonic highest-score rule.
type ParticipantEntry struct {
	ID           string `json:"id" gorm:"primaryKey"`
	TournamentID string `json:"tournament_id" gorm:"not null;index;uniqueIndex:idx_participant_tournament,priority:2"`
	UserID       string `json:"user_id" gorm:"not null;index;uniqueIndex:idx_participant_tournament,priority:1"`

	DisplayName string `json:"display_name"`
	Wallet      string `json:"wallet"`

	// HighestScore only ever moves up for a given row. A lower submission
	// after a higher one is a valid game result but never overwrites.
	HighestScore int64      `json:"highest_score" gorm:"default:0"`
	FirstScoreAt *time.Time `json:"first_score_at,omitempty"` // tie-break: earlier wins on equal score

	// Payment paths: standard entry fee and the verified (identity-checked)
	// entry. Amounts accumulate in case of top-ups.
	PaidStandard   bool    `json:"paid_standard" gorm:"default:false"`
	PaidVerified   bool    `json:"paid_verified" gorm:"default:false"`
	PaidAmount     float64 `json:"paid_amount" gorm:"default:0"`
	VerifiedAmount float64 `json:"verified_amount" gorm:"default:0"`

	// VerificationRef links to the external identity check (black box —
	// we only store the reference the verifier handed back).
	VerificationRef string `json:"verification_ref,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// RecordScore applies one submission to the entry's standings fields.
// HighestScore is monotonic: only a strictly greater score overwrites, so a
// lower result after a personal best changes nothing. FirstScoreAt is set
// exactly once, on the first submission of any value — including zero, which
// is a valid game result and makes the participant rankable.
// improved reports a new personal best; entered reports the participant
// just became rankable.
func (e *ParticipantEntry) RecordScore(score int64, at time.Time) (improved, entered bool) {
	if e.FirstScoreAt == nil {
		t := at.UTC()
		e.FirstScoreAt = &t
		entered = true
	}
	if score > e.HighestScore {
		e.HighestScore = score
		improved = true
	}
	return improved, entered
}

// ApplyPayment folds one confirmed payment into the entry's flags and
// accumulated amounts.
func (e *ParticipantEntry) ApplyPayment(amount float64, verified bool, verificationRef string) {
	if verified {
		e.PaidVerified = true
		e.VerifiedAmount += amount
		if verificationRef != "" {
			e.VerificationRef = verificationRef
		}
		return
	}
	e.PaidStandard = true
	e.PaidAmount += amount
}

// Payout records a settled (or pending) prize transfer for a final rank.
type Payout struct {
	ID           string     `json:"id" gorm:"primaryKey"`
	TournamentID string     `json:"tournament_id" gorm:"not null;index;uniqueIndex:idx_payout_rank,priority:1"`
	UserID       string     `json:"user_id" gorm:"not null;index"`
	Rank         int        `json:"rank" gorm:"not null;uniqueIndex:idx_payout_rank,priority:2"`
	Amount       float64    `json:"amount" gorm:"not null"`
	PayoutRef    string     `json:"payout_reference,omitempty"`
	PaidAt       *time.Time `json:"paid_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at" gorm:"autoCreateTime"`
}
