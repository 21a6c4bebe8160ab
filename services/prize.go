// services/prize.go
package services

// Prize economics. The split is fixed product policy: 30% admin fee, 70%
// visible prize pool. When a week collects less than GuaranteeThreshold the
// admin tops winners up by GuaranteePerWinner each — the top-up comes out of
// the admin share and is never shown inside the player-facing pool.
const (
	AdminFeeRate       = 0.30
	GuaranteeThreshold = 72.0
	GuaranteePerWinner = 1.0
	PaidRankCount      = 10

	// MinPlayersForPayout is a caller precondition: below this, entries
	// are refunded instead of any prize run. ComputePrizes itself does not
	// check it — it only answers "what would the distribution be".
	MinPlayersForPayout = 5
)

// rankPercentages sums to exactly 1.00 across the ten paid ranks.
var rankPercentages = [PaidRankCount]float64{0.40, 0.22, 0.14, 0.06, 0.05, 0.04, 0.03, 0.02, 0.02, 0.02}

// RankPrize is one row of the breakdown: the advertised amount and the
// amount actually transferred (advertised + guarantee share, if any).
type RankPrize struct {
	Rank         int     `json:"rank"`
	Percentage   float64 `json:"percentage"`
	DisplayPrize float64 `json:"display_prize"`
	ActualPayout float64 `json:"actual_payout"`
}

// PrizeBreakdown is the full output of one prize computation.
type PrizeBreakdown struct {
	TotalCollected  float64     `json:"total_collected"`
	AdminFee        float64     `json:"admin_fee"`
	PrizePool       float64     `json:"prize_pool"` // player-facing pool, always 70% of collected
	GuaranteeAmount float64     `json:"guarantee_amount"`
	WinnerCount     int         `json:"winner_count"`
	Ranks           []RankPrize `json:"ranks"`
}

// ComputePrizes is pure: same inputs, same breakdown, no I/O.
func ComputePrizes(totalCollected float64, playerCount int) PrizeBreakdown {
	if totalCollected < 0 {
		totalCollected = 0
	}

	adminFee := totalCollected * AdminFeeRate
	prizePool := totalCollected - adminFee

	winners := playerCount
	if winners > PaidRankCount {
		winners = PaidRankCount
	}
	if winners < 0 {
		winners = 0
	}

	var guarantee float64
	if totalCollected < GuaranteeThreshold {
		guarantee = GuaranteePerWinner * float64(winners)
	}

	ranks := make([]RankPrize, 0, PaidRankCount)
	for i, pct := range rankPercentages {
		display := prizePool * pct
		actual := display
		if guarantee > 0 && i < winners {
			actual += GuaranteePerWinner
		}
		ranks = append(ranks, RankPrize{
			Rank:         i + 1,
			Percentage:   pct,
			DisplayPrize: display,
			ActualPayout: actual,
		})
	}

	return PrizeBreakdown{
		TotalCollected:  totalCollected,
		AdminFee:        adminFee,
		PrizePool:       prizePool,
		GuaranteeAmount: guarantee,
		WinnerCount:     winners,
		Ranks:           ranks,
	}
}
