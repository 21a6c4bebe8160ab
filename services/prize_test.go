package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRankPercentagesSumToOne pins the fixed distribution table
func TestRankPercentagesSumToOne(t *testing.T) {
	var sum float64
	for _, pct := range rankPercentages {
		sum += pct
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

// TestComputePrizes_StandardWeek covers a healthy week: 100 collected from
// 12 players, no guarantee
func TestComputePrizes_StandardWeek(t *testing.T) {
	b := ComputePrizes(100.0, 12)

	assert.InDelta(t, 30.0, b.AdminFee, 1e-9)
	assert.InDelta(t, 70.0, b.PrizePool, 1e-9)
	assert.Equal(t, 0.0, b.GuaranteeAmount)
	assert.Equal(t, 10, b.WinnerCount)
	assert.Len(t, b.Ranks, 10)

	// Rank 1 gets 40% of the pool, and with no guarantee the display and
	// actual amounts match everywhere.
	assert.InDelta(t, 28.0, b.Ranks[0].DisplayPrize, 1e-9)
	for _, r := range b.Ranks {
		assert.InDelta(t, r.DisplayPrize, r.ActualPayout, 1e-9)
	}

	// The visible pool is exactly what the rank table distributes.
	var distributed float64
	for _, r := range b.Ranks {
		distributed += r.DisplayPrize
	}
	assert.InDelta(t, b.PrizePool, distributed, 1e-9)
}

// TestComputePrizes_GuaranteeBoundary checks the threshold edge on both sides
func TestComputePrizes_GuaranteeBoundary(t *testing.T) {
	below := ComputePrizes(71.99, 20)
	assert.InDelta(t, 10.0, below.GuaranteeAmount, 1e-9)

	at := ComputePrizes(72.00, 20)
	assert.Equal(t, 0.0, at.GuaranteeAmount)
}

// TestComputePrizes_LowTurnoutWeek covers a quiet week: 6 players paying 6
// total — guarantee tops up exactly the 6 ranked winners
func TestComputePrizes_LowTurnoutWeek(t *testing.T) {
	b := ComputePrizes(6.0, 6)

	assert.InDelta(t, 1.8, b.AdminFee, 1e-9)
	assert.InDelta(t, 4.2, b.PrizePool, 1e-9)
	assert.Equal(t, 6, b.WinnerCount)
	assert.InDelta(t, 6.0, b.GuaranteeAmount, 1e-9)

	// First six ranks get the top-up; ranks beyond the player count keep
	// their advertised amount only.
	for i, r := range b.Ranks {
		if i < 6 {
			assert.InDelta(t, r.DisplayPrize+GuaranteePerWinner, r.ActualPayout, 1e-9, "rank %d", r.Rank)
		} else {
			assert.InDelta(t, r.DisplayPrize, r.ActualPayout, 1e-9, "rank %d", r.Rank)
		}
	}
}

// TestComputePrizes_GuaranteeCapsAtTenWinners verifies a large low-revenue
// week never pays more than ten guarantees
func TestComputePrizes_GuaranteeCapsAtTenWinners(t *testing.T) {
	b := ComputePrizes(50.0, 40)

	assert.Equal(t, 10, b.WinnerCount)
	assert.InDelta(t, 10.0, b.GuaranteeAmount, 1e-9)
}

// TestComputePrizes_DegenerateInputs makes sure garbage in produces a safe
// empty-ish breakdown, not a panic or negative money
func TestComputePrizes_DegenerateInputs(t *testing.T) {
	b := ComputePrizes(-50.0, -3)

	assert.Equal(t, 0.0, b.TotalCollected)
	assert.Equal(t, 0.0, b.AdminFee)
	assert.Equal(t, 0.0, b.PrizePool)
	assert.Equal(t, 0, b.WinnerCount)
	assert.Equal(t, 0.0, b.GuaranteeAmount)

	zero := ComputePrizes(0.0, 0)
	assert.Equal(t, 0, zero.WinnerCount)
	assert.Equal(t, 0.0, zero.GuaranteeAmount)
}

// TestComputePrizes_PoolSplitIsExact verifies fee + pool always reconstructs
// the collected total
func TestComputePrizes_PoolSplitIsExact(t *testing.T) {
	for _, total := range []float64{1, 9.99, 72, 100, 12345.67} {
		b := ComputePrizes(total, 15)
		assert.InDelta(t, total, b.AdminFee+b.PrizePool, 1e-9, "total %v", total)
	}
}
