package points

import (
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/sage-finance/sagepoints/internal/model"
)

func oneToken() *big.Int {
	v, _ := new(big.Int).SetString("1000000000000000000", 10)
	return v
}

func TestCompute_ActivePosition_AccruesToNow(t *testing.T) {
	depositedAt := uint64(1_700_000_000)
	now := time.Unix(int64(depositedAt)+10*secondsPerDay, 0)

	pos := model.Position{
		Amount:           oneToken(),
		DepositTimestamp: depositedAt,
		Status:           model.StatusActive,
	}

	got := Compute(pos, now)

	wantSage := decimal.NewFromFloat(0.1)      // 1 token * 0.01/day * 10 days
	wantFormation := decimal.NewFromFloat(0.05) // 1 token * 0.005/day * 10 days
	assert.True(t, wantSage.Equal(got.Sage), "sage: got %s want %s", got.Sage, wantSage)
	assert.True(t, wantFormation.Equal(got.Formation), "formation: got %s want %s", got.Formation, wantFormation)
}

func TestCompute_UnstakingPosition_StopsAtInitiateWithdraw(t *testing.T) {
	depositedAt := uint64(1_700_000_000)
	initiatedAt := depositedAt + 5*secondsPerDay
	farFuture := time.Unix(int64(depositedAt)+365*secondsPerDay, 0)

	pos := model.Position{
		Amount:                       oneToken(),
		DepositTimestamp:             depositedAt,
		Status:                       model.StatusUnstaking,
		WithdrawalInitiatedTimestamp: &initiatedAt,
	}

	got := Compute(pos, farFuture)

	wantSage := decimal.NewFromFloat(0.05) // 5 days, unaffected by "now" being a year later
	assert.True(t, wantSage.Equal(got.Sage), "sage: got %s want %s", got.Sage, wantSage)
}

func TestCompute_WithdrawnPosition_UsesWithdrawalInitiatedTimestamp(t *testing.T) {
	depositedAt := uint64(1_700_000_000)
	initiatedAt := depositedAt + 2*secondsPerDay
	now := time.Unix(int64(depositedAt)+100*secondsPerDay, 0)

	pos := model.Position{
		Amount:                       oneToken(),
		DepositTimestamp:             depositedAt,
		Status:                       model.StatusWithdrawn,
		WithdrawalInitiatedTimestamp: &initiatedAt,
	}

	got := Compute(pos, now)

	wantFormation := decimal.NewFromFloat(0.01) // 2 days * 0.005
	assert.True(t, wantFormation.Equal(got.Formation), "formation: got %s want %s", got.Formation, wantFormation)
}

func TestCompute_ZeroDurationFallback_YieldsZeroPoints(t *testing.T) {
	depositedAt := uint64(1_700_000_000)
	pos := model.Position{
		Amount:           oneToken(),
		DepositTimestamp: depositedAt,
		Status:           model.StatusWithdrawn,
		// WithdrawalInitiatedTimestamp intentionally nil: malformed data,
		// falls back to DepositTimestamp per spec.md §4.3.
	}

	got := Compute(pos, time.Unix(int64(depositedAt)+999, 0))

	assert.True(t, decimal.Zero.Equal(got.Sage))
	assert.True(t, decimal.Zero.Equal(got.Formation))
}

func TestCompute_LargeAmount_NoPrecisionLoss(t *testing.T) {
	// 10 million tokens, well beyond float64's 2^53 exact-integer range once
	// expressed in wei.
	amount, _ := new(big.Int).SetString("10000000000000000000000000", 10)
	depositedAt := uint64(0)
	initiatedAt := uint64(secondsPerDay)

	pos := model.Position{
		Amount:                       amount,
		DepositTimestamp:             depositedAt,
		Status:                       model.StatusUnstaking,
		WithdrawalInitiatedTimestamp: &initiatedAt,
	}

	got := Compute(pos, time.Unix(0, 0))

	wantSage := decimal.NewFromInt(10_000_000).Mul(decimal.NewFromFloat(0.01))
	assert.True(t, wantSage.Equal(got.Sage), "sage: got %s want %s", got.Sage, wantSage)
}
