// Package points computes SAGE and Formation loyalty points for a staking
// position. Both are a fixed rate per whole token per day the position has
// been active, derived entirely from (amount, deposit_timestamp, an end
// timestamp) — the caller supplies "now" so this package never reads the
// wall clock itself.
package points

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sage-finance/sagepoints/internal/model"
)

// Per-token-per-day accrual rates.
var (
	SageRatePerTokenDay      = decimal.NewFromFloat(0.01)
	FormationRatePerTokenDay = decimal.NewFromFloat(0.005)
)

const weiPerToken = -18 // decimal exponent: amount is in wei, 18 places

const secondsPerDay = 86400

// Totals is the pair of point balances accrued by a position.
type Totals struct {
	Sage      decimal.Decimal
	Formation decimal.Decimal
}

// Compute derives the points accrued by pos as of now. The accrual window
// end, T_end, follows spec.md §4.3:
//   - WithdrawalInitiatedTimestamp, if set (Unstaking or Withdrawn) — points
//     stop accruing the instant unstaking begins, not at actual withdrawal;
//   - now, if the position is still Active;
//   - DepositTimestamp otherwise, which yields a zero-duration, zero-point
//     window (a defensive fallback, not expected to be reached in practice).
func Compute(pos model.Position, now time.Time) Totals {
	tEnd := endTimestamp(pos, now)

	if tEnd <= pos.DepositTimestamp || pos.Amount == nil {
		return Totals{Sage: decimal.Zero, Formation: decimal.Zero}
	}

	durationSeconds := tEnd - pos.DepositTimestamp
	days := decimal.NewFromInt(int64(durationSeconds)).Div(decimal.NewFromInt(secondsPerDay))

	tokens := tokenAmount(pos.Amount)

	return Totals{
		Sage:      tokens.Mul(SageRatePerTokenDay).Mul(days),
		Formation: tokens.Mul(FormationRatePerTokenDay).Mul(days),
	}
}

func endTimestamp(pos model.Position, now time.Time) uint64 {
	if pos.WithdrawalInitiatedTimestamp != nil {
		return *pos.WithdrawalInitiatedTimestamp
	}
	if pos.Status == model.StatusActive {
		nowUnix := now.Unix()
		if nowUnix < 0 {
			return pos.DepositTimestamp
		}
		return uint64(nowUnix)
	}
	return pos.DepositTimestamp
}

// tokenAmount converts a wei-denominated on-chain amount to whole-token
// decimal precision without ever routing through float64 — amount can
// exceed 2^53 and silently lose precision if it does.
func tokenAmount(amount *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, weiPerToken)
}
