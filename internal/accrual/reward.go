// Package accrual derives live rewards and lock countdowns from a snapshot
// without further chain calls.
package accrual

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/moltbunker/stakedash/pkg/types"
)

// RewardDecimals is the fixed-point scale of the reward token.
const RewardDecimals = 18

var (
	weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(RewardDecimals), nil)
)

// LivePending is rewardRate × max(0, nowSec − lastClaimTime).
func LivePending(s types.Stake, nowSec uint64) *big.Int {
	if s.RewardRate == nil || nowSec <= s.LastClaimTime {
		return new(big.Int)
	}
	elapsed := new(big.Int).SetUint64(nowSec - s.LastClaimTime)
	return elapsed.Mul(elapsed, s.RewardRate)
}

// Unlocked reports nowSec ≥ lockEndTime.
func Unlocked(s types.Stake, nowSec uint64) bool {
	return nowSec >= s.LockEndTime
}

// Remaining is the number of seconds until the lock ends.
func Remaining(s types.Stake, nowSec uint64) uint64 {
	if Unlocked(s, nowSec) {
		return 0
	}
	return s.LockEndTime - nowSec
}

// SumPending adds LivePending over stakes.
func SumPending(stakes []types.Stake, nowSec uint64) *big.Int {
	total := new(big.Int)
	for _, s := range stakes {
		total.Add(total, LivePending(s, nowSec))
	}
	return total
}

// formatFixed renders v / 10^RewardDecimals with places truncated fractional
// digits using integer division only.
func formatFixed(v *big.Int, places int) string {
	if v == nil {
		v = new(big.Int)
	}
	abs := new(big.Int).Abs(v)
	integer, frac := new(big.Int).QuoRem(abs, weiPerToken, new(big.Int))

	sign := ""
	if v.Sign() < 0 {
		sign = "-"
	}
	if places <= 0 {
		return sign + integer.String()
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(RewardDecimals-places)), nil)
	frac.Quo(frac, scale)
	digits := frac.String()
	return sign + integer.String() + "." + strings.Repeat("0", places-len(digits)) + digits
}

// FormatReward6 renders wei with six truncated decimals, as live yield cells do.
func FormatReward6(v *big.Int) string {
	return formatFixed(v, 6)
}

// FormatReward4 renders wei with four truncated decimals for stats.
func FormatReward4(v *big.Int) string {
	return formatFixed(v, 4)
}

// FormatUnits renders a token amount with the token's own decimals,
// truncated to places.
func FormatUnits(v *big.Int, decimals uint8, places int32) string {
	if v == nil {
		v = new(big.Int)
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).Truncate(places).StringFixed(places)
}

// Countdown renders remaining seconds as "{d}d {h}h {m}m {s}s", or READY.
func Countdown(remaining uint64) string {
	if remaining == 0 {
		return "READY"
	}
	d := remaining / 86400
	h := remaining % 86400 / 3600
	m := remaining % 3600 / 60
	s := remaining % 60
	return fmt.Sprintf("%dd %dh %dm %ds", d, h, m, s)
}
