// Package boost computes boosted reward claims. An account's boost depends on
// its share of governance lock weight in the previous epoch and on how much
// it has already claimed in the current one:
//
//	[0, maxBoostable)          full multiplier M
//	[maxBoostable, fullDecay)  multiplier decays linearly from M to 1
//	[fullDecay, ...)           no boost
//
// Amounts are expressed in boosted units, so a full-boost claim is returned
// unchanged and an unboosted one is divided by M.
package boost

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

// ErrInvalidParameters is returned for a multiplier below 1 or a percentage
// above MaxPct.
var ErrInvalidParameters = errors.New("boost: invalid parameters")

const (
	// PctPrecision scales an account's lock share: 1e9 is 100%.
	PctPrecision = 1_000_000_000
	// MaxPct bounds MaxBoostablePct and DecayBoostPct.
	MaxPct = 10_000
)

// pctDenominator is PctPrecision * 100, undoing both the share scale and the
// whole-percent parameters.
var pctDenominator = uint256.NewInt(PctPrecision * 100)

// Params are the boost shape parameters.
type Params struct {
	// MaxBoostMultiplier is M.
	MaxBoostMultiplier uint64 `json:"max_boost_multiplier"`
	// MaxBoostablePct is the share of an account's pro-rata emissions that
	// receives the full multiplier, in whole percent.
	MaxBoostablePct uint64 `json:"max_boostable_pct"`
	// DecayBoostPct is the width of the decay band, in whole percent.
	DecayBoostPct uint64 `json:"decay_boost_pct"`
}

// DefaultParams returns M = 2 with 100% boostable and a 100% decay band.
func DefaultParams() Params {
	return Params{MaxBoostMultiplier: 2, MaxBoostablePct: 100, DecayBoostPct: 100}
}

// Validate checks M >= 1 and both percentages <= MaxPct.
func (p Params) Validate() error {
	if p.MaxBoostMultiplier < 1 {
		return fmt.Errorf("%w: multiplier %d", ErrInvalidParameters, p.MaxBoostMultiplier)
	}
	if p.MaxBoostablePct > MaxPct || p.DecayBoostPct > MaxPct {
		return fmt.Errorf("%w: pct above %d", ErrInvalidParameters, MaxPct)
	}
	return nil
}

// Thresholds returns maxBoostable and fullDecay for a lock share.
func (p Params) Thresholds(emissions *uint256.Int, pct uint64) (maxBoostable, fullDecay *uint256.Int) {
	share := fixedpoint.Mul(emissions, uint256.NewInt(pct))
	maxBoostable = fixedpoint.MulDiv(share, uint256.NewInt(p.MaxBoostablePct), pctDenominator)
	decay := fixedpoint.MulDiv(share, uint256.NewInt(p.DecayBoostPct), pctDenominator)
	return maxBoostable, fixedpoint.Add(maxBoostable, decay)
}

// BoostedAmount returns the boosted value of claiming amount after previous
// has already been claimed this epoch. A pct of zero means no lock weight and
// yields amount / M.
func BoostedAmount(amount, previous, emissions *uint256.Int, pct uint64, p Params) *uint256.Int {
	m := uint256.NewInt(p.MaxBoostMultiplier)
	if pct == 0 {
		return fixedpoint.Div(amount, m)
	}

	total := fixedpoint.Add(amount, previous)
	maxBoostable, fullDecay := p.Thresholds(emissions, pct)

	if !maxBoostable.Lt(total) {
		return fixedpoint.Clone(amount)
	}
	if !previous.Lt(fullDecay) {
		return fixedpoint.Div(amount, m)
	}

	adjusted := fixedpoint.Zero()
	remaining := fixedpoint.Clone(amount)
	start := fixedpoint.Clone(previous)

	// Part of the claim still inside the full-boost band.
	if start.Lt(maxBoostable) {
		adjusted = fixedpoint.Sub(maxBoostable, start)
		remaining = fixedpoint.Sub(remaining, adjusted)
		start = maxBoostable
	}
	// Part of the claim past the decay band.
	if total.Gt(fullDecay) {
		excess := fixedpoint.Sub(total, fullDecay)
		adjusted = fixedpoint.Add(adjusted, fixedpoint.Div(excess, m))
		remaining = fixedpoint.Sub(remaining, excess)
	}

	width := fixedpoint.Sub(fullDecay, maxBoostable)
	twoM := fixedpoint.Mul(m, uint256.NewInt(2))
	if remaining.Eq(width) {
		// The whole decay band: average multiplier (M+1)/2.
		avg := fixedpoint.MulDiv(remaining, fixedpoint.Add(m, uint256.NewInt(1)), twoM)
		return fixedpoint.Add(adjusted, avg)
	}
	return fixedpoint.Add(adjusted, decayArea(remaining, fixedpoint.Sub(start, maxBoostable), width, m))
}

// decayArea integrates the boosted value over [a, a+amount] of a decay band
// of the given width. The band is a rectangle at 1/M plus a triangle that
// starts at 1 - 1/M and falls to zero:
//
//	amount * (2W + (M-1)(2W - a - b)) / (2MW)
func decayArea(amount, a, width, m *uint256.Int) *uint256.Int {
	if amount.IsZero() {
		return fixedpoint.Zero()
	}
	b := fixedpoint.Add(a, amount)
	twoW := fixedpoint.Mul(width, uint256.NewInt(2))
	mMinusOne := fixedpoint.Sub(m, uint256.NewInt(1))
	triangle := fixedpoint.Mul(mMinusOne, fixedpoint.Sub(twoW, fixedpoint.Add(a, b)))
	num := fixedpoint.Mul(amount, fixedpoint.Add(twoW, triangle))
	den := fixedpoint.Mul(fixedpoint.Mul(uint256.NewInt(2), m), width)
	return fixedpoint.Div(num, den)
}

// LockPct returns accountWeight / totalWeight scaled to PctPrecision. A zero
// total is treated as 1; account weight above the total is capped at 100%.
func LockPct(accountWeight, totalWeight uint64) uint64 {
	if totalWeight == 0 {
		totalWeight = 1
	}
	if accountWeight > totalWeight {
		return PctPrecision
	}
	pct := new(uint256.Int).Mul(uint256.NewInt(accountWeight), uint256.NewInt(PctPrecision))
	pct.Div(pct, uint256.NewInt(totalWeight))
	return pct.Uint64()
}
