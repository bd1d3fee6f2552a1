// Package oracle resolves a single trusted price from a primary and a
// secondary feed.
//
// Resolution is a five-state machine. Each call inspects the current and
// previous primary rounds and the current secondary value, classifies each
// as broken, frozen or live, and either adopts one feed's price or falls back
// to the last good price. An untrusted reading never replaces the last good
// price.
package oracle

import (
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

// Params tune the badness predicates.
type Params struct {
	// Timeout after which a reading is considered frozen.
	Timeout time.Duration
	// MaxPriceDeviation is the largest tolerated primary move between two
	// consecutive rounds, relative to the larger price (0.5e18 = 50%).
	MaxPriceDeviation *uint256.Int
	// MaxPriceDifference is the largest gap at which both feeds are considered
	// to agree, relative to the smaller price (0.05e18 = 5%).
	MaxPriceDifference *uint256.Int
	// SecondaryDecimals is the precision of SecondaryResponse.Value.
	SecondaryDecimals uint8
}

// DefaultParams returns a 4 hour timeout, 50% deviation, 5% difference and a
// 6-decimal secondary.
func DefaultParams() Params {
	return Params{
		Timeout:            4 * time.Hour,
		MaxPriceDeviation:  fixedpoint.MustDecimal("0.5"),
		MaxPriceDifference: fixedpoint.MustDecimal("0.05"),
		SecondaryDecimals:  6,
	}
}

// State is the persistent state of one feed pair.
type State struct {
	Status             Status
	LastGoodPrice      *uint256.Int
	LastPrimaryRoundID *big.Int
	LastUpdate         time.Time
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.LastGoodPrice = fixedpoint.Clone(s.LastGoodPrice)
	if s.LastPrimaryRoundID != nil {
		s.LastPrimaryRoundID = new(big.Int).Set(s.LastPrimaryRoundID)
	}
	return s
}

// Readings is everything a resolution looks at.
type Readings struct {
	Current   PrimaryResponse
	Previous  PrimaryResponse
	Secondary SecondaryResponse
}

// Adopted tells which feed, if any, supplied the resolved price.
type Adopted uint8

const (
	AdoptedNone Adopted = iota
	AdoptedPrimary
	AdoptedSecondary
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	State   State
	Adopted Adopted
}

// Price is the price a caller should use, which is always the last good price.
func (r Resolution) Price() *uint256.Int {
	return fixedpoint.Clone(r.State.LastGoodPrice)
}

// classified holds the predicates of one set of readings.
type classified struct {
	primaryBroken    bool
	primaryFrozen    bool
	primaryExcessive bool
	secondaryBroken  bool
	secondaryFrozen  bool

	primaryPrice   *uint256.Int
	secondaryPrice *uint256.Int
}

func classify(r Readings, p Params, now time.Time) classified {
	ts := uint64(now.Unix())
	var c classified

	c.primaryBroken = badPrimary(r.Current, ts) || badPrimary(r.Previous, ts)
	if !c.primaryBroken {
		c.primaryPrice = scalePrimary(r.Current)
		c.primaryFrozen = frozen(r.Current.Timestamp, ts, p.Timeout)
		c.primaryExcessive = changeAboveMax(c.primaryPrice, scalePrimary(r.Previous), p.MaxPriceDeviation)
	}

	c.secondaryBroken = badSecondary(r.Secondary, ts)
	if !c.secondaryBroken {
		c.secondaryPrice = fixedpoint.ScaleDecimals(r.Secondary.Value, p.SecondaryDecimals)
		c.secondaryFrozen = frozen(r.Secondary.Timestamp, ts, p.Timeout)
	}
	return c
}

func badPrimary(r PrimaryResponse, now uint64) bool {
	switch {
	case !r.Success:
		return true
	case r.RoundID == nil || r.RoundID.Sign() <= 0:
		return true
	case r.Timestamp == 0 || r.Timestamp > now:
		return true
	case r.Answer == nil || r.Answer.Sign() <= 0:
		return true
	}
	return false
}

func badSecondary(r SecondaryResponse, now uint64) bool {
	switch {
	case !r.Success:
		return true
	case r.Timestamp == 0 || r.Timestamp > now:
		return true
	case r.Value == nil || r.Value.IsZero():
		return true
	}
	return false
}

func frozen(ts, now uint64, timeout time.Duration) bool {
	return now-ts > uint64(timeout/time.Second)
}

func scalePrimary(r PrimaryResponse) *uint256.Int {
	v, overflow := uint256.FromBig(new(big.Int).Set(r.Answer))
	if overflow {
		panic(&fixedpoint.Error{Op: "scale primary", Err: fixedpoint.ErrOverflow})
	}
	return fixedpoint.ScaleDecimals(v, r.Decimals)
}

// changeAboveMax reports whether (max-min)/max exceeds the deviation.
func changeAboveMax(current, previous, maxDeviation *uint256.Int) bool {
	lo := fixedpoint.Min(current, previous)
	hi := fixedpoint.Max(current, previous)
	dev := fixedpoint.MulDiv(fixedpoint.Sub(hi, lo), fixedpoint.Precision, hi)
	return dev.Gt(maxDeviation)
}

// similar reports whether (max-min)/min is within the allowed difference.
func similar(a, b, maxDifference *uint256.Int) bool {
	lo := fixedpoint.Min(a, b)
	hi := fixedpoint.Max(a, b)
	diff := fixedpoint.MulDiv(fixedpoint.Sub(hi, lo), fixedpoint.Precision, lo)
	return !diff.Gt(maxDifference)
}

func (c classified) bothLiveAndSimilar(p Params) bool {
	if c.primaryBroken || c.primaryFrozen || c.secondaryBroken || c.secondaryFrozen {
		return false
	}
	return similar(c.primaryPrice, c.secondaryPrice, p.MaxPriceDifference)
}

// Resolve runs one step of the state machine. It does not mutate prev.
// Arithmetic failures panic with *fixedpoint.Error.
func Resolve(prev State, r Readings, p Params, now time.Time) Resolution {
	c := classify(r, p, now)
	s := prev.Clone()
	s.LastUpdate = now

	keep := func(status Status) Resolution {
		s.Status = status
		return Resolution{State: s, Adopted: AdoptedNone}
	}
	usePrimary := func(status Status) Resolution {
		s.Status = status
		s.LastGoodPrice = c.primaryPrice
		s.LastPrimaryRoundID = new(big.Int).Set(r.Current.RoundID)
		return Resolution{State: s, Adopted: AdoptedPrimary}
	}
	useSecondary := func(status Status) Resolution {
		s.Status = status
		s.LastGoodPrice = c.secondaryPrice
		return Resolution{State: s, Adopted: AdoptedSecondary}
	}

	switch prev.Status {
	case PrimaryTrusted:
		if c.primaryBroken {
			if c.secondaryBroken {
				return keep(BothDistrusted)
			}
			if c.secondaryFrozen {
				return keep(SecondaryTrustedPrimaryDistrusted)
			}
			return useSecondary(SecondaryTrustedPrimaryDistrusted)
		}
		if c.primaryFrozen {
			if c.secondaryBroken {
				return keep(PrimaryTrustedSecondaryDistrusted)
			}
			if c.secondaryFrozen {
				return keep(SecondaryTrustedPrimaryFrozen)
			}
			return useSecondary(SecondaryTrustedPrimaryFrozen)
		}
		if c.primaryExcessive {
			if c.secondaryBroken {
				return keep(BothDistrusted)
			}
			if c.secondaryFrozen {
				return keep(SecondaryTrustedPrimaryDistrusted)
			}
			if similar(c.primaryPrice, c.secondaryPrice, p.MaxPriceDifference) {
				return usePrimary(PrimaryTrusted)
			}
			return useSecondary(SecondaryTrustedPrimaryDistrusted)
		}
		if c.secondaryBroken {
			return usePrimary(PrimaryTrustedSecondaryDistrusted)
		}
		return usePrimary(PrimaryTrusted)

	case SecondaryTrustedPrimaryDistrusted:
		if c.bothLiveAndSimilar(p) {
			return usePrimary(PrimaryTrusted)
		}
		if c.secondaryBroken {
			return keep(BothDistrusted)
		}
		if c.secondaryFrozen {
			return keep(prev.Status)
		}
		return useSecondary(prev.Status)

	case BothDistrusted:
		if c.bothLiveAndSimilar(p) {
			return usePrimary(PrimaryTrusted)
		}
		return keep(prev.Status)

	case SecondaryTrustedPrimaryFrozen:
		if c.primaryBroken {
			if c.secondaryBroken {
				return keep(BothDistrusted)
			}
			if c.secondaryFrozen {
				return keep(SecondaryTrustedPrimaryDistrusted)
			}
			return useSecondary(SecondaryTrustedPrimaryDistrusted)
		}
		if c.primaryFrozen {
			if c.secondaryBroken {
				return keep(PrimaryTrustedSecondaryDistrusted)
			}
			if c.secondaryFrozen {
				return keep(prev.Status)
			}
			return useSecondary(prev.Status)
		}
		if c.secondaryBroken {
			return usePrimary(PrimaryTrustedSecondaryDistrusted)
		}
		if c.secondaryFrozen {
			return keep(prev.Status)
		}
		if similar(c.primaryPrice, c.secondaryPrice, p.MaxPriceDifference) {
			return usePrimary(PrimaryTrusted)
		}
		return useSecondary(SecondaryTrustedPrimaryDistrusted)

	case PrimaryTrustedSecondaryDistrusted:
		if c.primaryBroken {
			return keep(BothDistrusted)
		}
		if c.primaryFrozen {
			return keep(prev.Status)
		}
		if c.bothLiveAndSimilar(p) {
			return usePrimary(PrimaryTrusted)
		}
		if c.primaryExcessive {
			return keep(BothDistrusted)
		}
		return usePrimary(prev.Status)
	}

	// Unknown status: hold the last good price.
	return keep(prev.Status)
}
