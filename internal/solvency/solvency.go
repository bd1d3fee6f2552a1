// Package solvency classifies positions and the system as a whole by their
// collateralization ratio. Everything here is a pure function of its inputs.
//
// Ratios carry 18 decimals: 1.1e18 is 110%.
package solvency

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

// ErrInvalidThresholds is returned when CCR does not exceed MCR.
var ErrInvalidThresholds = errors.New("solvency: ccr must be greater than mcr")

// OneHundredPercent is a ratio of 1.0.
var OneHundredPercent = fixedpoint.Units(1)

// Thresholds are the protocol ratios gating liquidation and Recovery Mode.
type Thresholds struct {
	// MCR is the minimum collateralization ratio; positions below it are
	// liquidatable in Normal Mode.
	MCR *uint256.Int
	// CCR is the critical system ratio; a TCR below it means Recovery Mode.
	CCR *uint256.Int
}

// DefaultThresholds returns MCR 110% and CCR 150%.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MCR: fixedpoint.MustDecimal("1.1"),
		CCR: fixedpoint.MustDecimal("1.5"),
	}
}

// Validate checks MCR > 100% and CCR > MCR.
func (t Thresholds) Validate() error {
	if t.MCR == nil || t.CCR == nil || !t.CCR.Gt(t.MCR) {
		return ErrInvalidThresholds
	}
	if !t.MCR.Gt(OneHundredPercent) {
		return errors.New("solvency: mcr must exceed 100%")
	}
	return nil
}

// ICR returns the individual collateralization ratio of a position.
func ICR(coll, debt, price *uint256.Int) *uint256.Int {
	return fixedpoint.ComputeCR(coll, debt, price)
}

// NICR returns the price-independent ratio used for ordering.
func NICR(coll, debt *uint256.Int) *uint256.Int {
	return fixedpoint.ComputeNominalCR(coll, debt)
}

// TCR returns the total collateralization ratio of the system.
func TCR(totalColl, totalDebt, price *uint256.Int) *uint256.Int {
	return fixedpoint.ComputeCR(totalColl, totalDebt, price)
}

// IsRecoveryMode reports whether TCR < CCR.
func (t Thresholds) IsRecoveryMode(totalColl, totalDebt, price *uint256.Int) bool {
	return TCR(totalColl, totalDebt, price).Lt(t.CCR)
}

// IsLiquidatable reports whether a position is below MCR.
func (t Thresholds) IsLiquidatable(coll, debt, price *uint256.Int) bool {
	return ICR(coll, debt, price).Lt(t.MCR)
}
