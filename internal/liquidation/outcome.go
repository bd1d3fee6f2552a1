package liquidation

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/solvency"
)

// Params are the protocol constants the engine applies.
type Params struct {
	solvency.Thresholds

	// DebtGasCompensation is the fixed debt amount paid to the liquidator
	// per liquidated position.
	DebtGasCompensation *uint256.Int
	// CollGasCompensationDivisor sets the collateral slice paid to the
	// liquidator: coll / divisor (200 is 0.5%).
	CollGasCompensationDivisor *uint256.Int
	// MaxCollGasCompensation caps the collateral slice. Nil means no cap.
	MaxCollGasCompensation *uint256.Int
	// CollateralKind labels offsets sent to the pool.
	CollateralKind string
}

// DefaultParams returns MCR 110%, CCR 150%, 200 debt gas compensation and a
// 0.5% collateral slice.
func DefaultParams() Params {
	return Params{
		Thresholds:                 solvency.DefaultThresholds(),
		DebtGasCompensation:        fixedpoint.Units(200),
		CollGasCompensationDivisor: fixedpoint.New(200),
		CollateralKind:             "ETH",
	}
}

// Validate checks the thresholds and that every amount is set.
func (p Params) Validate() error {
	if err := p.Thresholds.Validate(); err != nil {
		return err
	}
	if p.DebtGasCompensation == nil {
		return fmt.Errorf("liquidation: debt gas compensation required")
	}
	if p.CollGasCompensationDivisor == nil || p.CollGasCompensationDivisor.IsZero() {
		return fmt.Errorf("liquidation: coll gas compensation divisor must be positive")
	}
	return nil
}

// Outcome is how a single position is resolved.
//
//	EntireDebt == DebtToOffset + DebtToRedistribute
//	EntireColl == CollGasCompensation + CollToSendToPool + CollToRedistribute + CollSurplus
type Outcome struct {
	PositionID string
	Mode       model.LiquidationMode

	EntireDebt          *uint256.Int
	EntireColl          *uint256.Int
	CollGasCompensation *uint256.Int
	DebtGasCompensation *uint256.Int
	DebtToOffset        *uint256.Int
	CollToSendToPool    *uint256.Int
	DebtToRedistribute  *uint256.Int
	CollToRedistribute  *uint256.Int
	CollSurplus         *uint256.Int

	// Redistribution rewards folded into EntireDebt/EntireColl that must be
	// moved back to the active pool before the position is closed.
	PendingDebtReward *uint256.Int
	PendingCollReward *uint256.Int
}

func newOutcome(id string, mode model.LiquidationMode, debt, coll, pendingDebt, pendingColl *uint256.Int) Outcome {
	return Outcome{
		PositionID:          id,
		Mode:                mode,
		EntireDebt:          fixedpoint.Clone(debt),
		EntireColl:          fixedpoint.Clone(coll),
		CollGasCompensation: fixedpoint.Zero(),
		DebtGasCompensation: fixedpoint.Zero(),
		DebtToOffset:        fixedpoint.Zero(),
		CollToSendToPool:    fixedpoint.Zero(),
		DebtToRedistribute:  fixedpoint.Zero(),
		CollToRedistribute:  fixedpoint.Zero(),
		CollSurplus:         fixedpoint.Zero(),
		PendingDebtReward:   fixedpoint.Clone(pendingDebt),
		PendingCollReward:   fixedpoint.Clone(pendingColl),
	}
}

// CheckConservation verifies that no debt or collateral was created or lost.
func (o Outcome) CheckConservation() error {
	debt := fixedpoint.Add(o.DebtToOffset, o.DebtToRedistribute)
	if !debt.Eq(o.EntireDebt) {
		return fmt.Errorf("%w: position %s debt %s split into %s", ErrConservation, o.PositionID, o.EntireDebt.Dec(), debt.Dec())
	}
	coll := fixedpoint.Add(fixedpoint.Add(o.CollGasCompensation, o.CollToSendToPool),
		fixedpoint.Add(o.CollToRedistribute, o.CollSurplus))
	if !coll.Eq(o.EntireColl) {
		return fmt.Errorf("%w: position %s coll %s split into %s", ErrConservation, o.PositionID, o.EntireColl.Dec(), coll.Dec())
	}
	return nil
}

// Totals is the sum of the outcomes of one batch.
type Totals struct {
	Debt                *uint256.Int
	Coll                *uint256.Int
	CollGasCompensation *uint256.Int
	DebtGasCompensation *uint256.Int
	DebtToOffset        *uint256.Int
	CollToSendToPool    *uint256.Int
	DebtToRedistribute  *uint256.Int
	CollToRedistribute  *uint256.Int
	CollSurplus         *uint256.Int
}

func newTotals() Totals {
	return Totals{
		Debt:                fixedpoint.Zero(),
		Coll:                fixedpoint.Zero(),
		CollGasCompensation: fixedpoint.Zero(),
		DebtGasCompensation: fixedpoint.Zero(),
		DebtToOffset:        fixedpoint.Zero(),
		CollToSendToPool:    fixedpoint.Zero(),
		DebtToRedistribute:  fixedpoint.Zero(),
		CollToRedistribute:  fixedpoint.Zero(),
		CollSurplus:         fixedpoint.Zero(),
	}
}

func (t Totals) add(o Outcome) Totals {
	return Totals{
		Debt:                fixedpoint.Add(t.Debt, o.EntireDebt),
		Coll:                fixedpoint.Add(t.Coll, o.EntireColl),
		CollGasCompensation: fixedpoint.Add(t.CollGasCompensation, o.CollGasCompensation),
		DebtGasCompensation: fixedpoint.Add(t.DebtGasCompensation, o.DebtGasCompensation),
		DebtToOffset:        fixedpoint.Add(t.DebtToOffset, o.DebtToOffset),
		CollToSendToPool:    fixedpoint.Add(t.CollToSendToPool, o.CollToSendToPool),
		DebtToRedistribute:  fixedpoint.Add(t.DebtToRedistribute, o.DebtToRedistribute),
		CollToRedistribute:  fixedpoint.Add(t.CollToRedistribute, o.CollToRedistribute),
		CollSurplus:         fixedpoint.Add(t.CollSurplus, o.CollSurplus),
	}
}

// CheckConservation verifies the aggregate splits.
func (t Totals) CheckConservation() error {
	return Outcome{
		PositionID:          "totals",
		EntireDebt:          t.Debt,
		EntireColl:          t.Coll,
		CollGasCompensation: t.CollGasCompensation,
		DebtToOffset:        t.DebtToOffset,
		CollToSendToPool:    t.CollToSendToPool,
		DebtToRedistribute:  t.DebtToRedistribute,
		CollToRedistribute:  t.CollToRedistribute,
		CollSurplus:         t.CollSurplus,
	}.CheckConservation()
}

// LiquidatedColl is the collateral that left the position for the pool or
// redistribution.
func (t Totals) LiquidatedColl() *uint256.Int {
	return fixedpoint.Sub(fixedpoint.Sub(t.Coll, t.CollGasCompensation), t.CollSurplus)
}

func (p Params) collGasCompensation(coll *uint256.Int) *uint256.Int {
	gas := fixedpoint.Div(coll, p.CollGasCompensationDivisor)
	if p.MaxCollGasCompensation != nil && gas.Gt(p.MaxCollGasCompensation) {
		return fixedpoint.Clone(p.MaxCollGasCompensation)
	}
	return gas
}

// splitOffset divides debt and coll between the pool and redistribution.
// With an empty pool everything is redistributed.
func splitOffset(o *Outcome, debt, coll, poolLiquidity *uint256.Int) {
	if poolLiquidity.IsZero() {
		o.DebtToRedistribute = fixedpoint.Clone(debt)
		o.CollToRedistribute = fixedpoint.Clone(coll)
		return
	}
	o.DebtToOffset = fixedpoint.Min(debt, poolLiquidity)
	o.CollToSendToPool = fixedpoint.MulDiv(coll, o.DebtToOffset, debt)
	o.DebtToRedistribute = fixedpoint.Sub(debt, o.DebtToOffset)
	o.CollToRedistribute = fixedpoint.Sub(coll, o.CollToSendToPool)
}

// NormalOutcome resolves a position below MCR under Normal Mode rules.
func (p Params) NormalOutcome(id string, debt, coll, pendingDebt, pendingColl, poolLiquidity *uint256.Int) Outcome {
	o := newOutcome(id, model.ModeNormal, debt, coll, pendingDebt, pendingColl)
	o.CollGasCompensation = p.collGasCompensation(coll)
	o.DebtGasCompensation = fixedpoint.Clone(p.DebtGasCompensation)
	splitOffset(&o, debt, fixedpoint.Sub(coll, o.CollGasCompensation), poolLiquidity)
	return o
}

// RecoveryOutcome resolves a position under Recovery Mode rules. It reports
// false when the position falls in none of the liquidating bands.
func (p Params) RecoveryOutcome(id string, debt, coll, pendingDebt, pendingColl, poolLiquidity, price, tcr *uint256.Int, sunsetting bool) (Outcome, bool) {
	icr := solvency.ICR(coll, debt, price)
	o := newOutcome(id, model.ModeRecovery, debt, coll, pendingDebt, pendingColl)

	switch {
	case !icr.Gt(solvency.OneHundredPercent):
		o.CollGasCompensation = p.collGasCompensation(coll)
		o.DebtGasCompensation = fixedpoint.Clone(p.DebtGasCompensation)
		o.DebtToRedistribute = fixedpoint.Clone(debt)
		o.CollToRedistribute = fixedpoint.Sub(coll, o.CollGasCompensation)

	case icr.Lt(p.MCR):
		o.CollGasCompensation = p.collGasCompensation(coll)
		o.DebtGasCompensation = fixedpoint.Clone(p.DebtGasCompensation)
		splitOffset(&o, debt, fixedpoint.Sub(coll, o.CollGasCompensation), poolLiquidity)

	case icr.Lt(tcr) && !debt.Gt(poolLiquidity) && !sunsetting:
		capped := fixedpoint.MulDiv(debt, p.MCR, price)
		o.CollGasCompensation = p.collGasCompensation(capped)
		o.DebtGasCompensation = fixedpoint.Clone(p.DebtGasCompensation)
		o.DebtToOffset = fixedpoint.Clone(debt)
		o.CollToSendToPool = fixedpoint.Sub(capped, o.CollGasCompensation)
		o.CollSurplus = fixedpoint.Sub(coll, capped)

	default:
		return Outcome{}, false
	}
	return o, true
}
