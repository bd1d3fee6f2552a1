package liquidation

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/solvency"
)

// planner accumulates outcomes against running system totals without
// touching any collaborator state.
type planner struct {
	e      *Engine
	params Params
	price  *uint256.Int

	poolLiquidity *uint256.Int
	systemDebt    *uint256.Int
	systemColl    *uint256.Int
	count         uint64
	sunsetting    bool

	recoveryAtStart bool
	// recovery is cleared once the running totals leave Recovery Mode and is
	// never set again within the call.
	recovery bool

	totals   Totals
	outcomes []Outcome
}

// newPlanner snapshots price, pool and system state. Must hold e.mu.
func (e *Engine) newPlanner(ctx context.Context) (*planner, error) {
	price, err := e.feed.FetchPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: fetch price: %w", err)
	}
	liquidity, err := e.pool.TotalAvailableLiquidity(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: read pool: %w", err)
	}
	debt, err := e.positions.EntireSystemDebt(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: read system debt: %w", err)
	}
	coll, err := e.positions.EntireSystemColl(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: read system coll: %w", err)
	}
	count, err := e.positions.PositionCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("liquidation: read position count: %w", err)
	}

	recovery := e.params.IsRecoveryMode(coll, debt, price)
	return &planner{
		e:               e,
		params:          e.params,
		price:           price,
		poolLiquidity:   liquidity,
		systemDebt:      debt,
		systemColl:      coll,
		count:           count,
		sunsetting:      e.sunsetting,
		recoveryAtStart: recovery,
		recovery:        recovery,
		totals:          newTotals(),
	}, nil
}

// sequence walks from the lowest ratio upwards.
func (pl *planner) sequence(ctx context.Context, n uint64, maxICR *uint256.Int) error {
	store := pl.e.positions
	id, ok, err := store.Last(ctx)
	if err != nil {
		return fmt.Errorf("liquidation: read last position: %w", err)
	}
	for i := uint64(0); ok && i < n; i++ {
		next, hasNext, err := store.Prev(ctx, id)
		if err != nil {
			return fmt.Errorf("liquidation: traverse from %s: %w", id, err)
		}
		debt, coll, pd, pc, err := store.EntireDebtAndColl(ctx, id)
		if err != nil {
			return fmt.Errorf("liquidation: read %s: %w", id, err)
		}
		if maxICR != nil && solvency.ICR(coll, debt, pl.price).Gt(maxICR) {
			break
		}
		stop, err := pl.step(id, debt, coll, pd, pc, true)
		if err != nil {
			return err
		}
		if stop {
			break
		}
		id, ok = next, hasNext
	}
	return nil
}

// batch visits ids in order, skipping inactive and repeated ones.
func (pl *planner) batch(ctx context.Context, ids []string) error {
	store := pl.e.positions
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		status, err := store.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("liquidation: read status of %s: %w", id, err)
		}
		if status != model.StatusActive {
			continue
		}
		debt, coll, pd, pc, err := store.EntireDebtAndColl(ctx, id)
		if err != nil {
			return fmt.Errorf("liquidation: read %s: %w", id, err)
		}
		if _, err := pl.step(id, debt, coll, pd, pc, false); err != nil {
			return err
		}
	}
	return nil
}

// step decides one candidate. In a sequential sweep, stop reports that no
// further candidate can qualify.
func (pl *planner) step(id string, debt, coll, pendingDebt, pendingColl *uint256.Int, sequential bool) (stop bool, err error) {
	icr := solvency.ICR(coll, debt, pl.price)
	p := pl.params

	if pl.recovery {
		if !icr.Lt(p.MCR) && pl.poolLiquidity.IsZero() {
			return sequential, nil
		}
		if pl.count <= 1 {
			return sequential, nil
		}
		tcr := solvency.TCR(pl.systemColl, pl.systemDebt, pl.price)
		o, ok := p.RecoveryOutcome(id, debt, coll, pendingDebt, pendingColl, pl.poolLiquidity, pl.price, tcr, pl.sunsetting)
		if !ok {
			return false, nil
		}
		if err := pl.record(o); err != nil {
			return false, err
		}
		pl.systemDebt = fixedpoint.Sub(pl.systemDebt, o.DebtToOffset)
		removed := fixedpoint.Add(fixedpoint.Add(o.CollToSendToPool, o.CollGasCompensation), o.CollSurplus)
		pl.systemColl = fixedpoint.Sub(pl.systemColl, removed)
		pl.recovery = p.IsRecoveryMode(pl.systemColl, pl.systemDebt, pl.price)
		return false, nil
	}

	if !icr.Lt(p.MCR) || pl.count <= 1 {
		return sequential, nil
	}
	return false, pl.record(p.NormalOutcome(id, debt, coll, pendingDebt, pendingColl, pl.poolLiquidity))
}

func (pl *planner) record(o Outcome) error {
	if err := o.CheckConservation(); err != nil {
		return err
	}
	pl.poolLiquidity = fixedpoint.Sub(pl.poolLiquidity, o.DebtToOffset)
	pl.count--
	pl.totals = pl.totals.add(o)
	pl.outcomes = append(pl.outcomes, o)
	return nil
}

// checkRedistribution rejects a plan whose redistributed share would have no
// stake left to land on once its positions are closed.
func (pl *planner) checkRedistribution(ctx context.Context) error {
	if pl.totals.DebtToRedistribute.IsZero() {
		return nil
	}
	store := pl.e.positions
	remaining, err := store.TotalStakes(ctx)
	if err != nil {
		return fmt.Errorf("liquidation: read total stakes: %w", err)
	}
	for _, o := range pl.outcomes {
		stake, err := store.Stake(ctx, o.PositionID)
		if err != nil {
			return fmt.Errorf("liquidation: read stake of %s: %w", o.PositionID, err)
		}
		remaining = fixedpoint.Sub(remaining, stake)
	}
	if remaining.IsZero() {
		return ErrNoStakesLeft
	}
	return nil
}
