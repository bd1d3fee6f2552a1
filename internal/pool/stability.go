// Package pool is an in-memory loss-absorption pool. Depositors lock debt
// tokens that are burned to cancel liquidated debt, and receive the seized
// collateral in return, pro rata to their deposits.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

var (
	ErrInsufficientLiquidity = errors.New("pool: offset exceeds available liquidity")
	ErrZeroAmount            = errors.New("pool: amount must be positive")
	ErrUnknownDepositor      = errors.New("pool: unknown depositor")
)

// ActivePool is the side of the position store that offset touches: the
// cancelled debt is burned and the seized collateral leaves it.
type ActivePool interface {
	DecreaseActiveDebt(ctx context.Context, amount *uint256.Int) error
	WithdrawActiveCollateral(ctx context.Context, amount *uint256.Int) error
}

// StabilityPool tracks deposits and per-collateral gains.
type StabilityPool struct {
	mu       sync.RWMutex
	active   ActivePool
	deposits map[string]*uint256.Int
	total    *uint256.Int
	gains    map[string]map[string]*uint256.Int // kind -> depositor -> amount
}

// NewStabilityPool creates an empty pool offsetting against active.
func NewStabilityPool(active ActivePool) *StabilityPool {
	return &StabilityPool{
		active:   active,
		deposits: make(map[string]*uint256.Int),
		total:    fixedpoint.Zero(),
		gains:    make(map[string]map[string]*uint256.Int),
	}
}

// Deposit adds to a depositor's balance.
func (p *StabilityPool) Deposit(_ context.Context, depositor string, amount *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	if amount == nil || amount.IsZero() {
		return ErrZeroAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	total := fixedpoint.Add(p.total, amount)
	p.deposits[depositor] = fixedpoint.Add(fixedpoint.Clone(p.deposits[depositor]), amount)
	p.total = total
	return nil
}

// Withdraw removes up to amount from a depositor's balance and returns what
// was withdrawn.
func (p *StabilityPool) Withdraw(_ context.Context, depositor string, amount *uint256.Int) (_ *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	p.mu.Lock()
	defer p.mu.Unlock()

	bal, ok := p.deposits[depositor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDepositor, depositor)
	}
	out := fixedpoint.Min(bal, amount)
	p.deposits[depositor] = fixedpoint.Sub(bal, out)
	p.total = fixedpoint.Sub(p.total, out)
	if p.deposits[depositor].IsZero() {
		delete(p.deposits, depositor)
	}
	return out, nil
}

// TotalAvailableLiquidity is the debt the pool can still absorb.
func (p *StabilityPool) TotalAvailableLiquidity(_ context.Context) (*uint256.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fixedpoint.Clone(p.total), nil
}

// DepositOf returns a depositor's current balance.
func (p *StabilityPool) DepositOf(depositor string) *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fixedpoint.Clone(p.deposits[depositor])
}

// CollateralGain returns the collateral of kind credited to a depositor.
func (p *StabilityPool) CollateralGain(kind, depositor string) *uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fixedpoint.Clone(p.gains[kind][depositor])
}

// Offset cancels debt against deposits and distributes coll as gains.
// Losses and gains are split pro rata; the rounding remainder is handed out
// one unit at a time, largest deposit first, so that both sums stay exact.
func (p *StabilityPool) Offset(ctx context.Context, kind string, debt, coll *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	if debt.IsZero() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if debt.Gt(p.total) {
		return ErrInsufficientLiquidity
	}

	ids := make([]string, 0, len(p.deposits))
	for id := range p.deposits {
		ids = append(ids, id)
	}
	// Largest first, then by id.
	sort.Slice(ids, func(i, j int) bool {
		if c := p.deposits[ids[i]].Cmp(p.deposits[ids[j]]); c != 0 {
			return c > 0
		}
		return ids[i] < ids[j]
	})

	losses := make(map[string]*uint256.Int, len(ids))
	gains := make(map[string]*uint256.Int, len(ids))
	lossSum, gainSum := fixedpoint.Zero(), fixedpoint.Zero()
	for _, id := range ids {
		d := p.deposits[id]
		losses[id] = fixedpoint.MulDiv(debt, d, p.total)
		gains[id] = fixedpoint.MulDiv(coll, d, p.total)
		lossSum = fixedpoint.Add(lossSum, losses[id])
		gainSum = fixedpoint.Add(gainSum, gains[id])
	}
	spreadRemainder(ids, losses, fixedpoint.Sub(debt, lossSum))
	spreadRemainder(ids, gains, fixedpoint.Sub(coll, gainSum))

	// Compute everything before touching state.
	nextDeposits := make(map[string]*uint256.Int, len(ids))
	for _, id := range ids {
		nextDeposits[id] = fixedpoint.Sub(p.deposits[id], losses[id])
	}
	nextTotal := fixedpoint.Sub(p.total, debt)

	if err := p.active.DecreaseActiveDebt(ctx, debt); err != nil {
		return fmt.Errorf("pool: burn offset debt: %w", err)
	}
	if err := p.active.WithdrawActiveCollateral(ctx, coll); err != nil {
		return fmt.Errorf("pool: withdraw offset collateral: %w", err)
	}

	kindGains := p.gains[kind]
	if kindGains == nil {
		kindGains = make(map[string]*uint256.Int)
		p.gains[kind] = kindGains
	}
	for _, id := range ids {
		kindGains[id] = fixedpoint.Add(fixedpoint.Clone(kindGains[id]), gains[id])
		if nextDeposits[id].IsZero() {
			delete(p.deposits, id)
		} else {
			p.deposits[id] = nextDeposits[id]
		}
	}
	p.total = nextTotal
	return nil
}

// spreadRemainder adds one unit to each of the first r shares. Flooring a pro
// rata split loses less than one unit per share, so r < len(ids), and a
// floored loss is strictly below its deposit whenever r > 0.
func spreadRemainder(ids []string, shares map[string]*uint256.Int, r *uint256.Int) {
	one := uint256.NewInt(1)
	for i := 0; !r.IsZero() && i < len(ids); i++ {
		shares[ids[i]] = fixedpoint.Add(shares[ids[i]], one)
		r = fixedpoint.Sub(r, one)
	}
}
