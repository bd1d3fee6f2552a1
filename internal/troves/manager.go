// Package troves is an in-memory position store. It tracks each position's
// debt, collateral and stake, accrues redistributed debt and collateral
// through per-unit-stake accumulators, and keeps positions ordered by their
// nominal collateralization ratio.
package troves

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
)

var (
	ErrNotFound        = errors.New("troves: position not found")
	ErrExists          = errors.New("troves: position already exists")
	ErrNotActive       = errors.New("troves: position is not active")
	ErrOnlyOnePosition = errors.New("troves: cannot close the only remaining position")
	ErrInvalidAmount   = errors.New("troves: collateral and debt must be positive")
	ErrNoStakes        = errors.New("troves: no stakes to redistribute over")
)

type snapshot struct {
	coll *uint256.Int
	debt *uint256.Int
}

type position struct {
	debt     *uint256.Int
	coll     *uint256.Int
	stake    *uint256.Int
	status   model.PositionStatus
	snapshot snapshot
}

// Manager is the position store. All methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	positions map[string]*position

	activeDebt  *uint256.Int
	activeColl  *uint256.Int
	defaultDebt *uint256.Int
	defaultColl *uint256.Int

	totalStakes             *uint256.Int
	totalStakesSnapshot     *uint256.Int
	totalCollateralSnapshot *uint256.Int

	// Per-unit-stake accumulators of redistributed collateral and debt.
	lColl *uint256.Int
	lDebt *uint256.Int
	// Division remainders carried into the next redistribution.
	lastCollError *uint256.Int
	lastDebtError *uint256.Int

	surplus map[string]*uint256.Int
	gasPaid map[string]GasCompensation

	order []string // by NICR, highest first; nil when stale
}

// GasCompensation is what a liquidator has been paid.
type GasCompensation struct {
	Debt *uint256.Int
	Coll *uint256.Int
}

// NewManager creates an empty store.
func NewManager() *Manager {
	return &Manager{
		positions:               make(map[string]*position),
		activeDebt:              fixedpoint.Zero(),
		activeColl:              fixedpoint.Zero(),
		defaultDebt:             fixedpoint.Zero(),
		defaultColl:             fixedpoint.Zero(),
		totalStakes:             fixedpoint.Zero(),
		totalStakesSnapshot:     fixedpoint.Zero(),
		totalCollateralSnapshot: fixedpoint.Zero(),
		lColl:                   fixedpoint.Zero(),
		lDebt:                   fixedpoint.Zero(),
		lastCollError:           fixedpoint.Zero(),
		lastDebtError:           fixedpoint.Zero(),
		surplus:                 make(map[string]*uint256.Int),
		gasPaid:                 make(map[string]GasCompensation),
	}
}

// Open creates an active position.
func (m *Manager) Open(_ context.Context, id string, coll, debt *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	if coll == nil || debt == nil || coll.IsZero() || debt.IsZero() {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.positions[id]; ok && p.status == model.StatusActive {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}

	stake := m.computeNewStake(coll)
	newTotalStakes := fixedpoint.Add(m.totalStakes, stake)
	newActiveColl := fixedpoint.Add(m.activeColl, coll)
	newActiveDebt := fixedpoint.Add(m.activeDebt, debt)

	m.positions[id] = &position{
		debt:     fixedpoint.Clone(debt),
		coll:     fixedpoint.Clone(coll),
		stake:    stake,
		status:   model.StatusActive,
		snapshot: snapshot{coll: fixedpoint.Clone(m.lColl), debt: fixedpoint.Clone(m.lDebt)},
	}
	m.totalStakes = newTotalStakes
	m.activeColl = newActiveColl
	m.activeDebt = newActiveDebt
	m.order = nil
	return nil
}

func (m *Manager) computeNewStake(coll *uint256.Int) *uint256.Int {
	if m.totalCollateralSnapshot.IsZero() {
		return fixedpoint.Clone(coll)
	}
	return fixedpoint.MulDiv(coll, m.totalStakesSnapshot, m.totalCollateralSnapshot)
}

func (m *Manager) pending(p *position) (debt, coll *uint256.Int) {
	if p.status != model.StatusActive {
		return fixedpoint.Zero(), fixedpoint.Zero()
	}
	coll = fixedpoint.MulDiv(p.stake, fixedpoint.Sub(m.lColl, p.snapshot.coll), fixedpoint.Precision)
	debt = fixedpoint.MulDiv(p.stake, fixedpoint.Sub(m.lDebt, p.snapshot.debt), fixedpoint.Precision)
	return debt, coll
}

func (m *Manager) get(id string) (*position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p, nil
}

// Status returns the lifecycle state; unknown ids are StatusNonExistent.
func (m *Manager) Status(_ context.Context, id string) (model.PositionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.positions[id]
	if !ok {
		return model.StatusNonExistent, nil
	}
	return p.status, nil
}

// EntireDebtAndColl returns the position's debt and collateral including
// pending redistribution rewards, and the pending parts on their own.
func (m *Manager) EntireDebtAndColl(_ context.Context, id string) (debt, coll, pendingDebt, pendingColl *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, err := m.get(id)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pendingDebt, pendingColl = m.pending(p)
	debt = fixedpoint.Add(p.debt, pendingDebt)
	coll = fixedpoint.Add(p.coll, pendingColl)
	return debt, coll, pendingDebt, pendingColl, nil
}

// MovePendingRewardsToActive moves redistributed amounts from the default
// pool back into the active pool.
func (m *Manager) MovePendingRewardsToActive(_ context.Context, debt, coll *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	defaultDebt := fixedpoint.Sub(m.defaultDebt, debt)
	defaultColl := fixedpoint.Sub(m.defaultColl, coll)
	activeDebt := fixedpoint.Add(m.activeDebt, debt)
	activeColl := fixedpoint.Add(m.activeColl, coll)

	m.defaultDebt, m.defaultColl = defaultDebt, defaultColl
	m.activeDebt, m.activeColl = activeDebt, activeColl
	return nil
}

// CloseByLiquidation removes the position's stake and closes it.
func (m *Manager) CloseByLiquidation(_ context.Context, id string) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.get(id)
	if err != nil {
		return err
	}
	if p.status != model.StatusActive {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	if m.activeCountLocked() <= 1 {
		return ErrOnlyOnePosition
	}

	totalStakes := fixedpoint.Sub(m.totalStakes, p.stake)
	m.totalStakes = totalStakes
	p.status = model.StatusClosedByLiquidation
	p.debt = fixedpoint.Zero()
	p.coll = fixedpoint.Zero()
	p.stake = fixedpoint.Zero()
	p.snapshot = snapshot{coll: fixedpoint.Zero(), debt: fixedpoint.Zero()}
	m.order = nil
	return nil
}

// AddCollateralSurplus credits collateral back to the position's owner. The
// collateral leaves the active pool.
func (m *Manager) AddCollateralSurplus(_ context.Context, id string, amount *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	activeColl := fixedpoint.Sub(m.activeColl, amount)
	prev := m.surplus[id]
	if prev == nil {
		prev = fixedpoint.Zero()
	}
	next := fixedpoint.Add(prev, amount)
	m.activeColl = activeColl
	m.surplus[id] = next
	return nil
}

// ClaimableSurplus returns the collateral credited to a liquidated owner.
func (m *Manager) ClaimableSurplus(id string) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fixedpoint.Clone(m.surplus[id])
}

// PositionCount returns the number of active positions.
func (m *Manager) PositionCount(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCountLocked(), nil
}

func (m *Manager) activeCountLocked() uint64 {
	var n uint64
	for _, p := range m.positions {
		if p.status == model.StatusActive {
			n++
		}
	}
	return n
}

// EntireSystemDebt is active plus default pool debt.
func (m *Manager) EntireSystemDebt(_ context.Context) (v *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fixedpoint.Add(m.activeDebt, m.defaultDebt), nil
}

// EntireSystemColl is active plus default pool collateral.
func (m *Manager) EntireSystemColl(_ context.Context) (v *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fixedpoint.Add(m.activeColl, m.defaultColl), nil
}

// Redistribute spreads debt and collateral over all remaining stakes and
// moves them from the active to the default pool.
func (m *Manager) Redistribute(_ context.Context, debt, coll *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	if debt.IsZero() {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.totalStakes.IsZero() {
		return ErrNoStakes
	}

	collNumerator := fixedpoint.Add(fixedpoint.Mul(coll, fixedpoint.Precision), m.lastCollError)
	debtNumerator := fixedpoint.Add(fixedpoint.Mul(debt, fixedpoint.Precision), m.lastDebtError)

	collPerStake := fixedpoint.Div(collNumerator, m.totalStakes)
	debtPerStake := fixedpoint.Div(debtNumerator, m.totalStakes)

	lastCollError := fixedpoint.Sub(collNumerator, fixedpoint.Mul(collPerStake, m.totalStakes))
	lastDebtError := fixedpoint.Sub(debtNumerator, fixedpoint.Mul(debtPerStake, m.totalStakes))

	lColl := fixedpoint.Add(m.lColl, collPerStake)
	lDebt := fixedpoint.Add(m.lDebt, debtPerStake)

	activeDebt := fixedpoint.Sub(m.activeDebt, debt)
	activeColl := fixedpoint.Sub(m.activeColl, coll)
	defaultDebt := fixedpoint.Add(m.defaultDebt, debt)
	defaultColl := fixedpoint.Add(m.defaultColl, coll)

	m.lastCollError, m.lastDebtError = lastCollError, lastDebtError
	m.lColl, m.lDebt = lColl, lDebt
	m.activeDebt, m.activeColl = activeDebt, activeColl
	m.defaultDebt, m.defaultColl = defaultDebt, defaultColl
	m.order = nil
	return nil
}

// UpdateSystemSnapshots records the stake and collateral totals used to size
// new stakes. collRemainder is collateral still in the active pool that is
// about to leave it, typically the liquidator's gas compensation.
func (m *Manager) UpdateSystemSnapshots(_ context.Context, collRemainder *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	activeColl := fixedpoint.Sub(m.activeColl, collRemainder)
	m.totalCollateralSnapshot = fixedpoint.Add(activeColl, m.defaultColl)
	m.totalStakesSnapshot = fixedpoint.Clone(m.totalStakes)
	return nil
}

// SendGasCompensation pays the liquidator. Collateral leaves the active pool;
// the debt part comes from the gas reserve and is only recorded.
func (m *Manager) SendGasCompensation(_ context.Context, liquidator string, debt, coll *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()

	activeColl := fixedpoint.Sub(m.activeColl, coll)
	paid := m.gasPaid[liquidator]
	next := GasCompensation{
		Debt: fixedpoint.Add(fixedpoint.Clone(paid.Debt), debt),
		Coll: fixedpoint.Add(fixedpoint.Clone(paid.Coll), coll),
	}
	m.activeColl = activeColl
	m.gasPaid[liquidator] = next
	return nil
}

// GasCompensationPaid returns the totals paid to a liquidator.
func (m *Manager) GasCompensationPaid(liquidator string) GasCompensation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paid := m.gasPaid[liquidator]
	return GasCompensation{Debt: fixedpoint.Clone(paid.Debt), Coll: fixedpoint.Clone(paid.Coll)}
}

// DecreaseActiveDebt burns offset debt from the active pool.
func (m *Manager) DecreaseActiveDebt(_ context.Context, amount *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeDebt = fixedpoint.Sub(m.activeDebt, amount)
	return nil
}

// WithdrawActiveCollateral sends offset collateral out of the active pool.
func (m *Manager) WithdrawActiveCollateral(_ context.Context, amount *uint256.Int) (err error) {
	defer fixedpoint.Recover(&err)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeColl = fixedpoint.Sub(m.activeColl, amount)
	return nil
}

// First returns the position with the highest nominal ratio.
func (m *Manager) First(_ context.Context) (id string, ok bool, err error) {
	defer fixedpoint.Recover(&err)
	order := m.sorted()
	if len(order) == 0 {
		return "", false, nil
	}
	return order[0], true, nil
}

// Last returns the position with the lowest nominal ratio.
func (m *Manager) Last(_ context.Context) (id string, ok bool, err error) {
	defer fixedpoint.Recover(&err)
	order := m.sorted()
	if len(order) == 0 {
		return "", false, nil
	}
	return order[len(order)-1], true, nil
}

// Prev returns the position ranked just above id, i.e. the next healthier one.
func (m *Manager) Prev(_ context.Context, id string) (prev string, ok bool, err error) {
	defer fixedpoint.Recover(&err)
	order := m.sorted()
	for i, candidate := range order {
		if candidate == id {
			if i == 0 {
				return "", false, nil
			}
			return order[i-1], true, nil
		}
	}
	return "", false, fmt.Errorf("%w: %s", ErrNotActive, id)
}

// sorted returns active ids by NICR including pending rewards, highest first.
// Ties break on id so traversal is deterministic.
func (m *Manager) sorted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.order != nil {
		return m.order
	}

	type ranked struct {
		id   string
		nicr *uint256.Int
	}
	var rs []ranked
	for id, p := range m.positions {
		if p.status != model.StatusActive {
			continue
		}
		pd, pc := m.pending(p)
		nicr := fixedpoint.ComputeNominalCR(fixedpoint.Add(p.coll, pc), fixedpoint.Add(p.debt, pd))
		rs = append(rs, ranked{id: id, nicr: nicr})
	}
	sort.Slice(rs, func(i, j int) bool {
		if c := rs[i].nicr.Cmp(rs[j].nicr); c != 0 {
			return c > 0
		}
		return rs[i].id < rs[j].id
	})

	order := make([]string, len(rs))
	for i, r := range rs {
		order[i] = r.id
	}
	m.order = order
	return order
}

// Position returns a read view of a position valued at price.
func (m *Manager) Position(ctx context.Context, id string, price *uint256.Int) (_ *model.Position, err error) {
	defer fixedpoint.Recover(&err)
	debt, coll, pd, pc, err := m.EntireDebtAndColl(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	p := m.positions[id]
	status, stake := p.status, fixedpoint.Clone(p.stake)
	m.mu.RUnlock()

	return &model.Position{
		ID:                id,
		Status:            status,
		Debt:              fixedpoint.ToDecimal(debt),
		Coll:              fixedpoint.ToDecimal(coll),
		PendingDebtReward: fixedpoint.ToDecimal(pd),
		PendingCollReward: fixedpoint.ToDecimal(pc),
		Stake:             fixedpoint.ToDecimal(stake),
		ICR:               fixedpoint.ToDecimal(fixedpoint.ComputeCR(coll, debt, price)),
	}, nil
}

// TotalStakes returns the sum of active stakes.
func (m *Manager) TotalStakes(_ context.Context) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fixedpoint.Clone(m.totalStakes), nil
}

// Stake returns the position's stake; zero once closed.
func (m *Manager) Stake(_ context.Context, id string) (*uint256.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return fixedpoint.Clone(p.stake), nil
}
