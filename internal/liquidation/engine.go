// Package liquidation selects under-collateralized positions and resolves
// them against the loss-absorption pool and redistribution.
//
// Every call runs in two phases. The plan phase only reads: it snapshots the
// price, pool liquidity and system totals, walks the candidates and computes
// an Outcome for each one. The commit phase then applies the whole plan to
// the position store and the pool. Nothing is mutated when planning fails,
// so a rejected call leaves no partial state behind.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
	"github.com/atmx/cdp-engine/internal/solvency"
)

var (
	// ErrPositionNotActive is returned by LiquidateOne for a position that is
	// missing or already closed.
	ErrPositionNotActive = errors.New("liquidation: position is not active")

	// ErrNothingToLiquidate is returned when no candidate qualified.
	ErrNothingToLiquidate = errors.New("liquidation: nothing to liquidate")

	// ErrEmptyCandidateList is returned by LiquidateBatch for an empty list.
	ErrEmptyCandidateList = errors.New("liquidation: candidate list is empty")

	// ErrZeroCount is returned by LiquidateN when n is zero.
	ErrZeroCount = errors.New("liquidation: count must be positive")

	// ErrConservation signals a debt or collateral split that does not add up.
	ErrConservation = errors.New("liquidation: conservation violated")

	// ErrNoStakesLeft is returned when a plan redistributes debt but the
	// positions it leaves open carry no stake.
	ErrNoStakesLeft = errors.New("liquidation: no stakes left to redistribute over")
)

// PositionStore is the position bookkeeping the engine reads and mutates.
// Ordered traversal runs from the highest nominal ratio (First) to the
// lowest (Last); Prev steps towards First.
type PositionStore interface {
	Status(ctx context.Context, id string) (model.PositionStatus, error)
	EntireDebtAndColl(ctx context.Context, id string) (debt, coll, pendingDebt, pendingColl *uint256.Int, err error)
	MovePendingRewardsToActive(ctx context.Context, debt, coll *uint256.Int) error
	CloseByLiquidation(ctx context.Context, id string) error
	AddCollateralSurplus(ctx context.Context, id string, amount *uint256.Int) error
	PositionCount(ctx context.Context) (uint64, error)
	EntireSystemDebt(ctx context.Context) (*uint256.Int, error)
	EntireSystemColl(ctx context.Context) (*uint256.Int, error)
	First(ctx context.Context) (string, bool, error)
	Last(ctx context.Context) (string, bool, error)
	Prev(ctx context.Context, id string) (string, bool, error)
	Redistribute(ctx context.Context, debt, coll *uint256.Int) error
	TotalStakes(ctx context.Context) (*uint256.Int, error)
	Stake(ctx context.Context, id string) (*uint256.Int, error)
	UpdateSystemSnapshots(ctx context.Context, collRemainder *uint256.Int) error
	SendGasCompensation(ctx context.Context, liquidator string, debt, coll *uint256.Int) error
}

// LossAbsorptionPool absorbs liquidated debt in exchange for collateral.
type LossAbsorptionPool interface {
	TotalAvailableLiquidity(ctx context.Context) (*uint256.Int, error)
	Offset(ctx context.Context, kind string, debt, coll *uint256.Int) error
}

// PriceFeed supplies the price used for a whole call.
type PriceFeed interface {
	FetchPrice(ctx context.Context) (*uint256.Int, error)
}

// Result is a committed liquidation batch.
type Result struct {
	ID                  string
	Liquidator          string
	Price               *uint256.Int
	RecoveryModeAtStart bool
	Totals              Totals
	Outcomes            []Outcome
	Timestamp           time.Time
}

// Engine runs liquidations. Calls are serialized.
type Engine struct {
	mu         sync.Mutex
	positions  PositionStore
	pool       LossAbsorptionPool
	feed       PriceFeed
	params     Params
	sunsetting bool

	sink   events.Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where liquidation events go.
func WithSink(s events.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source used for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over the given collaborators.
func NewEngine(positions PositionStore, pool LossAbsorptionPool, feed PriceFeed, params Params, opts ...Option) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		positions: positions,
		pool:      pool,
		feed:      feed,
		params:    params,
		sink:      events.Discard,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Params returns the engine's protocol constants.
func (e *Engine) Params() Params {
	return e.params
}

// SetSunsetting marks the collateral as sunsetting. The flag is read once
// at the start of each call and holds for its duration.
func (e *Engine) SetSunsetting(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sunsetting = v
}

// LiquidateOne liquidates a single position.
func (e *Engine) LiquidateOne(ctx context.Context, liquidator, id string) (*Result, error) {
	return e.run(ctx, liquidator, func(ctx context.Context, pl *planner) error {
		status, err := e.positions.Status(ctx, id)
		if err != nil {
			return fmt.Errorf("liquidation: read status: %w", err)
		}
		if status != model.StatusActive {
			return fmt.Errorf("%w: %s is %s", ErrPositionNotActive, id, status)
		}
		return pl.batch(ctx, []string{id})
	})
}

// LiquidateN sweeps up to n positions from the lowest ratio upwards. A
// non-nil maxICR stops the sweep at the first position above it.
func (e *Engine) LiquidateN(ctx context.Context, liquidator string, n uint64, maxICR *uint256.Int) (*Result, error) {
	if n == 0 {
		return nil, ErrZeroCount
	}
	return e.run(ctx, liquidator, func(ctx context.Context, pl *planner) error {
		return pl.sequence(ctx, n, maxICR)
	})
}

// LiquidateBatch liquidates the given positions in the given order. Closed,
// unknown and repeated ids are skipped.
func (e *Engine) LiquidateBatch(ctx context.Context, liquidator string, ids []string) (*Result, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyCandidateList
	}
	return e.run(ctx, liquidator, func(ctx context.Context, pl *planner) error {
		return pl.batch(ctx, ids)
	})
}

func (e *Engine) run(ctx context.Context, liquidator string, walk func(context.Context, *planner) error) (res *Result, err error) {
	defer fixedpoint.Recover(&err)
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	pl, err := e.newPlanner(ctx)
	if err != nil {
		return nil, err
	}
	if err := walk(ctx, pl); err != nil {
		return nil, err
	}
	if pl.totals.Debt.IsZero() {
		return nil, ErrNothingToLiquidate
	}
	if err := pl.totals.CheckConservation(); err != nil {
		return nil, err
	}
	if err := pl.checkRedistribution(ctx); err != nil {
		return nil, err
	}

	res = &Result{
		ID:                  uuid.New().String(),
		Liquidator:          liquidator,
		Price:               pl.price,
		RecoveryModeAtStart: pl.recoveryAtStart,
		Totals:              pl.totals,
		Outcomes:            pl.outcomes,
		Timestamp:           e.now().UTC(),
	}
	if err := e.commit(ctx, res); err != nil {
		return nil, err
	}

	e.logger.Info("liquidation committed",
		"id", res.ID,
		"recovery_mode", res.RecoveryModeAtStart,
		"positions", len(res.Outcomes),
		"debt", res.Totals.Debt.Dec(),
		"coll", res.Totals.Coll.Dec(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// commit applies a plan. Must hold e.mu.
func (e *Engine) commit(ctx context.Context, res *Result) error {
	t := res.Totals
	for _, o := range res.Outcomes {
		if err := e.positions.MovePendingRewardsToActive(ctx, o.PendingDebtReward, o.PendingCollReward); err != nil {
			return fmt.Errorf("liquidation: move pending rewards of %s: %w", o.PositionID, err)
		}
		if err := e.positions.CloseByLiquidation(ctx, o.PositionID); err != nil {
			return fmt.Errorf("liquidation: close %s: %w", o.PositionID, err)
		}
		if !o.CollSurplus.IsZero() {
			if err := e.positions.AddCollateralSurplus(ctx, o.PositionID, o.CollSurplus); err != nil {
				return fmt.Errorf("liquidation: credit surplus of %s: %w", o.PositionID, err)
			}
		}
		e.sink.Emit(events.Event{
			Kind:       events.KindPositionLiquidated,
			PositionID: o.PositionID,
			Mode:       string(o.Mode),
			Debt:       o.EntireDebt,
			Coll:       o.EntireColl,
			Timestamp:  res.Timestamp,
		})
		e.sink.Emit(events.Event{
			Kind:       events.KindPositionUpdated,
			PositionID: o.PositionID,
			Mode:       string(o.Mode),
			Debt:       fixedpoint.Zero(),
			Coll:       fixedpoint.Zero(),
			Stake:      fixedpoint.Zero(),
			Timestamp:  res.Timestamp,
		})
	}

	if !t.DebtToOffset.IsZero() {
		if err := e.pool.Offset(ctx, e.params.CollateralKind, t.DebtToOffset, t.CollToSendToPool); err != nil {
			return fmt.Errorf("liquidation: offset: %w", err)
		}
	}
	if err := e.positions.Redistribute(ctx, t.DebtToRedistribute, t.CollToRedistribute); err != nil {
		return fmt.Errorf("liquidation: redistribute: %w", err)
	}
	if err := e.positions.UpdateSystemSnapshots(ctx, t.CollGasCompensation); err != nil {
		return fmt.Errorf("liquidation: update snapshots: %w", err)
	}
	if err := e.positions.SendGasCompensation(ctx, res.Liquidator, t.DebtGasCompensation, t.CollGasCompensation); err != nil {
		return fmt.Errorf("liquidation: gas compensation: %w", err)
	}

	e.sink.Emit(events.Event{
		Kind:                events.KindLiquidation,
		Debt:                t.Debt,
		Coll:                t.LiquidatedColl(),
		CollGasCompensation: t.CollGasCompensation,
		DebtGasCompensation: t.DebtGasCompensation,
		Price:               res.Price,
		Timestamp:           res.Timestamp,
	})
	return nil
}

// Record converts a result into its ledger form.
func (r *Result) Record() *model.LiquidationRecord {
	t := r.Totals
	rec := &model.LiquidationRecord{
		ID:                  r.ID,
		Liquidator:          r.Liquidator,
		Price:               fixedpoint.ToDecimal(r.Price),
		RecoveryModeAtStart: r.RecoveryModeAtStart,
		TotalDebt:           fixedpoint.ToDecimal(t.Debt),
		TotalColl:           fixedpoint.ToDecimal(t.Coll),
		CollGasCompensation: fixedpoint.ToDecimal(t.CollGasCompensation),
		DebtGasCompensation: fixedpoint.ToDecimal(t.DebtGasCompensation),
		DebtToOffset:        fixedpoint.ToDecimal(t.DebtToOffset),
		CollToSendToPool:    fixedpoint.ToDecimal(t.CollToSendToPool),
		DebtToRedistribute:  fixedpoint.ToDecimal(t.DebtToRedistribute),
		CollToRedistribute:  fixedpoint.ToDecimal(t.CollToRedistribute),
		CollSurplus:         fixedpoint.ToDecimal(t.CollSurplus),
		Timestamp:           r.Timestamp,
	}
	for _, o := range r.Outcomes {
		rec.Positions = append(rec.Positions, model.LiquidatedPosition{
			PositionID:          o.PositionID,
			Mode:                o.Mode,
			Debt:                fixedpoint.ToDecimal(o.EntireDebt),
			Coll:                fixedpoint.ToDecimal(o.EntireColl),
			CollGasCompensation: fixedpoint.ToDecimal(o.CollGasCompensation),
			DebtToOffset:        fixedpoint.ToDecimal(o.DebtToOffset),
			CollToSendToPool:    fixedpoint.ToDecimal(o.CollToSendToPool),
			DebtToRedistribute:  fixedpoint.ToDecimal(o.DebtToRedistribute),
			CollToRedistribute:  fixedpoint.ToDecimal(o.CollToRedistribute),
			CollSurplus:         fixedpoint.ToDecimal(o.CollSurplus),
		})
	}
	return rec
}

// SystemState reports totals and Recovery Mode at the current price.
func (e *Engine) SystemState(ctx context.Context) (_ *model.SystemState, err error) {
	defer fixedpoint.Recover(&err)
	e.mu.Lock()
	defer e.mu.Unlock()

	price, err := e.feed.FetchPrice(ctx)
	if err != nil {
		return nil, err
	}
	debt, err := e.positions.EntireSystemDebt(ctx)
	if err != nil {
		return nil, err
	}
	coll, err := e.positions.EntireSystemColl(ctx)
	if err != nil {
		return nil, err
	}
	count, err := e.positions.PositionCount(ctx)
	if err != nil {
		return nil, err
	}
	liquidity, err := e.pool.TotalAvailableLiquidity(ctx)
	if err != nil {
		return nil, err
	}
	return &model.SystemState{
		Price:         fixedpoint.ToDecimal(price),
		TotalDebt:     fixedpoint.ToDecimal(debt),
		TotalColl:     fixedpoint.ToDecimal(coll),
		TCR:           fixedpoint.ToDecimal(solvency.TCR(coll, debt, price)),
		RecoveryMode:  e.params.IsRecoveryMode(coll, debt, price),
		PositionCount: count,
		PoolLiquidity: fixedpoint.ToDecimal(liquidity),
	}, nil
}
