package boost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

// ErrInvalidConfig is returned by NewCalculator.
var ErrInvalidConfig = errors.New("boost: invalid config")

// Config fixes the epoch schedule and the initial parameters.
type Config struct {
	// Start is the beginning of epoch 0.
	Start       time.Time
	EpochLength time.Duration
	// GraceEpochs initial epochs grant full boost to every claim.
	GraceEpochs uint64
	Params      Params
}

type lockKey struct {
	account string
	epoch   uint64
}

type pendingUpdate struct {
	params Params
	from   uint64
}

// Calculator computes boosted claims for one lock registry. Lock shares are
// read from the registry for the previous epoch; the write variant caches
// them, and a cached share is never recomputed.
type Calculator struct {
	mu       sync.Mutex
	registry LockRegistry
	cfg      Config

	params  Params
	pending *pendingUpdate

	lockPct     map[lockKey]uint64
	totalWeight map[uint64]uint64

	now    func() time.Time
	sink   events.Sink
	logger *slog.Logger
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// WithSink sets where parameter activation events go.
func WithSink(s events.Sink) Option {
	return func(c *Calculator) { c.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Calculator) { c.logger = l }
}

func NewCalculator(registry LockRegistry, cfg Config, opts ...Option) (*Calculator, error) {
	if cfg.EpochLength <= 0 {
		return nil, fmt.Errorf("%w: epoch length must be positive", ErrInvalidConfig)
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	c := &Calculator{
		registry:    registry,
		cfg:         cfg,
		params:      cfg.Params,
		lockPct:     make(map[lockKey]uint64),
		totalWeight: make(map[uint64]uint64),
		now:         time.Now,
		sink:        events.Discard,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Epoch returns the current epoch number. Times before Start are epoch 0.
func (c *Calculator) Epoch() uint64 {
	return c.epochAt(c.now())
}

func (c *Calculator) epochAt(t time.Time) uint64 {
	if t.Before(c.cfg.Start) {
		return 0
	}
	return uint64(t.Sub(c.cfg.Start) / c.cfg.EpochLength)
}

// Params returns the parameters effective in the current epoch.
func (c *Calculator) Params() Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective(c.Epoch())
}

// SetBoostParameters stages new parameters. They take effect from the next
// epoch; staging again in the same epoch replaces the earlier update.
func (c *Calculator) SetBoostParameters(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.Epoch()
	c.pending = &pendingUpdate{params: p, from: epoch + 1}
	c.logger.Info("boost parameters staged",
		"from_epoch", epoch+1,
		"max_boost_multiplier", p.MaxBoostMultiplier,
		"max_boostable_pct", p.MaxBoostablePct,
		"decay_boost_pct", p.DecayBoostPct,
	)
	return nil
}

// GetBoostedAmount is the read-only variant: nothing is cached and staged
// parameters are used without being applied.
func (c *Calculator) GetBoostedAmount(ctx context.Context, account string, amount, previous, emissions *uint256.Int) (out *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.Epoch()
	if c.inGrace(epoch) {
		return fixedpoint.Clone(amount), nil
	}
	pct, err := c.lookupPct(ctx, account, epoch-1, false)
	if err != nil {
		return nil, err
	}
	return BoostedAmount(amount, previous, emissions, pct, c.effective(epoch)), nil
}

// GetBoostedAmountWrite is called when a claim is settled. It applies any
// staged parameters due this epoch and caches the account's lock share.
func (c *Calculator) GetBoostedAmountWrite(ctx context.Context, account string, amount, previous, emissions *uint256.Int) (out *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.Epoch()
	c.applyPending(epoch)
	if c.inGrace(epoch) {
		return fixedpoint.Clone(amount), nil
	}
	pct, err := c.lookupPct(ctx, account, epoch-1, true)
	if err != nil {
		return nil, err
	}
	return BoostedAmount(amount, previous, emissions, pct, c.params), nil
}

// GetClaimableWithBoost returns how much more the account can claim at the
// full multiplier (maxBoosted) and before boost is exhausted (boosted).
// Both are zero for an account without lock weight.
func (c *Calculator) GetClaimableWithBoost(ctx context.Context, account string, previous, emissions *uint256.Int) (maxBoosted, boosted *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	c.mu.Lock()
	defer c.mu.Unlock()

	epoch := c.Epoch()
	if c.inGrace(epoch) {
		remaining := saturatingSub(emissions, previous)
		return remaining, fixedpoint.Clone(remaining), nil
	}
	pct, err := c.lookupPct(ctx, account, epoch-1, false)
	if err != nil {
		return nil, nil, err
	}
	if pct == 0 {
		return fixedpoint.Zero(), fixedpoint.Zero(), nil
	}
	maxBoostable, fullDecay := c.effective(epoch).Thresholds(emissions, pct)
	return saturatingSub(maxBoostable, previous), saturatingSub(fullDecay, previous), nil
}

// inGrace reports whether every claim gets full boost. Epoch 0 has no
// finalized lock snapshot to look back on.
func (c *Calculator) inGrace(epoch uint64) bool {
	return epoch == 0 || epoch < c.cfg.GraceEpochs
}

// effective returns the parameters for epoch, including a staged update that
// is due but not yet applied. Must hold c.mu.
func (c *Calculator) effective(epoch uint64) Params {
	if c.pending != nil && epoch >= c.pending.from {
		return c.pending.params
	}
	return c.params
}

// applyPending installs a due staged update. Must hold c.mu.
func (c *Calculator) applyPending(epoch uint64) {
	if c.pending == nil || epoch < c.pending.from {
		return
	}
	p := c.pending.params
	c.params = p
	c.pending = nil

	c.logger.Info("boost parameters applied",
		"epoch", epoch,
		"max_boost_multiplier", p.MaxBoostMultiplier,
		"max_boostable_pct", p.MaxBoostablePct,
		"decay_boost_pct", p.DecayBoostPct,
	)
	c.sink.Emit(events.Event{
		Kind:               events.KindBoostParametersApplied,
		Epoch:              epoch,
		MaxBoostMultiplier: p.MaxBoostMultiplier,
		MaxBoostablePct:    p.MaxBoostablePct,
		DecayBoostPct:      p.DecayBoostPct,
		Timestamp:          c.now(),
	})
}

// lookupPct returns the account's lock share for epoch, consulting the
// caches first. With store set, computed values are cached. Must hold c.mu.
func (c *Calculator) lookupPct(ctx context.Context, account string, epoch uint64, store bool) (uint64, error) {
	key := lockKey{account: account, epoch: epoch}
	if pct, ok := c.lockPct[key]; ok {
		return pct, nil
	}

	total, ok := c.totalWeight[epoch]
	if !ok {
		w, err := c.registry.TotalWeightAt(ctx, epoch)
		if err != nil {
			return 0, fmt.Errorf("boost: total weight at %d: %w", epoch, err)
		}
		total = w
		if store {
			c.totalWeight[epoch] = total
		}
	}
	weight, err := c.registry.AccountWeightAt(ctx, account, epoch)
	if err != nil {
		return 0, fmt.Errorf("boost: weight of %s at %d: %w", account, epoch, err)
	}

	pct := LockPct(weight, total)
	if store {
		c.lockPct[key] = pct
	}
	return pct, nil
}

func saturatingSub(a, b *uint256.Int) *uint256.Int {
	if !a.Gt(b) {
		return fixedpoint.Zero()
	}
	return fixedpoint.Sub(a, b)
}
