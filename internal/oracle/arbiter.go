package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
)

var (
	// ErrPrimaryUnavailable is returned by Init when the primary feed is
	// broken or frozen.
	ErrPrimaryUnavailable = errors.New("oracle: primary feed unavailable")

	// ErrNotInitialized is returned by FetchPrice before Init or Restore.
	ErrNotInitialized = errors.New("oracle: arbiter not initialized")
)

// StateSaver persists the arbiter state after every resolution.
type StateSaver interface {
	SaveOracleState(ctx context.Context, snap *model.OracleSnapshot) error
}

// Arbiter owns the state of one feed pair and serializes its resolutions.
type Arbiter struct {
	mu        sync.Mutex
	primary   PrimarySource
	secondary SecondarySource
	params    Params

	state       State
	initialized bool

	now    func() time.Time
	sink   events.Sink
	logger *slog.Logger
	saver  StateSaver
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Arbiter) { a.now = now }
}

// WithSink sets where status and price events go.
func WithSink(s events.Sink) Option {
	return func(a *Arbiter) { a.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// WithStateSaver persists state after each resolution.
func WithStateSaver(s StateSaver) Option {
	return func(a *Arbiter) { a.saver = s }
}

// NewArbiter creates an arbiter. It must be initialized with Init or Restore
// before prices can be fetched.
func NewArbiter(primary PrimarySource, secondary SecondarySource, params Params, opts ...Option) *Arbiter {
	a := &Arbiter{
		primary:   primary,
		secondary: secondary,
		params:    params,
		now:       time.Now,
		sink:      events.Discard,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Init seeds the state from a healthy primary reading and starts in
// PrimaryTrusted.
func (a *Arbiter) Init(ctx context.Context) (err error) {
	defer fixedpoint.Recover(&err)
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	r := a.read(ctx)
	c := classify(r, a.params, now)
	if c.primaryBroken || c.primaryFrozen {
		return ErrPrimaryUnavailable
	}

	next := State{
		Status:             PrimaryTrusted,
		LastGoodPrice:      c.primaryPrice,
		LastPrimaryRoundID: new(big.Int).Set(r.Current.RoundID),
		LastUpdate:         now,
	}
	a.commit(ctx, next, AdoptedPrimary)
	a.initialized = true
	return nil
}

// Restore resumes from a persisted snapshot.
func (a *Arbiter) Restore(snap *model.OracleSnapshot) error {
	status, err := ParseStatus(snap.Status)
	if err != nil {
		return err
	}
	price, err := fixedpoint.FromDecimal(snap.LastGoodPrice)
	if err != nil {
		return fmt.Errorf("oracle: restore price: %w", err)
	}
	round := snap.LastPrimaryRoundID
	if round.IsNegative() || !round.Equal(round.Truncate(0)) || round.BigInt().BitLen() > 80 {
		return fmt.Errorf("oracle: restore round id %s: not a round id", round)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = State{
		Status:             status,
		LastGoodPrice:      price,
		LastPrimaryRoundID: round.BigInt(),
		LastUpdate:         snap.LastUpdate,
	}
	a.initialized = true
	a.logger.Info("oracle state restored", "status", status.String(), "price", price.Dec())
	return nil
}

// FetchPrice resolves the current price. When both feeds are distrusted it
// returns the last good price rather than an error.
func (a *Arbiter) FetchPrice(ctx context.Context) (price *uint256.Int, err error) {
	defer fixedpoint.Recover(&err)
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.initialized {
		return nil, ErrNotInitialized
	}

	now := a.now()
	if now.Unix() == a.state.LastUpdate.Unix() {
		return fixedpoint.Clone(a.state.LastGoodPrice), nil
	}

	res := Resolve(a.state, a.read(ctx), a.params, now)
	a.commit(ctx, res.State, res.Adopted)
	return res.Price(), nil
}

// State returns a copy of the current state.
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Snapshot returns the persisted form of the current state.
func (a *Arbiter) Snapshot() *model.OracleSnapshot {
	return snapshotOf(a.State())
}

func (a *Arbiter) read(ctx context.Context) Readings {
	r := Readings{Current: a.primary.Latest(ctx)}
	if r.Current.Success && r.Current.RoundID != nil && r.Current.RoundID.Sign() > 0 {
		r.Previous = a.primary.Round(ctx, new(big.Int).Sub(r.Current.RoundID, big.NewInt(1)))
	}
	r.Secondary = a.secondary.Current(ctx)
	return r
}

// commit installs next and emits the matching events. Must hold a.mu.
func (a *Arbiter) commit(ctx context.Context, next State, adopted Adopted) {
	prev := a.state
	if a.saver != nil {
		if err := a.saver.SaveOracleState(ctx, snapshotOf(next)); err != nil {
			a.logger.Warn("failed to persist oracle state", "error", err)
		}
	}
	a.state = next

	if !a.initialized || prev.Status != next.Status {
		a.logger.Info("oracle status changed",
			"from", prev.Status.String(),
			"to", next.Status.String(),
		)
		a.sink.Emit(events.Event{
			Kind:      events.KindOracleStatusChanged,
			Status:    next.Status.String(),
			Timestamp: next.LastUpdate,
		})
	}
	if adopted != AdoptedNone {
		a.sink.Emit(events.Event{
			Kind:      events.KindLastGoodPriceUpdated,
			Price:     fixedpoint.Clone(next.LastGoodPrice),
			Timestamp: next.LastUpdate,
		})
	}
}

func snapshotOf(s State) *model.OracleSnapshot {
	round := decimal.Zero
	if s.LastPrimaryRoundID != nil {
		round = decimal.NewFromBigInt(s.LastPrimaryRoundID, 0)
	}
	return &model.OracleSnapshot{
		Status:             s.Status.String(),
		LastGoodPrice:      fixedpoint.ToDecimal(s.LastGoodPrice),
		LastPrimaryRoundID: round,
		LastUpdate:         s.LastUpdate,
	}
}
