package oracle

import (
	"context"
	"errors"
	"math/big"
	"math/rand"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type memSaver struct {
	saved []*model.OracleSnapshot
	err   error
}

func (m *memSaver) SaveOracleState(_ context.Context, s *model.OracleSnapshot) error {
	m.saved = append(m.saved, s)
	return m.err
}

func dollars(v int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(v), big.NewInt(100_000_000))
}

type harness struct {
	clock     *fakeClock
	primary   *StaticPrimary
	secondary *StaticSecondary
	rec       *events.Recorder
	saver     *memSaver
	arbiter   *Arbiter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{t: now},
		primary:   NewStaticPrimary(8),
		secondary: NewStaticSecondary(),
		rec:       &events.Recorder{},
		saver:     &memSaver{},
	}
	h.arbiter = NewArbiter(h.primary, h.secondary, DefaultParams(),
		WithClock(h.clock.Now),
		WithSink(h.rec),
		WithStateSaver(h.saver),
	)
	return h
}

func (h *harness) ts() uint64 { return uint64(h.clock.Now().Unix()) }

func TestPrimaryFailoverToSecondary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.primary.SetAnswer(dollars(100), h.ts())
	}
	round := h.primary.SetAnswer(dollars(100), h.ts())
	require.Equal(t, uint64(5), round)
	h.secondary.Set(uint256.NewInt(100_000_000), h.ts())

	require.NoError(t, h.arbiter.Init(ctx))
	h.clock.Advance(time.Second)

	price, err := h.arbiter.FetchPrice(ctx)
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.Units(100)))
	st := h.arbiter.State()
	require.Equal(t, PrimaryTrusted, st.Status)
	require.Equal(t, 0, st.LastPrimaryRoundID.Cmp(big.NewInt(5)), st.LastPrimaryRoundID.String())

	h.clock.Advance(time.Minute)
	h.primary.SetFailing(true)
	h.secondary.Set(uint256.NewInt(99_000_000), h.ts())

	price, err = h.arbiter.FetchPrice(ctx)
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.Units(99)), "got %s", price.Dec())
	st = h.arbiter.State()
	require.Equal(t, SecondaryTrustedPrimaryDistrusted, st.Status)
	require.Equal(t, 0, st.LastPrimaryRoundID.Cmp(big.NewInt(5)), st.LastPrimaryRoundID.String())

	changes := h.rec.OfKind(events.KindOracleStatusChanged)
	require.Len(t, changes, 2)
	require.Equal(t, "SecondaryTrusted_PrimaryDistrusted", changes[1].Status)

	last := h.saver.saved[len(h.saver.saved)-1]
	require.Equal(t, "SecondaryTrusted_PrimaryDistrusted", last.Status)
	require.True(t, last.LastGoodPrice.Equal(decimal.NewFromInt(99)))
}

func TestLastGoodPriceSurvivesBrokenFeeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.primary.SetAnswer(dollars(100), h.ts())
	h.primary.SetAnswer(dollars(100), h.ts())
	h.secondary.Set(uint256.NewInt(100_000_000), h.ts())
	require.NoError(t, h.arbiter.Init(ctx))

	h.primary.SetFailing(true)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		h.clock.Advance(time.Duration(1+rng.Intn(3600)) * time.Second)
		switch rng.Intn(3) {
		case 0:
			h.secondary.SetResponse(SecondaryResponse{})
		case 1:
			h.secondary.SetResponse(SecondaryResponse{Retrieved: true, Value: uint256.NewInt(0), Timestamp: h.ts(), Success: true})
		default:
			h.secondary.SetResponse(SecondaryResponse{Retrieved: true, Value: uint256.NewInt(rng.Uint64()), Timestamp: h.ts() + 60, Success: true})
		}

		price, err := h.arbiter.FetchPrice(ctx)
		require.NoError(t, err)
		require.True(t, price.Eq(fixedpoint.Units(100)), "iteration %d: price moved to %s", i, price.Dec())
	}
	require.Equal(t, BothDistrusted, h.arbiter.State().Status)
	require.Len(t, h.rec.OfKind(events.KindLastGoodPriceUpdated), 1, "only Init adopts a price")
}

func TestFetchPriceReusesSameSecond(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.primary.SetAnswer(dollars(100), h.ts())
	h.primary.SetAnswer(dollars(100), h.ts())
	h.secondary.Set(uint256.NewInt(100_000_000), h.ts())
	require.NoError(t, h.arbiter.Init(ctx))

	h.primary.SetAnswer(dollars(120), h.ts())
	price, err := h.arbiter.FetchPrice(ctx)
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.Units(100)), "same second must reuse the cached price")

	h.clock.Advance(time.Second)
	price, err = h.arbiter.FetchPrice(ctx)
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.Units(120)))
}

func TestInitRequiresHealthyPrimary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.arbiter.FetchPrice(ctx)
	require.ErrorIs(t, err, ErrNotInitialized)

	// Only one round: the previous round is missing, so the feed is broken.
	h.primary.SetAnswer(dollars(100), h.ts())
	require.ErrorIs(t, h.arbiter.Init(ctx), ErrPrimaryUnavailable)

	stale := uint64(now.Add(-5 * time.Hour).Unix())
	h.primary.SetRound(PrimaryResponse{RoundID: big.NewInt(1), Answer: dollars(100), Timestamp: stale, Success: true})
	h.primary.SetRound(PrimaryResponse{RoundID: big.NewInt(2), Answer: dollars(100), Timestamp: stale, Success: true})
	require.ErrorIs(t, h.arbiter.Init(ctx), ErrPrimaryUnavailable)
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	err := h.arbiter.Restore(&model.OracleSnapshot{
		Status:             "BothDistrusted",
		LastGoodPrice:      decimal.RequireFromString("1850.25"),
		LastPrimaryRoundID: decimal.NewFromInt(42),
		LastUpdate:         now.Add(-time.Hour),
	})
	require.NoError(t, err)

	st := h.arbiter.State()
	require.Equal(t, BothDistrusted, st.Status)
	require.True(t, st.LastGoodPrice.Eq(fixedpoint.MustDecimal("1850.25")))

	price, err := h.arbiter.FetchPrice(context.Background())
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.MustDecimal("1850.25")))

	err = h.arbiter.Restore(&model.OracleSnapshot{Status: "Sideways"})
	require.Error(t, err)
}

func TestRestorePhasedRoundID(t *testing.T) {
	h := newHarness(t)
	phased := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(6), 64), big.NewInt(1234))
	snap := &model.OracleSnapshot{
		Status:             "PrimaryTrusted",
		LastGoodPrice:      decimal.NewFromInt(100),
		LastPrimaryRoundID: decimal.NewFromBigInt(phased, 0),
	}
	require.NoError(t, h.arbiter.Restore(snap))
	require.Equal(t, 0, h.arbiter.State().LastPrimaryRoundID.Cmp(phased))

	snap.LastPrimaryRoundID = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 80), 0)
	require.Error(t, h.arbiter.Restore(snap))
	snap.LastPrimaryRoundID = decimal.RequireFromString("1.5")
	require.Error(t, h.arbiter.Restore(snap))
}

func TestPhasedStaticPrimary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.primary.SetAnswer(dollars(100), h.ts())
	h.primary.SetAnswer(dollars(100), h.ts())
	h.primary.SetPhase(6)
	h.secondary.Set(uint256.NewInt(100_000_000), h.ts())
	require.NoError(t, h.arbiter.Init(ctx))

	want := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(6), 64), big.NewInt(2))
	require.Equal(t, 0, h.arbiter.State().LastPrimaryRoundID.Cmp(want))
	last := h.saver.saved[len(h.saver.saved)-1]
	require.Equal(t, "110680464442257309698", last.LastPrimaryRoundID.String())
}

func TestStaticFeedsInit(t *testing.T) {
	feeds, err := NewStaticFeeds(decimal.RequireFromString("1850.5"), 6)
	require.NoError(t, err)
	feeds.Publish(uint64(now.Unix()))

	arbiter := NewArbiter(feeds.Primary, feeds.Secondary, DefaultParams(), WithClock(func() time.Time { return now }))
	require.NoError(t, arbiter.Init(context.Background()))

	price, err := arbiter.FetchPrice(context.Background())
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.MustDecimal("1850.5")), price.Dec())
	require.Equal(t, 0, arbiter.State().LastPrimaryRoundID.Cmp(big.NewInt(2)))

	// Later heartbeats add one round each.
	feeds.Publish(uint64(now.Unix()))
	require.Equal(t, 0, feeds.Primary.Latest(context.Background()).RoundID.Cmp(big.NewInt(3)))

	_, err = NewStaticFeeds(decimal.Zero, 6)
	require.Error(t, err)
}

func TestSaveFailureDoesNotBlockResolution(t *testing.T) {
	h := newHarness(t)
	h.saver.err = errors.New("db down")
	h.primary.SetAnswer(dollars(100), h.ts())
	h.primary.SetAnswer(dollars(100), h.ts())
	h.secondary.Set(uint256.NewInt(100_000_000), h.ts())

	require.NoError(t, h.arbiter.Init(context.Background()))
	require.True(t, h.arbiter.State().LastGoodPrice.Eq(fixedpoint.Units(100)))
}

func TestStatusRoundTrip(t *testing.T) {
	for s := PrimaryTrusted; s <= PrimaryTrustedSecondaryDistrusted; s++ {
		got, err := ParseStatus(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
}
