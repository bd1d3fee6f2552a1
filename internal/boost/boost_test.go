package boost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/events"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

func d(s string) *uint256.Int { return fixedpoint.MustDecimal(s) }

// With emissions 1000 and a 50% lock share under the default parameters,
// maxBoostable is 500 and fullDecay is 1000.
const half = PctPrecision / 2

func TestThresholds(t *testing.T) {
	maxBoostable, fullDecay := DefaultParams().Thresholds(d("1000"), half)
	require.Equal(t, d("500"), maxBoostable)
	require.Equal(t, d("1000"), fullDecay)

	p := Params{MaxBoostMultiplier: 2, MaxBoostablePct: 50, DecayBoostPct: 200}
	maxBoostable, fullDecay = p.Thresholds(d("1000"), half)
	require.Equal(t, d("250"), maxBoostable)
	require.Equal(t, d("1250"), fullDecay)
}

func TestBoostedAmountBands(t *testing.T) {
	p := DefaultParams()
	tests := []struct {
		name     string
		amount   string
		previous string
		pct      uint64
		want     string
	}{
		{"exactly max boostable", "500", "0", half, "500"},
		{"inside full boost", "100", "250", half, "100"},
		{"previous at full decay", "300", "1000", half, "150"},
		{"previous past full decay", "300", "4000", half, "150"},
		{"whole decay band", "500", "500", half, "375"},
		{"first half of decay", "250", "500", half, "218.75"},
		{"second half of decay", "250", "750", half, "156.25"},
		{"full boost into decay", "200", "400", half, "195"},
		{"all three bands", "1500", "0", half, "1125"},
		{"no lock weight", "300", "0", 0, "150"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BoostedAmount(d(tt.amount), d(tt.previous), d("1000"), tt.pct, p)
			require.Equal(t, d(tt.want), got, "got %s", fixedpoint.ToDecimal(got))
		})
	}
}

func TestBoostedAmountDecayClosedForm(t *testing.T) {
	p := Params{MaxBoostMultiplier: 3, MaxBoostablePct: 100, DecayBoostPct: 100}
	width := d("500")
	got := BoostedAmount(width, d("500"), d("1000"), half, p)
	// W * (M+1) / (2M)
	want := fixedpoint.MulDiv(width, uint256.NewInt(4), uint256.NewInt(6))
	require.Equal(t, want, got)
}

func TestBoostedAmountDecayIsAdditive(t *testing.T) {
	p := DefaultParams()
	sum := fixedpoint.Zero()
	previous := d("500")
	step := d("50")
	for i := 0; i < 10; i++ {
		sum = fixedpoint.Add(sum, BoostedAmount(step, previous, d("1000"), half, p))
		previous = fixedpoint.Add(previous, step)
	}
	require.Equal(t, d("375"), sum)
}

func TestBoostedAmountMultiplierOne(t *testing.T) {
	p := Params{MaxBoostMultiplier: 1, MaxBoostablePct: 100, DecayBoostPct: 100}
	for _, prev := range []string{"0", "400", "700", "2000"} {
		got := BoostedAmount(d("300"), d(prev), d("1000"), half, p)
		require.Equal(t, d("300"), got, "previous %s", prev)
	}
}

func TestLockPct(t *testing.T) {
	require.Equal(t, uint64(half), LockPct(1, 2))
	require.Equal(t, uint64(333_333_333), LockPct(1, 3))
	require.Equal(t, uint64(0), LockPct(0, 0))
	require.Equal(t, uint64(PctPrecision), LockPct(5, 0))
	require.Equal(t, uint64(0), LockPct(1, 2_000_000_000))
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
	require.ErrorIs(t, Params{MaxBoostMultiplier: 0}.Validate(), ErrInvalidParameters)
	require.ErrorIs(t, Params{MaxBoostMultiplier: 2, MaxBoostablePct: MaxPct + 1}.Validate(), ErrInvalidParameters)
	require.ErrorIs(t, Params{MaxBoostMultiplier: 2, DecayBoostPct: MaxPct + 1}.Validate(), ErrInvalidParameters)
}

var start = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

const week = 7 * 24 * time.Hour

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type failingRegistry struct{}

func (failingRegistry) AccountWeightAt(context.Context, string, uint64) (uint64, error) {
	return 0, errors.New("registry offline")
}

func (failingRegistry) TotalWeightAt(context.Context, uint64) (uint64, error) {
	return 0, errors.New("registry offline")
}

func newCalc(t *testing.T, reg LockRegistry, grace uint64) (*Calculator, *clock, *events.Recorder) {
	t.Helper()
	clk := &clock{t: start}
	rec := &events.Recorder{}
	c, err := NewCalculator(reg, Config{
		Start:       start,
		EpochLength: week,
		GraceEpochs: grace,
		Params:      DefaultParams(),
	}, WithClock(clk.Now), WithSink(rec))
	require.NoError(t, err)
	return c, clk, rec
}

func TestNewCalculatorRejectsBadConfig(t *testing.T) {
	_, err := NewCalculator(NewMemoryRegistry(), Config{Params: DefaultParams()})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewCalculator(NewMemoryRegistry(), Config{EpochLength: week})
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestEpoch(t *testing.T) {
	c, clk, _ := newCalc(t, NewMemoryRegistry(), 0)
	require.Equal(t, uint64(0), c.Epoch())
	clk.t = start.Add(-time.Hour)
	require.Equal(t, uint64(0), c.Epoch())
	clk.t = start.Add(3*week + time.Hour)
	require.Equal(t, uint64(3), c.Epoch())
}

func TestGracePeriodGrantsFullBoost(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newCalc(t, NewMemoryRegistry(), 2)
	clk.t = start.Add(week)

	got, err := c.GetBoostedAmount(ctx, "carol", d("300"), d("900"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("300"), got)

	got, err = c.GetBoostedAmountWrite(ctx, "carol", d("300"), d("900"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("300"), got)

	maxBoosted, boosted, err := c.GetClaimableWithBoost(ctx, "carol", d("400"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("600"), maxBoosted)
	require.Equal(t, d("600"), boosted)
}

func TestBoostUsesPreviousEpochWeights(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	reg.SetWeight("alice", 0, 10)
	reg.SetWeight("bob", 0, 10)
	reg.SetWeight("alice", 1, 0)

	c, clk, _ := newCalc(t, reg, 0)
	clk.t = start.Add(week)

	got, err := c.GetBoostedAmount(ctx, "alice", d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("500"), got)

	got, err = c.GetBoostedAmount(ctx, "carol", d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("250"), got)

	maxBoosted, boosted, err := c.GetClaimableWithBoost(ctx, "alice", d("200"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("300"), maxBoosted)
	require.Equal(t, d("800"), boosted)

	maxBoosted, boosted, err = c.GetClaimableWithBoost(ctx, "alice", d("1200"), d("1000"))
	require.NoError(t, err)
	require.True(t, maxBoosted.IsZero())
	require.True(t, boosted.IsZero())

	maxBoosted, boosted, err = c.GetClaimableWithBoost(ctx, "carol", d("0"), d("1000"))
	require.NoError(t, err)
	require.True(t, maxBoosted.IsZero())
	require.True(t, boosted.IsZero())
}

func TestWriteCachesLockShare(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	reg.SetWeight("alice", 0, 10)
	reg.SetWeight("bob", 0, 10)

	c, clk, _ := newCalc(t, reg, 0)
	clk.t = start.Add(week)

	got, err := c.GetBoostedAmountWrite(ctx, "alice", d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("500"), got)

	// Later registry changes do not affect cached values.
	reg.SetWeight("alice", 0, 0)
	reg.SetWeight("dave", 0, 20)

	got, err = c.GetBoostedAmountWrite(ctx, "alice", d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("500"), got)
	got, err = c.GetBoostedAmount(ctx, "alice", d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("500"), got)

	// bob's share uses the cached total of 20, not the new 40.
	got, err = c.GetBoostedAmountWrite(ctx, "bob", d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("500"), got)
}

func TestZeroLockIsNoBoostInBothVariants(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry()
	reg.SetWeight("whale", 0, 2_000_000_000)
	reg.SetWeight("minnow", 0, 1)

	c, clk, _ := newCalc(t, reg, 0)
	clk.t = start.Add(week)

	view, err := c.GetBoostedAmount(ctx, "minnow", d("10"), d("0"), d("1000"))
	require.NoError(t, err)
	write, err := c.GetBoostedAmountWrite(ctx, "minnow", d("10"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("5"), view)
	require.Equal(t, view, write)
}

func TestPendingParametersApplyOnceNextEpoch(t *testing.T) {
	ctx := context.Background()
	c, clk, rec := newCalc(t, NewMemoryRegistry(), 0)
	clk.t = start.Add(week)

	next := Params{MaxBoostMultiplier: 4, MaxBoostablePct: 100, DecayBoostPct: 100}
	require.NoError(t, c.SetBoostParameters(next))
	require.Equal(t, DefaultParams(), c.Params())

	got, err := c.GetBoostedAmountWrite(ctx, "carol", d("400"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("200"), got)
	require.Empty(t, rec.OfKind(events.KindBoostParametersApplied))

	clk.t = start.Add(2 * week)
	require.Equal(t, next, c.Params())

	got, err = c.GetBoostedAmount(ctx, "carol", d("400"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("100"), got)
	require.Empty(t, rec.OfKind(events.KindBoostParametersApplied), "view must not apply")

	for i := 0; i < 2; i++ {
		got, err = c.GetBoostedAmountWrite(ctx, "carol", d("400"), d("0"), d("1000"))
		require.NoError(t, err)
		require.Equal(t, d("100"), got)
	}
	applied := rec.OfKind(events.KindBoostParametersApplied)
	require.Len(t, applied, 1)
	require.Equal(t, uint64(2), applied[0].Epoch)
	require.Equal(t, uint64(4), applied[0].MaxBoostMultiplier)
}

func TestSetBoostParametersRejectsInvalid(t *testing.T) {
	c, _, _ := newCalc(t, NewMemoryRegistry(), 0)
	err := c.SetBoostParameters(Params{MaxBoostMultiplier: 0, MaxBoostablePct: 100})
	require.ErrorIs(t, err, ErrInvalidParameters)
	require.Equal(t, DefaultParams(), c.Params())
}

func TestRegistryErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	c, clk, _ := newCalc(t, failingRegistry{}, 0)
	clk.t = start.Add(week)

	_, err := c.GetBoostedAmountWrite(ctx, "alice", d("1"), d("0"), d("1000"))
	require.ErrorContains(t, err, "registry offline")
	_, _, err = c.GetClaimableWithBoost(ctx, "alice", d("0"), d("1000"))
	require.Error(t, err)
}
