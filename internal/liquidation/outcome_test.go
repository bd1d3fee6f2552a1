package liquidation

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/holiman/uint256"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/solvency"
)

// randAmount returns a value in [1, max] wei-scaled units with a random
// fractional part, so divisions rarely come out even.
func randAmount(rng *rand.Rand, max int64) *uint256.Int {
	whole := fixedpoint.Units(uint64(rng.Int63n(max) + 1))
	return fixedpoint.Add(whole, uint256.NewInt(uint64(rng.Int63n(1_000_000_000_000_000_000))))
}

func TestOutcomeConservationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := DefaultParams()
	bands := map[string]int{}

	for i := 0; i < 5000; i++ {
		debt := randAmount(rng, 1_000_000)
		price := randAmount(rng, 5_000)
		// Aim the ICR between 50% and 250%.
		targetICR := fixedpoint.MulDiv(fixedpoint.New(uint64(50+rng.Intn(200))), fixedpoint.Precision, fixedpoint.New(100))
		coll := fixedpoint.MulDiv(debt, targetICR, price)
		if coll.IsZero() {
			continue
		}
		pool := fixedpoint.Zero()
		if rng.Intn(4) > 0 {
			pool = randAmount(rng, 2_000_000)
		}
		tcr := fixedpoint.MulDiv(fixedpoint.New(uint64(100+rng.Intn(60))), fixedpoint.Precision, fixedpoint.New(100))
		// debt and coll already include the pending parts.
		pendingDebt, pendingColl := fixedpoint.Zero(), fixedpoint.Zero()
		if rng.Intn(2) == 0 {
			pendingDebt = fixedpoint.MulDiv(debt, fixedpoint.New(uint64(rng.Intn(101))), fixedpoint.New(100))
			pendingColl = fixedpoint.MulDiv(coll, fixedpoint.New(uint64(rng.Intn(101))), fixedpoint.New(100))
		}

		normal := p.NormalOutcome("n", debt, coll, pendingDebt, pendingColl, pool)
		if err := normal.CheckConservation(); err != nil {
			t.Fatalf("normal #%d: %v", i, err)
		}
		if !normal.EntireDebt.Eq(debt) || !normal.EntireColl.Eq(coll) {
			t.Fatalf("normal #%d: entire %s/%s, want %s/%s", i, normal.EntireDebt.Dec(), normal.EntireColl.Dec(), debt.Dec(), coll.Dec())
		}
		if !normal.PendingDebtReward.Eq(pendingDebt) || !normal.PendingCollReward.Eq(pendingColl) {
			t.Fatalf("normal #%d: pending rewards not carried", i)
		}
		if !normal.DebtToOffset.IsZero() && pool.IsZero() {
			t.Fatalf("normal #%d offset against an empty pool", i)
		}

		rec, ok := p.RecoveryOutcome("r", debt, coll, pendingDebt, pendingColl, pool, price, tcr, rng.Intn(5) == 0)
		if !ok {
			bands["noop"]++
			continue
		}
		if err := rec.CheckConservation(); err != nil {
			t.Fatalf("recovery #%d: %v", i, err)
		}
		if !rec.EntireDebt.Eq(debt) || !rec.PendingDebtReward.Eq(pendingDebt) || !rec.PendingCollReward.Eq(pendingColl) {
			t.Fatalf("recovery #%d: entire or pending amounts not carried", i)
		}
		icr := solvency.ICR(coll, debt, price)
		switch {
		case !icr.Gt(solvency.OneHundredPercent):
			bands["redistribute"]++
			if !rec.DebtToOffset.IsZero() {
				t.Fatalf("recovery #%d: offset below 100%%", i)
			}
		case icr.Lt(p.MCR):
			bands["split"]++
		default:
			bands["capped"]++
			if !rec.DebtToRedistribute.IsZero() || !rec.DebtToOffset.Eq(debt) {
				t.Fatalf("recovery #%d: capped band must offset everything", i)
			}
		}
	}

	for _, band := range []string{"noop", "redistribute", "split", "capped"} {
		if bands[band] == 0 {
			t.Errorf("band %q never exercised", band)
		}
	}
}

func TestTotalsConservation(t *testing.T) {
	p := DefaultParams()
	totals := newTotals()
	totals = totals.add(p.NormalOutcome("a", fixedpoint.Units(100), fixedpoint.Units(1), fixedpoint.Zero(), fixedpoint.Zero(), fixedpoint.Units(30)))
	totals = totals.add(p.NormalOutcome("b", fixedpoint.Units(50), fixedpoint.Units(3), fixedpoint.Zero(), fixedpoint.Zero(), fixedpoint.Zero()))
	if err := totals.CheckConservation(); err != nil {
		t.Fatalf("totals: %v", err)
	}

	broken := totals
	broken.CollSurplus = fixedpoint.Units(1)
	if err := broken.CheckConservation(); !errors.Is(err, ErrConservation) {
		t.Fatalf("expected ErrConservation, got %v", err)
	}
}

func TestCollGasCompensationCap(t *testing.T) {
	p := DefaultParams()
	if got := p.collGasCompensation(fixedpoint.Units(1000)); !got.Eq(fixedpoint.Units(5)) {
		t.Errorf("uncapped = %s", got.Dec())
	}
	p.MaxCollGasCompensation = fixedpoint.Units(2)
	if got := p.collGasCompensation(fixedpoint.Units(1000)); !got.Eq(fixedpoint.Units(2)) {
		t.Errorf("capped = %s", got.Dec())
	}
}

func TestParamsValidate(t *testing.T) {
	p := DefaultParams()
	p.CollGasCompensationDivisor = fixedpoint.Zero()
	if err := p.Validate(); err == nil {
		t.Error("expected error for zero divisor")
	}
	p = DefaultParams()
	p.CCR = fixedpoint.MustDecimal("1.0")
	if err := p.Validate(); err == nil {
		t.Error("expected error for ccr below mcr")
	}
}
