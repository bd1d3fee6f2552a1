package boost

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/chain/chaintest"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
)

// newLocker serves weights[epoch][account]; the total is the sum for the epoch.
func newLocker(t *testing.T, weights map[uint64]map[common.Address]int64) *chaintest.Fake {
	backend := chaintest.New(t, lockerABI)
	backend.ReplyFunc("getAccountWeightAt", func(args []any) []any {
		account := args[0].(common.Address)
		epoch := args[1].(*big.Int).Uint64()
		return []any{big.NewInt(weights[epoch][account])}
	})
	backend.ReplyFunc("getTotalWeightAt", func(args []any) []any {
		var total int64
		for _, w := range weights[args[0].(*big.Int).Uint64()] {
			total += w
		}
		return []any{big.NewInt(total)}
	})
	return backend
}

func TestEVMRegistry(t *testing.T) {
	backend := newLocker(t, map[uint64]map[common.Address]int64{
		3: {common.HexToAddress(alice): 30, common.HexToAddress(bob): 10},
	})
	reg, err := NewEVMRegistry(backend, common.HexToAddress("0x03"))
	require.NoError(t, err)
	ctx := context.Background()

	w, err := reg.AccountWeightAt(ctx, alice, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(30), w)
	require.Equal(t, common.HexToAddress(alice), backend.Args("getAccountWeightAt")[0])

	total, err := reg.TotalWeightAt(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(40), total)

	w, err = reg.AccountWeightAt(ctx, bob, 4)
	require.NoError(t, err)
	require.Zero(t, w)

	_, err = reg.AccountWeightAt(ctx, "alice", 3)
	require.ErrorIs(t, err, ErrInvalidAccount)

	backend.Fail(true)
	_, err = reg.TotalWeightAt(ctx, 3)
	require.Error(t, err)
}

func TestEVMRegistryRejectsOversizedWeight(t *testing.T) {
	backend := chaintest.New(t, lockerABI)
	backend.Reply("getTotalWeightAt", new(big.Int).Lsh(big.NewInt(1), 64))
	reg, err := NewEVMRegistry(backend, common.HexToAddress("0x03"))
	require.NoError(t, err)

	_, err = reg.TotalWeightAt(context.Background(), 0)
	require.ErrorIs(t, err, ErrWeightOverflow)
}

func TestCalculatorOverEVMRegistry(t *testing.T) {
	backend := newLocker(t, map[uint64]map[common.Address]int64{
		0: {common.HexToAddress(alice): 10, common.HexToAddress(bob): 10},
	})
	reg, err := NewEVMRegistry(backend, common.HexToAddress("0x03"))
	require.NoError(t, err)

	c, clk, _ := newCalc(t, reg, 0)
	clk.t = start.Add(week)

	// Same outcome as the in-memory registry with equal epoch-0 locks.
	out, err := c.GetBoostedAmount(context.Background(), alice, d("500"), d("0"), d("1000"))
	require.NoError(t, err)
	require.Equal(t, d("500"), out)
	require.Zero(t, backend.Args("getTotalWeightAt")[0].(*big.Int).Uint64())

	_, err = c.GetBoostedAmount(context.Background(), "carol", d("500"), d("0"), d("1000"))
	require.ErrorIs(t, err, ErrInvalidAccount)
}
