package oracle

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/chain/chaintest"
)

func TestChainlinkSource(t *testing.T) {
	backend := chaintest.New(t, aggregatorABI)
	backend.Reply("decimals", uint8(8))
	backend.Reply("latestRoundData",
		big.NewInt(5), dollars(100), big.NewInt(1_700_000_000), big.NewInt(1_700_000_000), big.NewInt(5))
	backend.Reply("getRoundData",
		big.NewInt(4), dollars(98), big.NewInt(1_699_999_000), big.NewInt(1_699_999_000), big.NewInt(4))

	src, err := NewChainlinkSource(backend, common.HexToAddress("0x01"))
	require.NoError(t, err)

	latest := src.Latest(context.Background())
	require.True(t, latest.Success)
	require.Equal(t, 0, latest.RoundID.Cmp(big.NewInt(5)))
	require.Equal(t, uint8(8), latest.Decimals)
	require.Equal(t, 0, latest.Answer.Cmp(dollars(100)))

	prev := src.Round(context.Background(), big.NewInt(4))
	require.True(t, prev.Success)
	require.Equal(t, uint64(1_699_999_000), prev.Timestamp)

	// decimals is read once.
	src.Latest(context.Background())
	require.Equal(t, 1, backend.Calls("decimals"))

	backend.Fail(true)
	require.False(t, src.Latest(context.Background()).Success)
}

func TestChainlinkSourcePhasedRoundID(t *testing.T) {
	// Phase 6, aggregator round 1234.
	phased := new(big.Int).Add(new(big.Int).Lsh(big.NewInt(6), 64), big.NewInt(1234))
	previous := new(big.Int).Sub(phased, big.NewInt(1))
	ts := big.NewInt(now.Unix())

	backend := chaintest.New(t, aggregatorABI)
	backend.Reply("decimals", uint8(8))
	backend.Reply("latestRoundData", phased, dollars(100), ts, ts, phased)
	backend.ReplyFunc("getRoundData", func(args []any) []any {
		id := args[0].(*big.Int)
		return []any{id, dollars(100), ts, ts, id}
	})

	src, err := NewChainlinkSource(backend, common.HexToAddress("0x01"))
	require.NoError(t, err)

	latest := src.Latest(context.Background())
	require.True(t, latest.Success)
	require.Equal(t, 0, latest.RoundID.Cmp(phased), latest.RoundID.String())

	secondary := NewStaticSecondary()
	secondary.Set(uint256.NewInt(100_000_000), uint64(now.Unix()))
	arbiter := NewArbiter(src, secondary, DefaultParams(), WithClock(func() time.Time { return now }))
	require.NoError(t, arbiter.Init(context.Background()))

	args := backend.Args("getRoundData")
	require.Len(t, args, 1)
	asked, ok := args[0].(*big.Int)
	require.True(t, ok)
	require.Equal(t, 0, asked.Cmp(previous), "previous round lookup asked for %s", asked)

	st := arbiter.State()
	require.Equal(t, PrimaryTrusted, st.Status)
	require.Equal(t, 0, st.LastPrimaryRoundID.Cmp(phased))
	require.True(t, snapshotOf(st).LastPrimaryRoundID.Equal(decimal.NewFromBigInt(phased, 0)))

	price, err := arbiter.FetchPrice(context.Background())
	require.NoError(t, err)
	require.Equal(t, PrimaryTrusted, arbiter.State().Status, "price %s", price.Dec())

	// Out of uint80 range.
	require.False(t, src.Round(context.Background(), new(big.Int).Lsh(big.NewInt(1), 80)).Success)
}

func TestTellorSource(t *testing.T) {
	backend := chaintest.New(t, tellorABI)
	backend.Reply("getTellorCurrentValue", true, big.NewInt(99_000_000), big.NewInt(1_700_000_000))

	src, err := NewTellorSource(backend, common.HexToAddress("0x02"), 1)
	require.NoError(t, err)

	resp := src.Current(context.Background())
	require.True(t, resp.Success)
	require.True(t, resp.Retrieved)
	require.Equal(t, uint64(99_000_000), resp.Value.Uint64())
	require.Equal(t, 0, backend.Args("getTellorCurrentValue")[0].(*big.Int).Cmp(big.NewInt(1)))

	backend.Fail(true)
	require.False(t, src.Current(context.Background()).Success)
}
