package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/cdp-engine/internal/boost"
	"github.com/atmx/cdp-engine/internal/chain/chaintest"
	"github.com/atmx/cdp-engine/internal/config"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/store"
)

func TestStaticFeedsStartup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	primary, secondary, err := feeds(ctx, cfg, nil)
	require.NoError(t, err)
	params, err := cfg.OracleParams()
	require.NoError(t, err)

	st := store.NewMemoryStore()
	arbiter := oracle.NewArbiter(primary, secondary, params, oracle.WithStateSaver(st))
	require.NoError(t, restoreOrInit(ctx, arbiter, st))

	price, err := arbiter.FetchPrice(ctx)
	require.NoError(t, err)
	require.True(t, price.Eq(fixedpoint.Units(2000)), price.Dec())
	require.Equal(t, oracle.PrimaryTrusted, arbiter.State().Status)

	// A restart resumes from the saved state.
	restarted := oracle.NewArbiter(primary, secondary, params, oracle.WithStateSaver(st))
	require.NoError(t, restoreOrInit(ctx, restarted, st))
	require.True(t, restarted.State().LastGoodPrice.Eq(fixedpoint.Units(2000)))
}

func TestLockRegistrySelection(t *testing.T) {
	cfg := config.Default()

	reg, weights, err := lockRegistry(cfg, nil)
	require.NoError(t, err)
	require.IsType(t, &boost.MemoryRegistry{}, reg)
	require.NotNil(t, weights)

	cfg.Boost.LockerAddress = "0x0000000000000000000000000000000000000003"
	_, _, err = lockRegistry(cfg, nil)
	require.Error(t, err)

	reg, weights, err = lockRegistry(cfg, chaintest.New(t, "[]"))
	require.NoError(t, err)
	require.IsType(t, &boost.EVMRegistry{}, reg)
	require.Nil(t, weights)
}
