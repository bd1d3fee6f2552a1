package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atmx/cdp-engine/internal/fixedpoint"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.toml")} {
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q): %v", path, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("defaults invalid: %v", err)
		}
		if cfg.Server.Port != "8080" {
			t.Errorf("port = %s", cfg.Server.Port)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = "9090"
cache_ttl = "1m"

[protocol]
mcr = "1.2"
ccr = "1.6"
debt_gas_compensation = "50"
coll_gas_compensation_divisor = 100
max_coll_gas_compensation = "3.5"

[oracle]
timeout = "2h"
max_price_difference = "0.03"

[boost]
max_boost_multiplier = 3
grace_epochs = 4
epoch_length = "24h"
system_start = 2026-02-01T00:00:00Z
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.CacheTTL != time.Minute {
		t.Errorf("server = %+v", cfg.Server)
	}

	lp, err := cfg.LiquidationParams()
	if err != nil {
		t.Fatalf("LiquidationParams: %v", err)
	}
	if !lp.MCR.Eq(fixedpoint.MustDecimal("1.2")) || !lp.CCR.Eq(fixedpoint.MustDecimal("1.6")) {
		t.Errorf("thresholds = %s / %s", lp.MCR.Dec(), lp.CCR.Dec())
	}
	if !lp.DebtGasCompensation.Eq(fixedpoint.Units(50)) {
		t.Errorf("debt gas = %s", lp.DebtGasCompensation.Dec())
	}
	if lp.MaxCollGasCompensation == nil || !lp.MaxCollGasCompensation.Eq(fixedpoint.MustDecimal("3.5")) {
		t.Errorf("max coll gas = %v", lp.MaxCollGasCompensation)
	}
	if lp.CollateralKind != "ETH" {
		t.Errorf("collateral kind = %q (default expected)", lp.CollateralKind)
	}

	op, err := cfg.OracleParams()
	if err != nil {
		t.Fatalf("OracleParams: %v", err)
	}
	if op.Timeout != 2*time.Hour {
		t.Errorf("timeout = %v", op.Timeout)
	}
	if !op.MaxPriceDifference.Eq(fixedpoint.MustDecimal("0.03")) {
		t.Errorf("max price difference = %s", op.MaxPriceDifference.Dec())
	}
	if !op.MaxPriceDeviation.Eq(fixedpoint.MustDecimal("0.5")) {
		t.Errorf("max price deviation = %s (default expected)", op.MaxPriceDeviation.Dec())
	}

	bc := cfg.BoostConfig()
	if bc.Params.MaxBoostMultiplier != 3 || bc.GraceEpochs != 4 || bc.EpochLength != 24*time.Hour {
		t.Errorf("boost = %+v", bc)
	}
	if !bc.Start.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", bc.Start)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[protocol]
mrc = "1.1"
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PORT":         "7000",
		"DATABASE_URL": "postgres://localhost/cdp",
		"ETH_RPC_URL":  "http://localhost:8545",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Server.Port != "7000" || cfg.Server.DatabaseURL != "postgres://localhost/cdp" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RedisURL != "" {
		t.Errorf("redis url = %q", cfg.Server.RedisURL)
	}
	if cfg.Oracle.RPCURL != "http://localhost:8545" {
		t.Errorf("rpc url = %q", cfg.Oracle.RPCURL)
	}
	// An RPC endpoint needs both feed addresses.
	if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ccr below mcr", func(c *Config) { c.Protocol.CCR = c.Protocol.MCR }},
		{"zero divisor", func(c *Config) { c.Protocol.CollGasCompensationDivisor = 0 }},
		{"negative gas", func(c *Config) { c.Protocol.DebtGasCompensation = c.Protocol.DebtGasCompensation.Neg() }},
		{"zero multiplier", func(c *Config) { c.Boost.MaxBoostMultiplier = 0 }},
		{"zero epoch", func(c *Config) { c.Boost.EpochLength = 0 }},
		{"zero timeout", func(c *Config) { c.Oracle.Timeout = 0 }},
		{"pct too large", func(c *Config) { c.Boost.DecayBoostPct = 20_000 }},
		{"locker not an address", func(c *Config) {
			c.Oracle.RPCURL = "http://localhost:8545"
			c.Oracle.PrimaryAddress, c.Oracle.SecondaryAddress = "0x01", "0x02"
			c.Boost.LockerAddress = "locker"
		}},
		{"locker without rpc", func(c *Config) { c.Boost.LockerAddress = "0x0000000000000000000000000000000000000003" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
