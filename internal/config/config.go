// Package config loads the engine configuration from a TOML file with
// environment overrides for the deployment-specific settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/boost"
	"github.com/atmx/cdp-engine/internal/fixedpoint"
	"github.com/atmx/cdp-engine/internal/liquidation"
	"github.com/atmx/cdp-engine/internal/oracle"
	"github.com/atmx/cdp-engine/internal/solvency"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server   Server   `toml:"server"`
	Protocol Protocol `toml:"protocol"`
	Oracle   Oracle   `toml:"oracle"`
	Boost    Boost    `toml:"boost"`
}

type Server struct {
	Port        string        `toml:"port"`
	DatabaseURL string        `toml:"database_url"`
	RedisURL    string        `toml:"redis_url"`
	CacheTTL    time.Duration `toml:"cache_ttl"`
}

// Protocol holds the liquidation constants. Amounts are decimal strings in
// whole tokens.
type Protocol struct {
	MCR                        decimal.Decimal `toml:"mcr"`
	CCR                        decimal.Decimal `toml:"ccr"`
	DebtGasCompensation        decimal.Decimal `toml:"debt_gas_compensation"`
	CollGasCompensationDivisor uint64          `toml:"coll_gas_compensation_divisor"`
	// MaxCollGasCompensation is optional; zero disables the cap.
	MaxCollGasCompensation decimal.Decimal `toml:"max_coll_gas_compensation"`
	CollateralKind         string          `toml:"collateral_kind"`
}

// Oracle configures the feed pair. Without an RPC URL the server runs on
// static in-process feeds seeded with StaticPrice.
type Oracle struct {
	RPCURL             string          `toml:"rpc_url"`
	PrimaryAddress     string          `toml:"primary_address"`
	SecondaryAddress   string          `toml:"secondary_address"`
	SecondaryRequestID uint64          `toml:"secondary_request_id"`
	SecondaryDecimals  uint8           `toml:"secondary_decimals"`
	Timeout            time.Duration   `toml:"timeout"`
	MaxPriceDeviation  decimal.Decimal `toml:"max_price_deviation"`
	MaxPriceDifference decimal.Decimal `toml:"max_price_difference"`
	StaticPrice        decimal.Decimal `toml:"static_price"`
}

// Boost configures the reward boost. LockerAddress selects the on-chain vote
// locker as the weight source and requires the oracle RPC URL; without it
// weights are held in memory and seeded over the API.
type Boost struct {
	LockerAddress      string        `toml:"locker_address"`
	MaxBoostMultiplier uint64        `toml:"max_boost_multiplier"`
	MaxBoostablePct    uint64        `toml:"max_boostable_pct"`
	DecayBoostPct      uint64        `toml:"decay_boost_pct"`
	GraceEpochs        uint64        `toml:"grace_epochs"`
	EpochLength        time.Duration `toml:"epoch_length"`
	SystemStart        time.Time     `toml:"system_start"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:     "8080",
			CacheTTL: 30 * time.Second,
		},
		Protocol: Protocol{
			MCR:                        decimal.RequireFromString("1.1"),
			CCR:                        decimal.RequireFromString("1.5"),
			DebtGasCompensation:        decimal.NewFromInt(200),
			CollGasCompensationDivisor: 200,
			CollateralKind:             "ETH",
		},
		Oracle: Oracle{
			SecondaryRequestID: 1,
			SecondaryDecimals:  6,
			Timeout:            4 * time.Hour,
			MaxPriceDeviation:  decimal.RequireFromString("0.5"),
			MaxPriceDifference: decimal.RequireFromString("0.05"),
			StaticPrice:        decimal.NewFromInt(2000),
		},
		Boost: Boost{
			MaxBoostMultiplier: 2,
			MaxBoostablePct:    100,
			DecayBoostPct:      100,
			GraceEpochs:        1,
			EpochLength:        7 * 24 * time.Hour,
			SystemStart:        time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %s in %s", ErrInvalid, undecoded[0], path)
	}
	return cfg, nil
}

// ApplyEnv overrides deployment settings from the environment: PORT,
// DATABASE_URL, REDIS_URL and ETH_RPC_URL.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Server.DatabaseURL = v
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Server.RedisURL = v
	}
	if v := getenv("ETH_RPC_URL"); v != "" {
		c.Oracle.RPCURL = v
	}
}

// Validate checks the settings that the component constructors would
// otherwise reject at startup.
func (c *Config) Validate() error {
	if _, err := c.LiquidationParams(); err != nil {
		return err
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("%w: oracle timeout must be positive", ErrInvalid)
	}
	if c.Oracle.RPCURL != "" && (c.Oracle.PrimaryAddress == "" || c.Oracle.SecondaryAddress == "") {
		return fmt.Errorf("%w: rpc_url requires primary_address and secondary_address", ErrInvalid)
	}
	if _, err := c.OracleParams(); err != nil {
		return err
	}
	if c.Boost.LockerAddress != "" {
		if !common.IsHexAddress(c.Boost.LockerAddress) {
			return fmt.Errorf("%w: locker_address %q is not an address", ErrInvalid, c.Boost.LockerAddress)
		}
		if c.Oracle.RPCURL == "" {
			return fmt.Errorf("%w: locker_address requires rpc_url", ErrInvalid)
		}
	}
	if c.Boost.EpochLength <= 0 {
		return fmt.Errorf("%w: boost epoch length must be positive", ErrInvalid)
	}
	if err := c.BoostParams().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// LiquidationParams converts the protocol section to engine parameters.
func (c *Config) LiquidationParams() (liquidation.Params, error) {
	p := c.Protocol
	mcr, err := toFixed("mcr", p.MCR)
	if err != nil {
		return liquidation.Params{}, err
	}
	ccr, err := toFixed("ccr", p.CCR)
	if err != nil {
		return liquidation.Params{}, err
	}
	gas, err := toFixed("debt_gas_compensation", p.DebtGasCompensation)
	if err != nil {
		return liquidation.Params{}, err
	}

	params := liquidation.Params{
		Thresholds:                 solvency.Thresholds{MCR: mcr, CCR: ccr},
		DebtGasCompensation:        gas,
		CollGasCompensationDivisor: fixedpoint.New(p.CollGasCompensationDivisor),
		CollateralKind:             p.CollateralKind,
	}
	if p.MaxCollGasCompensation.IsPositive() {
		params.MaxCollGasCompensation, err = toFixed("max_coll_gas_compensation", p.MaxCollGasCompensation)
		if err != nil {
			return liquidation.Params{}, err
		}
	}
	if err := params.Validate(); err != nil {
		return liquidation.Params{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return params, nil
}

// OracleParams converts the oracle section to arbiter parameters.
func (c *Config) OracleParams() (oracle.Params, error) {
	o := c.Oracle
	deviation, err := toFixed("max_price_deviation", o.MaxPriceDeviation)
	if err != nil {
		return oracle.Params{}, err
	}
	difference, err := toFixed("max_price_difference", o.MaxPriceDifference)
	if err != nil {
		return oracle.Params{}, err
	}
	return oracle.Params{
		Timeout:            o.Timeout,
		MaxPriceDeviation:  deviation,
		MaxPriceDifference: difference,
		SecondaryDecimals:  o.SecondaryDecimals,
	}, nil
}

// BoostParams returns the initial boost parameters.
func (c *Config) BoostParams() boost.Params {
	return boost.Params{
		MaxBoostMultiplier: c.Boost.MaxBoostMultiplier,
		MaxBoostablePct:    c.Boost.MaxBoostablePct,
		DecayBoostPct:      c.Boost.DecayBoostPct,
	}
}

// BoostConfig returns the calculator configuration.
func (c *Config) BoostConfig() boost.Config {
	return boost.Config{
		Start:       c.Boost.SystemStart,
		EpochLength: c.Boost.EpochLength,
		GraceEpochs: c.Boost.GraceEpochs,
		Params:      c.BoostParams(),
	}
}

func toFixed(name string, d decimal.Decimal) (*uint256.Int, error) {
	v, err := fixedpoint.FromDecimal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return v, nil
}
