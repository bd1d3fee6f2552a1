// Package model defines the domain types shared across the liquidation engine.
// Engine arithmetic runs on 18-decimal uint256 values; the records here are the
// human-facing and persisted form, which use shopspring/decimal.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a collateralized debt position.
type PositionStatus uint8

const (
	StatusNonExistent PositionStatus = iota
	StatusActive
	StatusClosedByOwner
	StatusClosedByLiquidation
	StatusClosedByRedemption
)

var statusNames = [...]string{
	StatusNonExistent:         "nonexistent",
	StatusActive:              "active",
	StatusClosedByOwner:       "closed_by_owner",
	StatusClosedByLiquidation: "closed_by_liquidation",
	StatusClosedByRedemption:  "closed_by_redemption",
}

func (s PositionStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// MarshalText renders the status name in JSON.
func (s PositionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *PositionStatus) UnmarshalText(b []byte) error {
	name := strings.TrimSpace(string(b))
	for i, n := range statusNames {
		if n == name {
			*s = PositionStatus(i)
			return nil
		}
	}
	return fmt.Errorf("model: unknown position status %q", name)
}

// LiquidationMode tells which rule set resolved a position.
type LiquidationMode string

const (
	ModeNormal   LiquidationMode = "normal"
	ModeRecovery LiquidationMode = "recovery"
)

// Position is a read view of a position, including pending redistribution
// rewards, valued at a given price.
type Position struct {
	ID                string          `json:"id"`
	Status            PositionStatus  `json:"status"`
	Debt              decimal.Decimal `json:"debt"`
	Coll              decimal.Decimal `json:"coll"`
	PendingDebtReward decimal.Decimal `json:"pending_debt_reward"`
	PendingCollReward decimal.Decimal `json:"pending_coll_reward"`
	Stake             decimal.Decimal `json:"stake"`
	ICR               decimal.Decimal `json:"icr"`
}

// LiquidatedPosition is one position resolved inside a liquidation batch.
type LiquidatedPosition struct {
	PositionID          string          `json:"position_id" db:"position_id"`
	Mode                LiquidationMode `json:"mode" db:"mode"`
	Debt                decimal.Decimal `json:"debt" db:"debt"`
	Coll                decimal.Decimal `json:"coll" db:"coll"`
	CollGasCompensation decimal.Decimal `json:"coll_gas_compensation" db:"coll_gas_compensation"`
	DebtToOffset        decimal.Decimal `json:"debt_to_offset" db:"debt_to_offset"`
	CollToSendToPool    decimal.Decimal `json:"coll_to_send_to_pool" db:"coll_to_send_to_pool"`
	DebtToRedistribute  decimal.Decimal `json:"debt_to_redistribute" db:"debt_to_redistribute"`
	CollToRedistribute  decimal.Decimal `json:"coll_to_redistribute" db:"coll_to_redistribute"`
	CollSurplus         decimal.Decimal `json:"coll_surplus" db:"coll_surplus"`
}

// LiquidationRecord is an immutable ledger entry for one committed batch.
// Once created, these are never modified or deleted.
type LiquidationRecord struct {
	ID                  string               `json:"id" db:"id"`
	Liquidator          string               `json:"liquidator" db:"liquidator"`
	Price               decimal.Decimal      `json:"price" db:"price"`
	RecoveryModeAtStart bool                 `json:"recovery_mode_at_start" db:"recovery_mode_at_start"`
	TotalDebt           decimal.Decimal      `json:"total_debt" db:"total_debt"`
	TotalColl           decimal.Decimal      `json:"total_coll" db:"total_coll"`
	CollGasCompensation decimal.Decimal      `json:"coll_gas_compensation" db:"coll_gas_compensation"`
	DebtGasCompensation decimal.Decimal      `json:"debt_gas_compensation" db:"debt_gas_compensation"`
	DebtToOffset        decimal.Decimal      `json:"debt_to_offset" db:"debt_to_offset"`
	CollToSendToPool    decimal.Decimal      `json:"coll_to_send_to_pool" db:"coll_to_send_to_pool"`
	DebtToRedistribute  decimal.Decimal      `json:"debt_to_redistribute" db:"debt_to_redistribute"`
	CollToRedistribute  decimal.Decimal      `json:"coll_to_redistribute" db:"coll_to_redistribute"`
	CollSurplus         decimal.Decimal      `json:"coll_surplus" db:"coll_surplus"`
	Positions           []LiquidatedPosition `json:"positions"`
	Timestamp           time.Time            `json:"timestamp" db:"timestamp"`
}

// OracleSnapshot is the persisted state of the price arbiter.
type OracleSnapshot struct {
	Status             string          `json:"status"`
	LastGoodPrice      decimal.Decimal `json:"last_good_price"`
	LastPrimaryRoundID decimal.Decimal `json:"last_primary_round_id"` // uint80, phase in the upper 16 bits
	LastUpdate         time.Time       `json:"last_update"`
}

// SystemState summarises system-wide solvency at a price.
type SystemState struct {
	Price         decimal.Decimal `json:"price"`
	OracleStatus  string          `json:"oracle_status"`
	TotalDebt     decimal.Decimal `json:"total_debt"`
	TotalColl     decimal.Decimal `json:"total_coll"`
	TCR           decimal.Decimal `json:"tcr"`
	RecoveryMode  bool            `json:"recovery_mode"`
	PositionCount uint64          `json:"position_count"`
	PoolLiquidity decimal.Decimal `json:"pool_liquidity"`
}
