// Package store defines the persistence interface for the liquidation engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/cdp-engine/internal/model"
)

// ErrNotFound is returned when a record or the oracle state does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Immutable liquidation ledger ---

	// InsertLiquidation appends a committed liquidation batch.
	InsertLiquidation(ctx context.Context, rec *model.LiquidationRecord) error

	// GetLiquidation retrieves a batch by its ID.
	GetLiquidation(ctx context.Context, id string) (*model.LiquidationRecord, error)

	// ListLiquidations returns the most recent batches, newest first.
	// A limit <= 0 returns all of them.
	ListLiquidations(ctx context.Context, limit int) ([]model.LiquidationRecord, error)

	// ListLiquidationsByPosition returns every batch that closed a position.
	ListLiquidationsByPosition(ctx context.Context, positionID string) ([]model.LiquidationRecord, error)

	// --- Oracle state ---

	// SaveOracleState replaces the persisted arbiter state.
	SaveOracleState(ctx context.Context, snap *model.OracleSnapshot) error

	// GetOracleState returns the persisted arbiter state, or ErrNotFound.
	GetOracleState(ctx context.Context) (*model.OracleSnapshot, error)
}
