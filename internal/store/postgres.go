package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/cdp-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded SQL files in lexical order. Every migration is
// idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, file := range files {
		data, err := fs.ReadFile(migrationsFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		if _, err := s.pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", file, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertLiquidation(ctx context.Context, r *model.LiquidationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO liquidations (id, liquidator, price, recovery_mode_at_start,
		        total_debt, total_coll, coll_gas_compensation, debt_gas_compensation,
		        debt_to_offset, coll_to_send_to_pool, debt_to_redistribute, coll_to_redistribute,
		        coll_surplus, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13::NUMERIC, $14)`,
		r.ID, r.Liquidator, r.Price.String(), r.RecoveryModeAtStart,
		r.TotalDebt.String(), r.TotalColl.String(),
		r.CollGasCompensation.String(), r.DebtGasCompensation.String(),
		r.DebtToOffset.String(), r.CollToSendToPool.String(),
		r.DebtToRedistribute.String(), r.CollToRedistribute.String(),
		r.CollSurplus.String(), r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert liquidation %s: %w", r.ID, err)
	}

	for i, p := range r.Positions {
		_, err = tx.Exec(ctx,
			`INSERT INTO liquidated_positions (liquidation_id, seq, position_id, mode, debt, coll,
			        coll_gas_compensation, debt_to_offset, coll_to_send_to_pool,
			        debt_to_redistribute, coll_to_redistribute, coll_surplus)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
			         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC)`,
			r.ID, i, p.PositionID, string(p.Mode), p.Debt.String(), p.Coll.String(),
			p.CollGasCompensation.String(), p.DebtToOffset.String(), p.CollToSendToPool.String(),
			p.DebtToRedistribute.String(), p.CollToRedistribute.String(), p.CollSurplus.String(),
		)
		if err != nil {
			return fmt.Errorf("insert liquidated position %s: %w", p.PositionID, err)
		}
	}
	return tx.Commit(ctx)
}

const liquidationColumns = `id, liquidator, price::TEXT, recovery_mode_at_start,
		        total_debt::TEXT, total_coll::TEXT,
		        coll_gas_compensation::TEXT, debt_gas_compensation::TEXT,
		        debt_to_offset::TEXT, coll_to_send_to_pool::TEXT,
		        debt_to_redistribute::TEXT, coll_to_redistribute::TEXT,
		        coll_surplus::TEXT, timestamp`

func (s *PostgresStore) GetLiquidation(ctx context.Context, id string) (*model.LiquidationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+liquidationColumns+` FROM liquidations WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	recs, err := scanLiquidations(rows)
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("get liquidation %s: %w", id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("liquidation %s: %w", id, ErrNotFound)
	}
	if err := s.loadPositions(ctx, recs); err != nil {
		return nil, err
	}
	return &recs[0], nil
}

func (s *PostgresStore) ListLiquidations(ctx context.Context, limit int) ([]model.LiquidationRecord, error) {
	query := `SELECT ` + liquidationColumns + ` FROM liquidations ORDER BY timestamp DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	recs, err := scanLiquidations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return recs, s.loadPositions(ctx, recs)
}

func (s *PostgresStore) ListLiquidationsByPosition(ctx context.Context, positionID string) ([]model.LiquidationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+liquidationColumns+` FROM liquidations
		 WHERE id IN (SELECT liquidation_id FROM liquidated_positions WHERE position_id = $1)
		 ORDER BY timestamp, id`, positionID)
	if err != nil {
		return nil, err
	}
	recs, err := scanLiquidations(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	return recs, s.loadPositions(ctx, recs)
}

// loadPositions fills in the per-position outcomes of each record.
func (s *PostgresStore) loadPositions(ctx context.Context, recs []model.LiquidationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	index := make(map[string]int, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.pool.Query(ctx,
		`SELECT liquidation_id, position_id, mode, debt::TEXT, coll::TEXT,
		        coll_gas_compensation::TEXT, debt_to_offset::TEXT, coll_to_send_to_pool::TEXT,
		        debt_to_redistribute::TEXT, coll_to_redistribute::TEXT, coll_surplus::TEXT
		 FROM liquidated_positions WHERE liquidation_id = ANY($1) ORDER BY liquidation_id, seq`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var liqID, mode string
		var p model.LiquidatedPosition
		var debtS, collS, gasS, offS, toPoolS, redDebtS, redCollS, surplusS string
		if err := rows.Scan(&liqID, &p.PositionID, &mode, &debtS, &collS,
			&gasS, &offS, &toPoolS, &redDebtS, &redCollS, &surplusS); err != nil {
			return err
		}
		p.Mode = model.LiquidationMode(mode)
		p.Debt, _ = decimal.NewFromString(debtS)
		p.Coll, _ = decimal.NewFromString(collS)
		p.CollGasCompensation, _ = decimal.NewFromString(gasS)
		p.DebtToOffset, _ = decimal.NewFromString(offS)
		p.CollToSendToPool, _ = decimal.NewFromString(toPoolS)
		p.DebtToRedistribute, _ = decimal.NewFromString(redDebtS)
		p.CollToRedistribute, _ = decimal.NewFromString(redCollS)
		p.CollSurplus, _ = decimal.NewFromString(surplusS)

		i := index[liqID]
		recs[i].Positions = append(recs[i].Positions, p)
	}
	return rows.Err()
}

func (s *PostgresStore) SaveOracleState(ctx context.Context, snap *model.OracleSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO oracle_state (id, status, last_good_price, last_primary_round_id, last_update)
		 VALUES (1, $1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status,
		     last_good_price = EXCLUDED.last_good_price,
		     last_primary_round_id = EXCLUDED.last_primary_round_id,
		     last_update = EXCLUDED.last_update`,
		snap.Status, snap.LastGoodPrice.String(),
		snap.LastPrimaryRoundID.String(), snap.LastUpdate,
	)
	return err
}

func (s *PostgresStore) GetOracleState(ctx context.Context) (*model.OracleSnapshot, error) {
	var snap model.OracleSnapshot
	var priceS, roundS string

	err := s.pool.QueryRow(ctx,
		`SELECT status, last_good_price::TEXT, last_primary_round_id::TEXT, last_update
		 FROM oracle_state WHERE id = 1`).
		Scan(&snap.Status, &priceS, &roundS, &snap.LastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("oracle state: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get oracle state: %w", err)
	}

	snap.LastGoodPrice, err = decimal.NewFromString(priceS)
	if err != nil {
		return nil, fmt.Errorf("parse oracle price %q: %w", priceS, err)
	}
	snap.LastPrimaryRoundID, err = decimal.NewFromString(roundS)
	if err != nil {
		return nil, fmt.Errorf("parse oracle round %q: %w", roundS, err)
	}
	return &snap, nil
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanLiquidations(rows pgxRows) ([]model.LiquidationRecord, error) {
	var recs []model.LiquidationRecord
	for rows.Next() {
		var r model.LiquidationRecord
		var priceS, debtS, collS, collGasS, debtGasS, offS, toPoolS, redDebtS, redCollS, surplusS string

		if err := rows.Scan(&r.ID, &r.Liquidator, &priceS, &r.RecoveryModeAtStart,
			&debtS, &collS, &collGasS, &debtGasS,
			&offS, &toPoolS, &redDebtS, &redCollS,
			&surplusS, &r.Timestamp); err != nil {
			return nil, err
		}

		r.Price, _ = decimal.NewFromString(priceS)
		r.TotalDebt, _ = decimal.NewFromString(debtS)
		r.TotalColl, _ = decimal.NewFromString(collS)
		r.CollGasCompensation, _ = decimal.NewFromString(collGasS)
		r.DebtGasCompensation, _ = decimal.NewFromString(debtGasS)
		r.DebtToOffset, _ = decimal.NewFromString(offS)
		r.CollToSendToPool, _ = decimal.NewFromString(toPoolS)
		r.DebtToRedistribute, _ = decimal.NewFromString(redDebtS)
		r.CollToRedistribute, _ = decimal.NewFromString(redCollS)
		r.CollSurplus, _ = decimal.NewFromString(surplusS)

		recs = append(recs, r)
	}
	return recs, rows.Err()
}
