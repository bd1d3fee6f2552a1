package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/cdp-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the cache;
// reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) InsertLiquidation(ctx context.Context, rec *model.LiquidationRecord) error {
	if err := s.primary.InsertLiquidation(ctx, rec); err != nil {
		return err
	}
	s.cache(ctx, liquidationKey(rec.ID), rec)
	// Invalidate every cached position history the batch touched.
	for _, p := range rec.Positions {
		s.rdb.Del(ctx, positionLiquidationsKey(p.PositionID))
	}
	return nil
}

func (s *CachedStore) SaveOracleState(ctx context.Context, snap *model.OracleSnapshot) error {
	if err := s.primary.SaveOracleState(ctx, snap); err != nil {
		return err
	}
	s.cache(ctx, oracleStateKey, snap)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetLiquidation(ctx context.Context, id string) (*model.LiquidationRecord, error) {
	data, err := s.rdb.Get(ctx, liquidationKey(id)).Bytes()
	if err == nil {
		var rec model.LiquidationRecord
		if json.Unmarshal(data, &rec) == nil {
			return &rec, nil
		}
	}

	rec, err := s.primary.GetLiquidation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, liquidationKey(id), rec)
	return rec, nil
}

func (s *CachedStore) ListLiquidationsByPosition(ctx context.Context, positionID string) ([]model.LiquidationRecord, error) {
	data, err := s.rdb.Get(ctx, positionLiquidationsKey(positionID)).Bytes()
	if err == nil {
		var recs []model.LiquidationRecord
		if json.Unmarshal(data, &recs) == nil {
			return recs, nil
		}
	}

	recs, err := s.primary.ListLiquidationsByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionLiquidationsKey(positionID), recs)
	return recs, nil
}

func (s *CachedStore) GetOracleState(ctx context.Context) (*model.OracleSnapshot, error) {
	data, err := s.rdb.Get(ctx, oracleStateKey).Bytes()
	if err == nil {
		var snap model.OracleSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	snap, err := s.primary.GetOracleState(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, oracleStateKey, snap)
	return snap, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListLiquidations(ctx context.Context, limit int) ([]model.LiquidationRecord, error) {
	return s.primary.ListLiquidations(ctx, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const oracleStateKey = "oracle:state"

func liquidationKey(id string) string          { return fmt.Sprintf("liquidation:%s", id) }
func positionLiquidationsKey(id string) string { return fmt.Sprintf("position-liquidations:%s", id) }
