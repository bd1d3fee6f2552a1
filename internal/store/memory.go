package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/cdp-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	ledger []model.LiquidationRecord
	byID   map[string]int
	oracle *model.OracleSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID: make(map[string]int),
	}
}

func (s *MemoryStore) InsertLiquidation(_ context.Context, rec *model.LiquidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rec.ID]; ok {
		return fmt.Errorf("liquidation %s already exists", rec.ID)
	}
	s.byID[rec.ID] = len(s.ledger)
	s.ledger = append(s.ledger, copyRecord(rec))
	return nil
}

func (s *MemoryStore) GetLiquidation(_ context.Context, id string) (*model.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("liquidation %s: %w", id, ErrNotFound)
	}
	rec := copyRecord(&s.ledger[i])
	return &rec, nil
}

func (s *MemoryStore) ListLiquidations(_ context.Context, limit int) ([]model.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.ledger)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]model.LiquidationRecord, 0, n)
	for i := len(s.ledger) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, copyRecord(&s.ledger[i]))
	}
	return result, nil
}

func (s *MemoryStore) ListLiquidationsByPosition(_ context.Context, positionID string) ([]model.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LiquidationRecord
	for i := range s.ledger {
		for _, p := range s.ledger[i].Positions {
			if p.PositionID == positionID {
				result = append(result, copyRecord(&s.ledger[i]))
				break
			}
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveOracleState(_ context.Context, snap *model.OracleSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *snap
	s.oracle = &copy
	return nil
}

func (s *MemoryStore) GetOracleState(_ context.Context) (*model.OracleSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.oracle == nil {
		return nil, fmt.Errorf("oracle state: %w", ErrNotFound)
	}
	copy := *s.oracle
	return &copy, nil
}

func copyRecord(rec *model.LiquidationRecord) model.LiquidationRecord {
	out := *rec
	out.Positions = append([]model.LiquidatedPosition(nil), rec.Positions...)
	return out
}
