package boost

import (
	"context"
	"sync"
)

// LockRegistry reports finalized governance lock weight per epoch.
type LockRegistry interface {
	AccountWeightAt(ctx context.Context, account string, epoch uint64) (uint64, error)
	TotalWeightAt(ctx context.Context, epoch uint64) (uint64, error)
}

// MemoryRegistry is an in-memory LockRegistry. The total for an epoch is the
// sum of the account weights set for it.
type MemoryRegistry struct {
	mu      sync.RWMutex
	weights map[uint64]map[string]uint64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{weights: make(map[uint64]map[string]uint64)}
}

// SetWeight records an account's lock weight for an epoch.
func (r *MemoryRegistry) SetWeight(account string, epoch, weight uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byAccount, ok := r.weights[epoch]
	if !ok {
		byAccount = make(map[string]uint64)
		r.weights[epoch] = byAccount
	}
	byAccount[account] = weight
}

func (r *MemoryRegistry) AccountWeightAt(_ context.Context, account string, epoch uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.weights[epoch][account], nil
}

func (r *MemoryRegistry) TotalWeightAt(_ context.Context, epoch uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total uint64
	for _, w := range r.weights[epoch] {
		total += w
	}
	return total, nil
}
