package memory

import (
	"context"
	"sort"
	"sync"

	allocation "solarshare/internal/allocation/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

// Repository keeps allocation versions in memory for demo/testing.
type Repository struct {
	mu       sync.RWMutex
	versions map[string][]allocation.Allocation
}

// NewRepository constructs a repository.
func NewRepository() *Repository {
	return &Repository{versions: make(map[string][]allocation.Allocation)}
}

// AppendVersions stores new versions.
func (r *Repository) AppendVersions(ctx context.Context, versions []allocation.Allocation) error {
	if len(versions) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	lengths := make(map[string]int)
	for _, v := range versions {
		if v.GeneratorID == "" {
			return allocation.ErrEmptyGeneratorID
		}
		if _, ok := lengths[v.GeneratorID]; !ok {
			lengths[v.GeneratorID] = len(r.versions[v.GeneratorID])
		}
		r.versions[v.GeneratorID] = append(r.versions[v.GeneratorID], v)
	}
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for generatorID, n := range lengths {
			r.versions[generatorID] = r.versions[generatorID][:n]
		}
	})
	return nil
}

// ListVersions returns every version of a generator's allocations, oldest first.
func (r *Repository) ListVersions(ctx context.Context, generatorID string) ([]allocation.Allocation, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]allocation.Allocation(nil), r.versions[generatorID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ResultRepository keeps allocation results in memory.
type ResultRepository struct {
	mu   sync.RWMutex
	data map[string]allocation.Result
}

// NewResultRepository constructs a repository.
func NewResultRepository() *ResultRepository {
	return &ResultRepository{data: make(map[string]allocation.Result)}
}

// Save upserts the result of a generator period.
func (r *ResultRepository) Save(ctx context.Context, result allocation.Result) error {
	if result.GeneratorID == "" {
		return allocation.ErrEmptyGeneratorID
	}
	key := ledger.RecordKey(result.GeneratorID, result.Period)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.data[key]
	r.data[key] = result
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.data[key] = prev
			return
		}
		delete(r.data, key)
	})
	return nil
}

// Get loads the result of a generator period.
func (r *ResultRepository) Get(ctx context.Context, generatorID string, period ledger.Period) (allocation.Result, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	result, ok := r.data[ledger.RecordKey(generatorID, period)]
	if !ok {
		return allocation.Result{}, allocation.ErrResultNotFound
	}
	return result, nil
}

// ListByPeriod returns every generator result of period.
func (r *ResultRepository) ListByPeriod(ctx context.Context, period ledger.Period) ([]allocation.Result, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]allocation.Result, 0)
	for _, result := range r.data {
		if result.Period == period {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratorID < out[j].GeneratorID })
	return out, nil
}
