package memory

import (
	"context"
	"sync"

	"solarshare/internal/analytics/domain/statistic"
	ledger "solarshare/internal/ledger/domain"
)

// SnapshotRepository is an in-memory repository for demo/testing.
type SnapshotRepository struct {
	mu   sync.RWMutex
	data map[string]statistic.AggregateStats
}

// NewSnapshotRepository constructs a repository.
func NewSnapshotRepository() *SnapshotRepository {
	return &SnapshotRepository{data: make(map[string]statistic.AggregateStats)}
}

// Get loads the stored roll-up of a scope and range.
func (r *SnapshotRepository) Get(ctx context.Context, scope statistic.Scope, span ledger.PeriodRange) (statistic.AggregateStats, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats, ok := r.data[snapshotKey(scope, span)]
	if !ok {
		return statistic.AggregateStats{}, statistic.ErrStatisticNotFound
	}
	return stats, nil
}

// Save replaces the roll-up of its scope and range.
func (r *SnapshotRepository) Save(ctx context.Context, stats statistic.AggregateStats) error {
	_ = ctx
	if err := stats.Scope.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[snapshotKey(stats.Scope, stats.Range)] = stats
	return nil
}

func snapshotKey(scope statistic.Scope, span ledger.PeriodRange) string {
	return scope.Key() + "|" + span.From.TimeKey() + "|" + span.To.TimeKey()
}
