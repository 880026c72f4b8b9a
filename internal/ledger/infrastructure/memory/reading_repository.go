package memory

import (
	"context"
	"sort"
	"sync"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

// ReadingRepository keeps raw uploads in memory, one per (installation, period).
type ReadingRepository struct {
	mu   sync.RWMutex
	data map[string]ledger.Reading
}

// NewReadingRepository constructs a repository.
func NewReadingRepository() *ReadingRepository {
	return &ReadingRepository{data: make(map[string]ledger.Reading)}
}

// Upsert overwrites the reading for its exact key.
func (r *ReadingRepository) Upsert(ctx context.Context, reading ledger.Reading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	key := ledger.RecordKey(reading.InstallationID, reading.Period)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.data[key]
	r.data[key] = reading
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

// Get loads the reading for (installation, period).
func (r *ReadingRepository) Get(ctx context.Context, installationID string, period ledger.Period) (ledger.Reading, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	reading, ok := r.data[ledger.RecordKey(installationID, period)]
	if !ok {
		return ledger.Reading{}, ledger.ErrReadingNotFound
	}
	return reading, nil
}

// ListByPeriod returns every reading uploaded for period, ordered by installation.
func (r *ReadingRepository) ListByPeriod(ctx context.Context, period ledger.Period) ([]ledger.Reading, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledger.Reading, 0)
	for _, reading := range r.data {
		if reading.Period == period {
			out = append(out, reading)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallationID < out[j].InstallationID })
	return out, nil
}
