package memory

import (
	"context"
	"sort"
	"sync"

	batch "solarshare/internal/batch/domain"
	ledger "solarshare/internal/ledger/domain"
)

// RunRepository is an in-memory run report store for demo/testing.
type RunRepository struct {
	mu   sync.RWMutex
	data map[string]*batch.RunReport
}

// NewRunRepository constructs a repository.
func NewRunRepository() *RunRepository {
	return &RunRepository{data: make(map[string]*batch.RunReport)}
}

// Save upserts a report by id.
func (r *RunRepository) Save(ctx context.Context, report *batch.RunReport) error {
	_ = ctx
	if report == nil || report.ID == "" {
		return batch.ErrRunNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[report.ID] = report.Clone()
	return nil
}

// Get loads a report.
func (r *RunRepository) Get(ctx context.Context, id string) (*batch.RunReport, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	report, ok := r.data[id]
	if !ok {
		return nil, batch.ErrRunNotFound
	}
	return report.Clone(), nil
}

// ListByMonth returns the month's reports, oldest first.
func (r *RunRepository) ListByMonth(ctx context.Context, month ledger.Period) ([]*batch.RunReport, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*batch.RunReport
	for _, report := range r.data {
		if report.Month == month {
			out = append(out, report.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
