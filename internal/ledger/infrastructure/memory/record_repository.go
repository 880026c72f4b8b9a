package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

// RecordRepository is an in-memory period record store for demo/testing.
type RecordRepository struct {
	mu   sync.RWMutex
	data map[string]ledger.PeriodRecord
}

// NewRecordRepository constructs a repository.
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{data: make(map[string]ledger.PeriodRecord)}
}

// Get loads the record for (installation, period).
func (r *RecordRepository) Get(ctx context.Context, installationID string, period ledger.Period) (ledger.PeriodRecord, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.data[ledger.RecordKey(installationID, period)]
	if !ok {
		return ledger.PeriodRecord{}, ledger.ErrRecordNotFound
	}
	return record.Clone(), nil
}

// LatestBefore returns the newest record strictly before period.
func (r *RecordRepository) LatestBefore(ctx context.Context, installationID string, period ledger.Period) (ledger.PeriodRecord, error) {
	return r.latest(ctx, installationID, func(p ledger.Period) bool { return p.Before(period) })
}

// Latest returns the newest record of the installation.
func (r *RecordRepository) Latest(ctx context.Context, installationID string) (ledger.PeriodRecord, error) {
	return r.latest(ctx, installationID, func(ledger.Period) bool { return true })
}

func (r *RecordRepository) latest(ctx context.Context, installationID string, keep func(ledger.Period) bool) (ledger.PeriodRecord, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		found ledger.PeriodRecord
		ok    bool
	)
	for _, record := range r.data {
		if record.InstallationID != installationID || !keep(record.Period) {
			continue
		}
		if !ok || record.Period.After(found.Period) {
			found, ok = record, true
		}
	}
	if !ok {
		return ledger.PeriodRecord{}, ledger.ErrRecordNotFound
	}
	return found.Clone(), nil
}

// ListRange returns the installation's records in [from, to], oldest first.
func (r *RecordRepository) ListRange(ctx context.Context, installationID string, from, to ledger.Period) ([]ledger.PeriodRecord, error) {
	span := ledger.PeriodRange{From: from, To: to}
	if err := span.Validate(); err != nil {
		return nil, err
	}
	return r.filter(ctx, func(rec ledger.PeriodRecord) bool {
		return rec.InstallationID == installationID && span.Contains(rec.Period)
	}), nil
}

// ListByPeriod returns every record of period, completed or not.
func (r *RecordRepository) ListByPeriod(ctx context.Context, period ledger.Period) ([]ledger.PeriodRecord, error) {
	return r.filter(ctx, func(rec ledger.PeriodRecord) bool { return rec.Period == period }), nil
}

// ListCompletedByPeriod returns completed records in [from, to].
func (r *RecordRepository) ListCompletedByPeriod(ctx context.Context, from, to ledger.Period) ([]ledger.PeriodRecord, error) {
	span := ledger.PeriodRange{From: from, To: to}
	if err := span.Validate(); err != nil {
		return nil, err
	}
	return r.filter(ctx, func(rec ledger.PeriodRecord) bool {
		return rec.Completed && span.Contains(rec.Period)
	}), nil
}

func (r *RecordRepository) filter(ctx context.Context, keep func(ledger.PeriodRecord) bool) []ledger.PeriodRecord {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ledger.PeriodRecord, 0)
	for _, record := range r.data {
		if keep(record) {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period != out[j].Period {
			return out[i].Period.Before(out[j].Period)
		}
		return out[i].InstallationID < out[j].InstallationID
	})
	return out
}

// Save upserts by key, bumps the version and clears the completion marker.
func (r *RecordRepository) Save(ctx context.Context, record *ledger.PeriodRecord) error {
	if record == nil {
		return ledger.ErrNilRecord
	}
	if record.InstallationID == "" {
		return ledger.ErrEmptyInstallationID
	}
	key := record.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed := r.data[key]
	record.Version = prev.Version + 1
	record.Completed = false
	record.CompletedAt = time.Time{}
	r.data[key] = record.Clone()
	r.registerUndo(ctx, key, prev, existed)
	return nil
}

// MarkCompleted sets the completion marker on an existing record.
func (r *RecordRepository) MarkCompleted(ctx context.Context, installationID string, period ledger.Period, at time.Time) error {
	key := ledger.RecordKey(installationID, period)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.data[key]
	if !ok {
		return ledger.ErrRecordNotFound
	}
	next := prev.Clone()
	next.Completed = true
	next.CompletedAt = at.UTC()
	r.data[key] = next
	r.registerUndo(ctx, key, prev, true)
	return nil
}

func (r *RecordRepository) registerUndo(ctx context.Context, key string, prev ledger.PeriodRecord, existed bool) {
	txn.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existed {
			r.data[key] = prev
			return
		}
		delete(r.data, key)
	})
}
