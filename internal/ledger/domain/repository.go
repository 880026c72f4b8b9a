package ledger

import (
	"context"
	"time"
)

// InstallationRepository resolves metered sites.
type InstallationRepository interface {
	Get(ctx context.Context, id string) (Installation, error)
	FindByNumber(ctx context.Context, number string) (Installation, error)
	List(ctx context.Context) ([]Installation, error)
	ListByCustomer(ctx context.Context, customerID string) ([]Installation, error)
	Save(ctx context.Context, inst Installation) error
}

// ReadingRepository stores raw uploads keyed by (installation, period).
// Upsert overwrites the exact key and never duplicates.
type ReadingRepository interface {
	Upsert(ctx context.Context, reading Reading) error
	Get(ctx context.Context, installationID string, period Period) (Reading, error)
	ListByPeriod(ctx context.Context, period Period) ([]Reading, error)
}

// RecordRepository stores ledgered period records.
type RecordRepository interface {
	Get(ctx context.Context, installationID string, period Period) (PeriodRecord, error)
	// LatestBefore returns the newest record strictly before period.
	LatestBefore(ctx context.Context, installationID string, period Period) (PeriodRecord, error)
	Latest(ctx context.Context, installationID string) (PeriodRecord, error)
	ListRange(ctx context.Context, installationID string, from, to Period) ([]PeriodRecord, error)
	ListByPeriod(ctx context.Context, period Period) ([]PeriodRecord, error)
	ListCompletedByPeriod(ctx context.Context, from, to Period) ([]PeriodRecord, error)
	// Save upserts by key, bumps Version and resets the completion marker.
	Save(ctx context.Context, record *PeriodRecord) error
	MarkCompleted(ctx context.Context, installationID string, period Period, at time.Time) error
}
