package statistic

import (
	"context"

	ledger "solarshare/internal/ledger/domain"
)

// SnapshotRepository stores the latest roll-up per (scope, range).
type SnapshotRepository interface {
	Get(ctx context.Context, scope Scope, span ledger.PeriodRange) (AggregateStats, error)
	Save(ctx context.Context, stats AggregateStats) error
}
