package allocation

import (
	"context"

	ledger "solarshare/internal/ledger/domain"
)

// Repository stores allocation versions. Versions are never updated in place.
type Repository interface {
	AppendVersions(ctx context.Context, versions []Allocation) error
	ListVersions(ctx context.Context, generatorID string) ([]Allocation, error)
}

// ResultRepository stores the split of each generator period.
type ResultRepository interface {
	Save(ctx context.Context, result Result) error
	Get(ctx context.Context, generatorID string, period ledger.Period) (Result, error)
	ListByPeriod(ctx context.Context, period ledger.Period) ([]Result, error)
}
