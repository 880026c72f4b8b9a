package batch

import (
	"context"

	ledger "solarshare/internal/ledger/domain"
)

// RunRepository stores run reports.
type RunRepository interface {
	Save(ctx context.Context, report *RunReport) error
	Get(ctx context.Context, id string) (*RunReport, error)
	ListByMonth(ctx context.Context, month ledger.Period) ([]*RunReport, error)
}
