package pricing

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
)

// HistoryProvider resolves rates from the distributor's stored rate history.
type HistoryProvider struct {
	distributors billing.DistributorRepository
}

// NewHistoryProvider constructs the provider.
func NewHistoryProvider(distributors billing.DistributorRepository) (*HistoryProvider, error) {
	if distributors == nil {
		return nil, errors.New("history provider: nil distributor repo")
	}
	return &HistoryProvider{distributors: distributors}, nil
}

// RateAt returns the rate in force at the start of period.
func (p *HistoryProvider) RateAt(ctx context.Context, distributorID string, period ledger.Period) (decimal.Decimal, error) {
	if distributorID == "" {
		return decimal.Zero, billing.ErrDistributorNotFound
	}
	distributor, err := p.distributors.Get(ctx, distributorID)
	if err != nil {
		return decimal.Zero, err
	}
	return distributor.Rates.RateAt(period)
}
