package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
)

// FixedRateProvider returns one price per kWh for every distributor and period.
type FixedRateProvider struct {
	price decimal.Decimal
}

// NewFixedRateProvider constructs the provider.
func NewFixedRateProvider(price decimal.Decimal) (*FixedRateProvider, error) {
	if !price.IsPositive() {
		return nil, ledger.NewValidationError("price_per_kwh", "must be positive")
	}
	return &FixedRateProvider{price: price}, nil
}

// RateAt returns the configured price.
func (p *FixedRateProvider) RateAt(ctx context.Context, distributorID string, period ledger.Period) (decimal.Decimal, error) {
	_ = ctx
	if distributorID == "" || period.IsZero() {
		return decimal.Zero, billing.ErrRateUnavailable
	}
	return p.price, nil
}
