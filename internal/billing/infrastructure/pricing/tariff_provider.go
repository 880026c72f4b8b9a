package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/txn"
)

const defaultRatesTable = "distributor_rates"

// TariffProvider resolves the price per kWh straight from the rates table.
type TariffProvider struct {
	db         *sql.DB
	tenantID   string
	ratesTable string
}

// TariffOption configures the provider.
type TariffOption func(*TariffProvider)

// WithRatesTable overrides the rates table name.
func WithRatesTable(table string) TariffOption {
	return func(p *TariffProvider) {
		if table != "" {
			p.ratesTable = table
		}
	}
}

// WithTenantID sets the tenant id scope.
func WithTenantID(tenantID string) TariffOption {
	return func(p *TariffProvider) {
		if tenantID != "" {
			p.tenantID = tenantID
		}
	}
}

// NewTariffProvider constructs a provider.
func NewTariffProvider(db *sql.DB, opts ...TariffOption) *TariffProvider {
	p := &TariffProvider{
		db:         db,
		tenantID:   "default",
		ratesTable: defaultRatesTable,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RateAt returns the newest rate effective on or before the first instant of period.
func (p *TariffProvider) RateAt(ctx context.Context, distributorID string, period ledger.Period) (decimal.Decimal, error) {
	if p == nil || p.db == nil {
		return decimal.Zero, errors.New("tariff provider: nil db")
	}
	if distributorID == "" {
		return decimal.Zero, errors.New("tariff provider: empty distributor id")
	}
	if period.IsZero() {
		return decimal.Zero, errors.New("tariff provider: invalid period")
	}

	query := fmt.Sprintf(`
SELECT price_per_kwh::text
FROM %s
WHERE tenant_id = $1 AND distributor_id = $2 AND effective_from <= $3
ORDER BY effective_from DESC
LIMIT 1`, p.ratesTable)

	var raw string
	err := txn.Executor(ctx, p.db).QueryRowContext(ctx, query, p.tenantID, distributorID, period.Start()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w: distributor %s %s", billing.ErrRateUnavailable, distributorID, period)
	}
	if err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("tariff provider: parse price: %w", err)
	}
	return price, nil
}
