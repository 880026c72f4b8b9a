package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
)

// Customer owns consumer installations and carries its negotiated discount.
type Customer struct {
	ID        string
	Name      string
	Email     string
	Document  string
	Discount  decimal.Decimal
	CreatedAt time.Time
}

// Validate checks identity and discount in [0, 1).
func (c Customer) Validate() error {
	if c.ID == "" {
		return ledger.NewValidationError("customer_id", "required")
	}
	return ValidateDiscount(c.Discount)
}

// ValidateDiscount checks 0 <= discount < 1.
func ValidateDiscount(discount decimal.Decimal) error {
	if discount.IsNegative() || discount.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ledger.NewValidationError("discount", fmt.Sprintf("discount %s outside [0, 1)", discount))
	}
	return nil
}

// Rate is a distributor price per kWh effective from a timestamp.
type Rate struct {
	EffectiveFrom time.Time       `json:"effective_from"`
	PricePerKWh   decimal.Decimal `json:"price_per_kwh"`
}

// Distributor is the utility whose rate history prices compensated energy.
type Distributor struct {
	ID    string
	Name  string
	Rates RateHistory
}

// RateHistory is a list of rates ordered by EffectiveFrom.
type RateHistory []Rate

// Sorted returns a copy ordered by EffectiveFrom.
func (h RateHistory) Sorted() RateHistory {
	out := append(RateHistory(nil), h...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out
}

// RateAt returns the price in force at the start of the billing period.
func (h RateHistory) RateAt(period ledger.Period) (decimal.Decimal, error) {
	start := period.Start()
	var (
		found decimal.Decimal
		ok    bool
	)
	for _, rate := range h.Sorted() {
		if rate.EffectiveFrom.After(start) {
			break
		}
		found, ok = rate.PricePerKWh, true
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, period)
	}
	return found, nil
}

// Validate checks that every price is positive.
func (h RateHistory) Validate() error {
	for _, rate := range h {
		if rate.EffectiveFrom.IsZero() {
			return ledger.NewValidationError("effective_from", "required")
		}
		if !rate.PricePerKWh.IsPositive() {
			return ledger.NewValidationError("price_per_kwh", "must be positive")
		}
	}
	return nil
}
