package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
)

const moneyScale = 2

var (
	one = decimal.NewFromInt(1)
	// cent is the tolerance of the savings cross-check.
	cent = decimal.New(1, -moneyScale)
)

// BillableRecord pairs a consumer period record with its installation.
type BillableRecord struct {
	Installation ledger.Installation
	Record       ledger.PeriodRecord
}

// RatedRecord is a billable record with the rate of its distributor.
type RatedRecord struct {
	BillableRecord
	Rate decimal.Decimal
}

// InvoiceAmounts are the money figures of one customer month.
type InvoiceAmounts struct {
	ReferenceMonth ledger.Period
	EnergyKWh      decimal.Decimal
	Rate           decimal.Decimal
	EffectiveRate  decimal.Decimal
	Discount       decimal.Decimal
	InvoiceAmount  decimal.Decimal
	TotalAmount    decimal.Decimal
	Savings        decimal.Decimal
	InstallationID string
}

// ComputeInvoice prices the compensated energy of one customer month at a single rate.
func ComputeInvoice(customer Customer, records []BillableRecord, rate, discount decimal.Decimal) (InvoiceAmounts, error) {
	rated := make([]RatedRecord, 0, len(records))
	for _, r := range records {
		rated = append(rated, RatedRecord{BillableRecord: r, Rate: rate})
	}
	return ComputeInvoiceLines(customer, rated, discount)
}

// ComputeInvoiceLines prices records that may carry different distributor rates.
// Sub-totals stay unrounded; amounts are rounded half-up to cents once.
func ComputeInvoiceLines(customer Customer, records []RatedRecord, discount decimal.Decimal) (InvoiceAmounts, error) {
	if customer.ID == "" {
		return InvoiceAmounts{}, ledger.NewValidationError("customer_id", "required")
	}
	if err := ValidateDiscount(discount); err != nil {
		return InvoiceAmounts{}, err
	}
	if len(records) == 0 {
		return InvoiceAmounts{}, ErrNoEnergyDataForPeriod
	}

	month := records[0].Record.Period
	energy := decimal.Zero
	gross := decimal.Zero
	firstRate := records[0].Rate
	singleRate := true
	representative := ""
	for _, r := range records {
		if err := checkBillable(customer, month, r.BillableRecord); err != nil {
			return InvoiceAmounts{}, err
		}
		if !r.Rate.IsPositive() {
			return InvoiceAmounts{}, fmt.Errorf("%w: non-positive rate for %s", ErrRateUnavailable, r.Installation.ID)
		}
		if !r.Rate.Equal(firstRate) {
			singleRate = false
		}
		if representative == "" || r.Installation.ID < representative {
			representative = r.Installation.ID
		}
		energy = energy.Add(r.Record.Compensation)
		gross = gross.Add(r.Record.Compensation.Mul(r.Rate))
	}

	factor := one.Sub(discount)
	amounts := InvoiceAmounts{
		ReferenceMonth: month,
		EnergyKWh:      energy,
		Discount:       discount,
		TotalAmount:    gross.Round(moneyScale),
		InvoiceAmount:  gross.Mul(factor).Round(moneyScale),
		InstallationID: representative,
	}
	if singleRate {
		amounts.Rate = firstRate
	} else if energy.IsPositive() {
		amounts.Rate = gross.DivRound(energy, 6)
	}
	amounts.EffectiveRate = amounts.Rate.Mul(factor)
	amounts.Savings = amounts.TotalAmount.Sub(amounts.InvoiceAmount)

	if err := amounts.Check(); err != nil {
		return InvoiceAmounts{}, err
	}
	return amounts, nil
}

// Check verifies invoice = total - savings, savings >= 0 and savings matching
// total x discount within one cent.
func (a InvoiceAmounts) Check() error {
	if a.Savings.IsNegative() {
		return fmt.Errorf("%w: negative savings %s", ErrAmountMismatch, a.Savings)
	}
	if !a.InvoiceAmount.Equal(a.TotalAmount.Sub(a.Savings)) {
		return fmt.Errorf("%w: invoice %s != total %s - savings %s", ErrAmountMismatch, a.InvoiceAmount, a.TotalAmount, a.Savings)
	}
	expected := a.TotalAmount.Mul(a.Discount)
	if a.Savings.Sub(expected).Abs().GreaterThan(cent) {
		return fmt.Errorf("%w: savings %s, expected %s", ErrAmountMismatch, a.Savings, expected.Round(moneyScale))
	}
	return nil
}

func checkBillable(customer Customer, month ledger.Period, r BillableRecord) error {
	if r.Installation.Kind != ledger.KindConsumer || r.Record.Kind != ledger.KindConsumer {
		return ledger.NewValidationError("installation_id", r.Installation.ID+" is not a consumer")
	}
	if r.Installation.CustomerID != customer.ID {
		return ledger.NewValidationError("customer_id", r.Installation.ID+" is not owned by "+customer.ID)
	}
	if r.Record.InstallationID != r.Installation.ID {
		return ledger.NewValidationError("installation_id", "record does not belong to installation")
	}
	if r.Record.Period != month {
		return ledger.NewValidationError("period", "records span more than one reference month")
	}
	if r.Record.Compensation.IsNegative() {
		return ledger.NewValidationError("compensation", "negative kWh")
	}
	return nil
}
