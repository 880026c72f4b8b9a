package statistic

import (
	"time"

	"github.com/shopspring/decimal"

	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
)

const (
	kwhScale   = 3
	ratioScale = 4
	moneyScale = 2
)

var one = decimal.NewFromInt(1)

// AggregateStats is the roll-up of one scope over an inclusive month range.
type AggregateStats struct {
	Scope Scope              `json:"scope"`
	Range ledger.PeriodRange `json:"range"`

	InstallationCount int `json:"installation_count"`
	GeneratorCount    int `json:"generator_count"`
	ConsumerCount     int `json:"consumer_count"`
	PeriodsCovered    int `json:"periods_covered"`

	TotalGeneration   decimal.Decimal `json:"total_generation_kwh"`
	TotalConsumption  decimal.Decimal `json:"total_consumption_kwh"`
	TotalTransferred  decimal.Decimal `json:"total_transferred_kwh"`
	TotalReceived     decimal.Decimal `json:"total_received_kwh"`
	TotalCompensation decimal.Decimal `json:"total_compensation_kwh"`
	TotalExpired      decimal.Decimal `json:"total_expired_kwh"`
	EndBalance        decimal.Decimal `json:"end_balance_kwh"`

	AvgGenerationPerGeneratorPeriod  decimal.Decimal `json:"avg_generation_per_generator_period_kwh"`
	AvgCompensationPerConsumerPeriod decimal.Decimal `json:"avg_compensation_per_consumer_period_kwh"`

	InvoiceCount         int             `json:"invoice_count"`
	TotalInvoiced        decimal.Decimal `json:"total_invoiced"`
	TotalWithoutDiscount decimal.Decimal `json:"total_without_discount"`
	TotalSavings         decimal.Decimal `json:"total_savings"`
	AvgDiscount          decimal.Decimal `json:"avg_discount"`

	ComputedAt time.Time `json:"computed_at"`
}

// Recompute reduces completed records and invoices into the scope statistics.
// Incomplete records and canceled invoices are ignored, so the result only reflects
// fully applied units. It is pure and deterministic for the same inputs.
func Recompute(
	scope Scope,
	span ledger.PeriodRange,
	installations []ledger.Installation,
	records []ledger.PeriodRecord,
	invoices []*billing.Invoice,
	now time.Time,
) (AggregateStats, error) {
	if err := scope.Validate(); err != nil {
		return AggregateStats{}, err
	}
	if err := span.Validate(); err != nil {
		return AggregateStats{}, err
	}

	members := make(map[string]ledger.Installation)
	for _, inst := range installations {
		if scope.Includes(inst) {
			members[inst.ID] = inst
		}
	}

	stats := AggregateStats{
		Scope:                            scope,
		Range:                            span,
		TotalGeneration:                  decimal.Zero,
		TotalConsumption:                 decimal.Zero,
		TotalTransferred:                 decimal.Zero,
		TotalReceived:                    decimal.Zero,
		TotalCompensation:                decimal.Zero,
		TotalExpired:                     decimal.Zero,
		EndBalance:                       decimal.Zero,
		AvgGenerationPerGeneratorPeriod:  decimal.Zero,
		AvgCompensationPerConsumerPeriod: decimal.Zero,
		TotalInvoiced:                    decimal.Zero,
		TotalWithoutDiscount:             decimal.Zero,
		TotalSavings:                     decimal.Zero,
		AvgDiscount:                      decimal.Zero,
		ComputedAt:                       now.UTC(),
	}

	periods := make(map[ledger.Period]struct{})
	seen := make(map[string]struct{})
	latest := make(map[string]ledger.PeriodRecord)
	generatorPeriods, consumerPeriods := 0, 0
	for _, rec := range records {
		inst, ok := members[rec.InstallationID]
		if !ok || !rec.Completed || !span.Contains(rec.Period) {
			continue
		}
		if _, counted := seen[inst.ID]; !counted {
			seen[inst.ID] = struct{}{}
			stats.InstallationCount++
			if inst.IsGenerator() {
				stats.GeneratorCount++
			} else {
				stats.ConsumerCount++
			}
		}
		periods[rec.Period] = struct{}{}
		stats.TotalGeneration = stats.TotalGeneration.Add(rec.Generation)
		stats.TotalConsumption = stats.TotalConsumption.Add(rec.Consumption)
		stats.TotalTransferred = stats.TotalTransferred.Add(rec.Transferred)
		stats.TotalReceived = stats.TotalReceived.Add(rec.Received)
		stats.TotalCompensation = stats.TotalCompensation.Add(rec.Compensation)
		stats.TotalExpired = stats.TotalExpired.Add(rec.ExpiredBalance)
		if rec.Kind == ledger.KindGenerator {
			generatorPeriods++
		} else {
			consumerPeriods++
		}
		if prev, ok := latest[inst.ID]; !ok || rec.Period.After(prev.Period) {
			latest[inst.ID] = rec
		}
	}
	stats.PeriodsCovered = len(periods)
	for _, rec := range latest {
		stats.EndBalance = stats.EndBalance.Add(rec.CurrentBalance)
	}
	if generatorPeriods > 0 {
		stats.AvgGenerationPerGeneratorPeriod = stats.TotalGeneration.DivRound(decimal.NewFromInt(int64(generatorPeriods)), kwhScale)
	}
	if consumerPeriods > 0 {
		stats.AvgCompensationPerConsumerPeriod = stats.TotalCompensation.DivRound(decimal.NewFromInt(int64(consumerPeriods)), kwhScale)
	}

	lines := invoiceLines(installations, records, span)
	discounts := decimal.Zero
	for _, inv := range invoices {
		if inv == nil || inv.Status == billing.StatusCanceled || !span.Contains(inv.ReferenceMonth) {
			continue
		}
		share, ok := scopeShare(inv, lines[lineKey(inv.CustomerID, inv.ReferenceMonth)], members)
		if !ok {
			continue
		}
		stats.InvoiceCount++
		stats.TotalInvoiced = stats.TotalInvoiced.Add(apportion(inv.InvoiceAmount, share))
		stats.TotalWithoutDiscount = stats.TotalWithoutDiscount.Add(apportion(inv.TotalAmount, share))
		stats.TotalSavings = stats.TotalSavings.Add(apportion(inv.Savings, share))
		discounts = discounts.Add(inv.DiscountPercentage)
	}
	if stats.InvoiceCount > 0 {
		stats.AvgDiscount = discounts.DivRound(decimal.NewFromInt(int64(stats.InvoiceCount)), ratioScale)
	}
	return stats, nil
}

func lineKey(customerID string, period ledger.Period) string {
	return customerID + "|" + period.String()
}

// invoiceLines groups the completed consumer records billed on each customer
// month invoice.
func invoiceLines(installations []ledger.Installation, records []ledger.PeriodRecord, span ledger.PeriodRange) map[string][]ledger.PeriodRecord {
	byID := make(map[string]ledger.Installation, len(installations))
	for _, inst := range installations {
		byID[inst.ID] = inst
	}
	out := make(map[string][]ledger.PeriodRecord)
	for _, rec := range records {
		inst, ok := byID[rec.InstallationID]
		if !ok || !inst.IsConsumer() || inst.CustomerID == "" || !rec.Completed || !span.Contains(rec.Period) {
			continue
		}
		key := lineKey(inst.CustomerID, rec.Period)
		out[key] = append(out[key], rec)
	}
	return out
}

// scopeShare is the part of an invoice billed on in-scope installations,
// weighted by compensated kWh. Invoices without known lines fall back to
// their representative installation.
func scopeShare(inv *billing.Invoice, lines []ledger.PeriodRecord, members map[string]ledger.Installation) (decimal.Decimal, bool) {
	if len(lines) == 0 {
		_, ok := members[inv.InstallationID]
		return one, ok
	}
	total, inScope := decimal.Zero, decimal.Zero
	matched := false
	for _, rec := range lines {
		total = total.Add(rec.Compensation)
		if _, ok := members[rec.InstallationID]; ok {
			matched = true
			inScope = inScope.Add(rec.Compensation)
		}
	}
	if !matched {
		return decimal.Zero, false
	}
	if total.IsZero() || inScope.Equal(total) {
		return one, true
	}
	return inScope.Div(total), true
}

func apportion(amount, share decimal.Decimal) decimal.Decimal {
	if share.Equal(one) {
		return amount
	}
	return amount.Mul(share).Round(moneyScale)
}
