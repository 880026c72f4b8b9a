package allocation

import (
	"github.com/shopspring/decimal"

	ledger "solarshare/internal/ledger/domain"
)

// Line is the credit one consumer receives from a generator period.
type Line struct {
	AllocationID string          `json:"allocation_id"`
	ConsumerID   string          `json:"consumer_id"`
	Quota        decimal.Decimal `json:"quota"`
	Allocated    decimal.Decimal `json:"allocated_kwh"`
	// Vintages dates Allocated by the generator periods it came from.
	Vintages []ledger.Vintage `json:"vintages,omitempty"`
}

// Result is the split of one generator period balance.
// Retained = Balance - TotalAllocated stays on the generator ledger; it is the sum of
// UnassignedShare (quotas below 100%) and FlooringResidual.
type Result struct {
	GeneratorID      string          `json:"generator_id"`
	Period           ledger.Period   `json:"period"`
	Balance          decimal.Decimal `json:"balance_kwh"`
	Lines            []Line          `json:"lines"`
	TotalAllocated   decimal.Decimal `json:"total_allocated_kwh"`
	Retained         decimal.Decimal `json:"retained_kwh"`
	UnassignedShare  decimal.Decimal `json:"unassigned_share_kwh"`
	FlooringResidual decimal.Decimal `json:"flooring_residual_kwh"`
}

// ReceivedBy sums the lines addressed to consumerID.
func (r Result) ReceivedBy(consumerID string) (decimal.Decimal, bool) {
	total := decimal.Zero
	found := false
	for _, line := range r.Lines {
		if line.ConsumerID == consumerID {
			total = total.Add(line.Allocated)
			found = true
		}
	}
	return total, found
}

// ReceivedVintages returns the dated credit of the lines addressed to consumerID.
// It is nil when any such line was stored without vintages.
func (r Result) ReceivedVintages(consumerID string) []ledger.Vintage {
	var out []ledger.Vintage
	for _, line := range r.Lines {
		if line.ConsumerID != consumerID || !line.Allocated.IsPositive() {
			continue
		}
		if len(line.Vintages) == 0 {
			return nil
		}
		out = append(out, line.Vintages...)
	}
	return out
}

// AttachVintages spreads the generator vintages drawn for this split over the
// lines, oldest first in line order.
func (r *Result) AttachVintages(drawn []ledger.Vintage) error {
	amounts := make([]decimal.Decimal, len(r.Lines))
	for i, line := range r.Lines {
		amounts[i] = line.Allocated
	}
	parts, err := ledger.SplitVintages(drawn, amounts)
	if err != nil {
		return err
	}
	for i := range r.Lines {
		r.Lines[i].Vintages = parts[i]
	}
	return nil
}

// Engine splits generator balances by quota, flooring each share to Scale decimals.
type Engine struct {
	scale int32
}

// NewEngine constructs an engine. Scale 0 allocates whole kWh.
func NewEngine(scale int32) *Engine {
	if scale < 0 {
		scale = 0
	}
	return &Engine{scale: scale}
}

// Allocate splits balance across the allocations. Σ quota > 100 fails with
// ErrQuotaOverflow and allocates nothing.
func (e *Engine) Allocate(generatorID string, period ledger.Period, balance decimal.Decimal, allocations []Allocation) (Result, error) {
	if generatorID == "" {
		return Result{}, ErrEmptyGeneratorID
	}
	if balance.IsNegative() {
		return Result{}, ledger.NewValidationError("balance", "negative generator balance")
	}
	for _, a := range allocations {
		if a.GeneratorID != generatorID {
			return Result{}, ledger.NewValidationError("generator_id", "allocation belongs to another generator")
		}
	}
	if err := CheckQuotas(allocations); err != nil {
		return Result{}, err
	}

	result := Result{
		GeneratorID:    generatorID,
		Period:         period,
		Balance:        balance,
		Lines:          make([]Line, 0, len(allocations)),
		TotalAllocated: decimal.Zero,
	}
	exact := decimal.Zero
	for _, a := range allocations {
		if !a.Active {
			continue
		}
		share := balance.Mul(a.Quota).Shift(-2)
		exact = exact.Add(share)
		allocated := share.Truncate(e.scale)
		result.Lines = append(result.Lines, Line{
			AllocationID: a.ID,
			ConsumerID:   a.ConsumerID,
			Quota:        a.Quota,
			Allocated:    allocated,
		})
		result.TotalAllocated = result.TotalAllocated.Add(allocated)
	}
	result.Retained = balance.Sub(result.TotalAllocated)
	result.UnassignedShare = balance.Sub(exact)
	result.FlooringResidual = exact.Sub(result.TotalAllocated)
	return result, nil
}
