package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultExpiryMonths is the regulatory credit validity window (60 months).
const DefaultExpiryMonths = 60

// Engine applies monthly readings to an installation's credit ledger.
// It is pure: persistence belongs to the caller.
type Engine struct {
	expiryMonths int
}

// NewEngine constructs an engine. A non-positive window falls back to the default.
func NewEngine(expiryMonths int) *Engine {
	if expiryMonths <= 0 {
		expiryMonths = DefaultExpiryMonths
	}
	return &Engine{expiryMonths: expiryMonths}
}

// ExpiryMonths returns the credit validity window.
func (e *Engine) ExpiryMonths() int { return e.expiryMonths }

// ApplyPeriod ledgers one month for the installation on top of prior.
// The reading period must directly follow prior.Period unless prior is empty.
func (e *Engine) ApplyPeriod(inst Installation, prior LedgerState, reading Reading) (LedgerState, PeriodRecord, error) {
	if err := inst.Validate(); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}
	if err := reading.Validate(); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}
	if reading.InstallationID != inst.ID {
		return LedgerState{}, PeriodRecord{}, NewValidationError("installation_id", "reading belongs to another installation")
	}
	if !prior.IsEmpty() {
		if prior.InstallationID != "" && prior.InstallationID != inst.ID {
			return LedgerState{}, PeriodRecord{}, NewValidationError("installation_id", "prior state belongs to another installation")
		}
		if prior.Period.Next() != reading.Period {
			return LedgerState{}, PeriodRecord{}, NewValidationError("period",
				fmt.Sprintf("out of sequence: expected %s, got %s", prior.Period.Next(), reading.Period))
		}
	}
	if err := checkState(prior); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}

	state := prior.Clone()
	state.InstallationID = inst.ID
	state.Period = reading.Period

	expired := e.expire(&state, reading.Period)

	record := PeriodRecord{
		InstallationID:  inst.ID,
		Kind:            inst.Kind,
		Period:          reading.Period,
		Generation:      valueOrZero(reading.Generation),
		Consumption:     valueOrZero(reading.Consumption),
		PreviousBalance: prior.Balance,
		ExpiredBalance:  expired,
		Allocated:       decimal.Zero,
	}

	var err error
	switch inst.Kind {
	case KindGenerator:
		err = e.applyGenerator(&state, &record, reading)
	case KindConsumer:
		err = e.applyConsumer(&state, &record, reading)
	default:
		err = ErrInvalidKind
	}
	if err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}

	if err := e.finish(&state, &record); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}
	return state, record, nil
}

// ApplyAllocation debits allocated generator credit, oldest vintage first.
// state and record must be the output of ApplyPeriod for the same generator period.
func (e *Engine) ApplyAllocation(state LedgerState, record PeriodRecord, allocated decimal.Decimal) (LedgerState, PeriodRecord, error) {
	if record.Kind != KindGenerator {
		return LedgerState{}, PeriodRecord{}, NewValidationError("kind", "allocation applies to generators only")
	}
	if state.Period != record.Period || state.InstallationID != record.InstallationID {
		return LedgerState{}, PeriodRecord{}, NewValidationError("period", "allocation does not match ledgered period")
	}
	if allocated.IsNegative() {
		return LedgerState{}, PeriodRecord{}, NewValidationError("allocated", "negative kWh")
	}
	if err := checkState(state); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}

	next := state.Clone()
	out := record.Clone()
	if allocated.GreaterThan(next.Balance) {
		return LedgerState{}, PeriodRecord{}, inconsistency("allocating %s kWh exceeds balance %s", allocated, next.Balance)
	}
	if err := consumeFIFO(&next, allocated); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}
	next.Balance = next.Balance.Sub(allocated)
	out.Allocated = out.Allocated.Add(allocated)

	if err := e.finish(&next, &out); err != nil {
		return LedgerState{}, PeriodRecord{}, err
	}
	return next, out, nil
}

func (e *Engine) applyGenerator(state *LedgerState, record *PeriodRecord, reading Reading) error {
	if nonZero(reading.Received) || nonZero(reading.Compensation) {
		return NewValidationError("received", "generators do not receive or compensate credit")
	}
	transferred := valueOrZero(reading.Transferred)
	if transferred.GreaterThan(record.Generation) {
		return NewValidationError("transferred", fmt.Sprintf("transferred %s exceeds generation %s", transferred, record.Generation))
	}
	record.Transferred = transferred
	record.Received = decimal.Zero
	record.Compensation = decimal.Zero

	if transferred.IsPositive() {
		state.Vintages = append(state.Vintages, Vintage{Period: record.Period, Remaining: transferred})
	}
	state.Balance = state.Balance.Add(transferred)
	return nil
}

func (e *Engine) applyConsumer(state *LedgerState, record *PeriodRecord, reading Reading) error {
	if nonZero(reading.Transferred) {
		return NewValidationError("transferred", "consumers do not transfer credit")
	}
	received := valueOrZero(reading.Received)
	available := state.Balance.Add(received)
	applied := decimal.Min(record.Consumption, available)

	if reading.Compensation.Valid {
		reported := reading.Compensation.Decimal
		if reported.GreaterThan(record.Consumption) {
			return NewValidationError("compensation", fmt.Sprintf("compensation %s exceeds consumption %s", reported, record.Consumption))
		}
		if reported.GreaterThan(available) {
			return inconsistency("compensation %s exceeds available credit %s", reported, available)
		}
	}

	record.Transferred = decimal.Zero
	record.Received = received
	record.Compensation = applied

	switch {
	case len(reading.ReceivedVintages) > 0:
		if err := e.checkReceived(reading.ReceivedVintages, received, record.Period); err != nil {
			return err
		}
		state.Vintages = mergeVintages(state.Vintages, reading.ReceivedVintages)
	case received.IsPositive():
		state.Vintages = append(state.Vintages, Vintage{Period: record.Period, Remaining: received})
	}
	state.Balance = available
	if err := consumeFIFO(state, applied); err != nil {
		return err
	}
	state.Balance = state.Balance.Sub(applied)
	return nil
}

// expire drops every vintage whose age reached the window and returns the lapsed amount.
func (e *Engine) expire(state *LedgerState, current Period) decimal.Decimal {
	expired := decimal.Zero
	kept := state.Vintages[:0:0]
	for _, v := range state.Vintages {
		if v.Period.MonthsUntil(current) >= e.expiryMonths {
			expired = expired.Add(v.Remaining)
			continue
		}
		kept = append(kept, v)
	}
	state.Vintages = kept
	state.Balance = state.Balance.Sub(expired)
	return expired
}

func (e *Engine) finish(state *LedgerState, record *PeriodRecord) error {
	compact := state.Vintages[:0:0]
	for _, v := range state.Vintages {
		if v.Remaining.IsPositive() {
			compact = append(compact, v)
		}
	}
	state.Vintages = compact

	if err := checkState(*state); err != nil {
		return err
	}

	record.CurrentBalance = state.Balance
	record.Vintages = append([]Vintage(nil), state.Vintages...)
	record.ExpiringBalanceAmount = decimal.Zero
	record.ExpiringBalancePeriod = Period{}
	if len(state.Vintages) > 0 {
		next := state.Vintages[0]
		record.ExpiringBalanceAmount = next.Remaining
		record.ExpiringBalancePeriod = next.Period.AddMonths(e.expiryMonths)
	}
	return nil
}

func consumeFIFO(state *LedgerState, amount decimal.Decimal) error {
	remaining := amount
	for i := range state.Vintages {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(state.Vintages[i].Remaining, remaining)
		state.Vintages[i].Remaining = state.Vintages[i].Remaining.Sub(take)
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return inconsistency("vintages short by %s kWh", remaining)
	}
	return nil
}

func (e *Engine) checkReceived(vintages []Vintage, received decimal.Decimal, period Period) error {
	total := decimal.Zero
	for _, v := range vintages {
		if v.Period.IsZero() || v.Period.After(period) {
			return NewValidationError("received_vintages", fmt.Sprintf("vintage %s outside %s", v.Period, period))
		}
		if v.Remaining.IsNegative() {
			return NewValidationError("received_vintages", "negative kWh")
		}
		if v.Period.MonthsUntil(period) >= e.expiryMonths {
			return NewValidationError("received_vintages", fmt.Sprintf("vintage %s already expired", v.Period))
		}
		total = total.Add(v.Remaining)
	}
	if !total.Equal(received) {
		return NewValidationError("received_vintages", fmt.Sprintf("vintages %s do not match received %s", total, received))
	}
	return nil
}

// mergeVintages adds incoming to held keeping period order. Equal periods are summed.
func mergeVintages(held, incoming []Vintage) []Vintage {
	all := make([]Vintage, 0, len(held)+len(incoming))
	all = append(all, held...)
	all = append(all, incoming...)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Period.Before(all[j].Period) })
	out := all[:0]
	for _, v := range all {
		if n := len(out); n > 0 && out[n-1].Period == v.Period {
			out[n-1].Remaining = out[n-1].Remaining.Add(v.Remaining)
			continue
		}
		out = append(out, v)
	}
	return out
}

// SplitVintages hands pool out oldest first so that part i sums to amounts[i].
// pool is not modified.
func SplitVintages(pool []Vintage, amounts []decimal.Decimal) ([][]Vintage, error) {
	rest := append([]Vintage(nil), pool...)
	out := make([][]Vintage, len(amounts))
	next := 0
	for i, amount := range amounts {
		if amount.IsNegative() {
			return nil, NewValidationError("amount", "negative kWh")
		}
		remaining := amount
		for remaining.IsPositive() && next < len(rest) {
			take := decimal.Min(rest[next].Remaining, remaining)
			if take.IsPositive() {
				out[i] = append(out[i], Vintage{Period: rest[next].Period, Remaining: take})
				rest[next].Remaining = rest[next].Remaining.Sub(take)
				remaining = remaining.Sub(take)
			}
			if !rest[next].Remaining.IsPositive() {
				next++
			}
		}
		if remaining.IsPositive() {
			return nil, inconsistency("vintages short by %s kWh", remaining)
		}
	}
	return out, nil
}

func checkState(state LedgerState) error {
	if state.Balance.IsNegative() {
		return inconsistency("negative balance %s", state.Balance)
	}
	for _, v := range state.Vintages {
		if v.Remaining.IsNegative() {
			return inconsistency("negative vintage %s for %s", v.Remaining, v.Period)
		}
	}
	if !sort.SliceIsSorted(state.Vintages, func(i, j int) bool {
		return state.Vintages[i].Period.Before(state.Vintages[j].Period)
	}) {
		return inconsistency("vintages out of order")
	}
	if total := state.VintageTotal(); !total.Equal(state.Balance) {
		return inconsistency("balance %s does not match vintages %s", state.Balance, total)
	}
	return nil
}

func nonZero(v decimal.NullDecimal) bool {
	return v.Valid && !v.Decimal.IsZero()
}
