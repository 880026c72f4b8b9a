package ledger

import (
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"
)

func kwh(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func nkwh(v string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: kwh(v), Valid: true}
}

func consumer(id string) Installation {
	return Installation{ID: id, Number: "N-" + id, Kind: KindConsumer, CustomerID: "cust-1", DistributorID: "dist-1"}
}

func generator(id string) Installation {
	return Installation{ID: id, Number: "N-" + id, Kind: KindGenerator, DistributorID: "dist-1"}
}

func TestApplyPeriod_ConsumerShortfallIsNotAnError(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")
	reading := Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("03/2025"),
		Consumption:    nkwh("800"),
		Received:       nkwh("500"),
	}

	state, record, err := engine.ApplyPeriod(inst, LedgerState{}, reading)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !record.Compensation.Equal(kwh("500")) {
		t.Fatalf("compensation mismatch: got=%s want=500", record.Compensation)
	}
	if !record.CurrentBalance.IsZero() || !state.Balance.IsZero() {
		t.Fatalf("balance mismatch: got=%s want=0", record.CurrentBalance)
	}
	if len(state.Vintages) != 0 {
		t.Fatalf("expected no vintages, got %d", len(state.Vintages))
	}
}

func TestApplyPeriod_ConsumerCarriesSurplusForward(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")

	state, _, err := engine.ApplyPeriod(inst, LedgerState{}, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("01/2025"),
		Consumption:    nkwh("100"),
		Received:       nkwh("300"),
	})
	if err != nil {
		t.Fatalf("apply jan: %v", err)
	}
	if !state.Balance.Equal(kwh("200")) {
		t.Fatalf("jan balance mismatch: got=%s want=200", state.Balance)
	}

	state, record, err := engine.ApplyPeriod(inst, state, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("02/2025"),
		Consumption:    nkwh("250"),
		Received:       nkwh("100"),
	})
	if err != nil {
		t.Fatalf("apply feb: %v", err)
	}
	if !record.PreviousBalance.Equal(kwh("200")) {
		t.Fatalf("previous balance mismatch: got=%s want=200", record.PreviousBalance)
	}
	if !record.Compensation.Equal(kwh("250")) {
		t.Fatalf("compensation mismatch: got=%s want=250", record.Compensation)
	}
	if !state.Balance.Equal(kwh("50")) {
		t.Fatalf("feb balance mismatch: got=%s want=50", state.Balance)
	}
	// Oldest credit goes first, so the remaining 50 kWh is February's.
	if len(state.Vintages) != 1 || state.Vintages[0].Period != MustParsePeriod("02/2025") {
		t.Fatalf("vintages mismatch: got=%+v", state.Vintages)
	}
	if record.ExpiringBalancePeriod != MustParsePeriod("02/2030") || !record.ExpiringBalanceAmount.Equal(kwh("50")) {
		t.Fatalf("expiring mismatch: got=%s %s", record.ExpiringBalanceAmount, record.ExpiringBalancePeriod)
	}
}

func TestApplyPeriod_VintageExpiresAtSixtyMonths(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")
	prior := LedgerState{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("11/2024"),
		Balance:        kwh("100"),
		Vintages:       []Vintage{{Period: MustParsePeriod("01/2020"), Remaining: kwh("100")}},
	}

	dec, decRecord, err := engine.ApplyPeriod(inst, prior, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("12/2024"),
		Consumption:    nkwh("0"),
	})
	if err != nil {
		t.Fatalf("apply dec: %v", err)
	}
	if !dec.Balance.Equal(kwh("100")) || !decRecord.ExpiredBalance.IsZero() {
		t.Fatalf("vintage should survive 59 months: balance=%s expired=%s", dec.Balance, decRecord.ExpiredBalance)
	}
	if decRecord.ExpiringBalancePeriod != MustParsePeriod("01/2025") {
		t.Fatalf("expiring period mismatch: got=%s want=01/2025", decRecord.ExpiringBalancePeriod)
	}

	jan, janRecord, err := engine.ApplyPeriod(inst, dec, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("01/2025"),
		Consumption:    nkwh("0"),
	})
	if err != nil {
		t.Fatalf("apply jan: %v", err)
	}
	if !jan.Balance.IsZero() || !janRecord.ExpiredBalance.Equal(kwh("100")) {
		t.Fatalf("vintage should lapse at 60 months: balance=%s expired=%s", jan.Balance, janRecord.ExpiredBalance)
	}

	feb, _, err := engine.ApplyPeriod(inst, jan, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("02/2025"),
		Consumption:    nkwh("0"),
	})
	if err != nil {
		t.Fatalf("apply feb: %v", err)
	}
	if len(feb.Vintages) != 0 || !feb.Balance.IsZero() {
		t.Fatalf("vintage should be gone at 61 months: %+v", feb)
	}
}

func TestApplyPeriod_ExpiredCreditCannotCompensate(t *testing.T) {
	engine := NewEngine(12)
	inst := consumer("c1")
	prior := LedgerState{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("12/2024"),
		Balance:        kwh("150"),
		Vintages: []Vintage{
			{Period: MustParsePeriod("01/2024"), Remaining: kwh("100")},
			{Period: MustParsePeriod("06/2024"), Remaining: kwh("50")},
		},
	}

	state, record, err := engine.ApplyPeriod(inst, prior, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("01/2025"),
		Consumption:    nkwh("120"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !record.ExpiredBalance.Equal(kwh("100")) {
		t.Fatalf("expired mismatch: got=%s want=100", record.ExpiredBalance)
	}
	if !record.Compensation.Equal(kwh("50")) {
		t.Fatalf("compensation mismatch: got=%s want=50", record.Compensation)
	}
	if !state.Balance.IsZero() {
		t.Fatalf("balance mismatch: got=%s want=0", state.Balance)
	}
}

func TestApplyPeriod_Idempotent(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")
	prior := LedgerState{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("02/2025"),
		Balance:        kwh("75.5"),
		Vintages:       []Vintage{{Period: MustParsePeriod("02/2025"), Remaining: kwh("75.5")}},
	}
	reading := Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("03/2025"),
		Consumption:    nkwh("40.25"),
		Received:       nkwh("10"),
	}

	s1, r1, err := engine.ApplyPeriod(inst, prior, reading)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	s2, r2, err := engine.ApplyPeriod(inst, prior, reading)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !reflect.DeepEqual(s1, s2) || !reflect.DeepEqual(r1, r2) {
		t.Fatalf("apply is not idempotent:\n%+v\n%+v", r1, r2)
	}
	if len(prior.Vintages) != 1 || !prior.Vintages[0].Remaining.Equal(kwh("75.5")) {
		t.Fatalf("prior state mutated: %+v", prior)
	}
}

func TestApplyPeriod_BalanceNeverNegative(t *testing.T) {
	engine := NewEngine(6)
	inst := consumer("c1")
	state := LedgerState{}
	period := MustParsePeriod("01/2024")
	inputs := [][2]string{
		{"10", "100"}, {"500", "0"}, {"0", "40"}, {"35", "35"}, {"1000", "5"},
		{"0", "0"}, {"20", "200"}, {"300", "10"}, {"0", "0"}, {"0", "0"},
	}
	for i, in := range inputs {
		var (
			record PeriodRecord
			err    error
		)
		state, record, err = engine.ApplyPeriod(inst, state, Reading{
			InstallationID: inst.ID,
			Period:         period,
			Consumption:    nkwh(in[0]),
			Received:       nkwh(in[1]),
		})
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if record.CurrentBalance.IsNegative() {
			t.Fatalf("step %d: negative balance %s", i, record.CurrentBalance)
		}
		if !state.VintageTotal().Equal(state.Balance) {
			t.Fatalf("step %d: vintages %s do not match balance %s", i, state.VintageTotal(), state.Balance)
		}
		if record.Compensation.GreaterThan(record.Consumption) {
			t.Fatalf("step %d: compensation exceeds consumption", i)
		}
		period = period.Next()
	}
}

func TestApplyPeriod_Generator(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := generator("g1")

	state, record, err := engine.ApplyPeriod(inst, LedgerState{}, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("03/2025"),
		Generation:     nkwh("1200"),
		Transferred:    nkwh("1000"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !state.Balance.Equal(kwh("1000")) || !record.Transferred.Equal(kwh("1000")) {
		t.Fatalf("generator balance mismatch: got=%s want=1000", state.Balance)
	}

	state, record, err = engine.ApplyAllocation(state, record, kwh("997"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if !state.Balance.Equal(kwh("3")) || !record.CurrentBalance.Equal(kwh("3")) {
		t.Fatalf("residual mismatch: got=%s want=3", record.CurrentBalance)
	}
	if !record.Allocated.Equal(kwh("997")) {
		t.Fatalf("allocated mismatch: got=%s want=997", record.Allocated)
	}

	if _, _, err := engine.ApplyAllocation(state, record, kwh("4")); !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected inconsistency, got %v", err)
	}
}

func TestApplyPeriod_ValidationErrors(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	prior := LedgerState{InstallationID: "c1", Period: MustParsePeriod("01/2025"), Balance: decimal.Zero}

	cases := []struct {
		name    string
		inst    Installation
		prior   LedgerState
		reading Reading
	}{
		{
			name:    "negative consumption",
			inst:    consumer("c1"),
			reading: Reading{InstallationID: "c1", Period: MustParsePeriod("01/2025"), Consumption: nkwh("-1")},
		},
		{
			name:    "out of sequence",
			inst:    consumer("c1"),
			prior:   prior,
			reading: Reading{InstallationID: "c1", Period: MustParsePeriod("03/2025"), Consumption: nkwh("1")},
		},
		{
			name:    "same period again",
			inst:    consumer("c1"),
			prior:   prior,
			reading: Reading{InstallationID: "c1", Period: MustParsePeriod("01/2025"), Consumption: nkwh("1")},
		},
		{
			name:    "transferred above generation",
			inst:    generator("g1"),
			reading: Reading{InstallationID: "g1", Period: MustParsePeriod("01/2025"), Generation: nkwh("10"), Transferred: nkwh("11")},
		},
		{
			name:    "compensation above consumption",
			inst:    consumer("c1"),
			reading: Reading{InstallationID: "c1", Period: MustParsePeriod("01/2025"), Consumption: nkwh("10"), Received: nkwh("50"), Compensation: nkwh("11")},
		},
		{
			name:    "consumer transferring",
			inst:    consumer("c1"),
			reading: Reading{InstallationID: "c1", Period: MustParsePeriod("01/2025"), Transferred: nkwh("5")},
		},
		{
			name:    "foreign reading",
			inst:    consumer("c1"),
			reading: Reading{InstallationID: "c2", Period: MustParsePeriod("01/2025")},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := engine.ApplyPeriod(tc.inst, tc.prior, tc.reading)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field == "" {
				t.Fatalf("expected field on validation error, got %v", err)
			}
		})
	}
}

func TestApplyPeriod_Inconsistencies(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")

	_, _, err := engine.ApplyPeriod(inst, LedgerState{}, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("01/2025"),
		Consumption:    nkwh("100"),
		Received:       nkwh("30"),
		Compensation:   nkwh("60"),
	})
	if !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected inconsistency for over-compensation, got %v", err)
	}

	broken := LedgerState{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("01/2025"),
		Balance:        kwh("10"),
		Vintages:       []Vintage{{Period: MustParsePeriod("01/2025"), Remaining: kwh("9")}},
	}
	_, _, err = engine.ApplyPeriod(inst, broken, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("02/2025"),
		Consumption:    nkwh("1"),
	})
	if !errors.Is(err, ErrLedgerInconsistency) {
		t.Fatalf("expected inconsistency for unreconciled prior, got %v", err)
	}
}

func TestParsePeriod(t *testing.T) {
	cases := map[string]Period{
		"03/2025": {Year: 2025, Month: 3},
		"3/2025":  {Year: 2025, Month: 3},
		"2025-03": {Year: 2025, Month: 3},
	}
	for in, want := range cases {
		got, err := ParsePeriod(in)
		if err != nil {
			t.Fatalf("parse %q: %v", in, err)
		}
		if got != want {
			t.Fatalf("parse %q mismatch: got=%v want=%v", in, got, want)
		}
	}
	if _, err := ParsePeriod("13/2025"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := MustParsePeriod("01/2020").MonthsUntil(MustParsePeriod("02/2025")); got != 61 {
		t.Fatalf("months until mismatch: got=%d want=61", got)
	}
}

func TestApplyPeriod_ReceivedCreditKeepsSourceVintage(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")
	prior := LedgerState{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("02/2025"),
		Balance:        kwh("100"),
		Vintages:       []Vintage{{Period: MustParsePeriod("02/2025"), Remaining: kwh("100")}},
	}

	state, record, err := engine.ApplyPeriod(inst, prior, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("03/2025"),
		Consumption:    nkwh("0"),
		Received:       nkwh("300"),
		ReceivedVintages: []Vintage{
			{Period: MustParsePeriod("01/2025"), Remaining: kwh("200")},
			{Period: MustParsePeriod("03/2025"), Remaining: kwh("100")},
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := []Vintage{
		{Period: MustParsePeriod("01/2025"), Remaining: kwh("200")},
		{Period: MustParsePeriod("02/2025"), Remaining: kwh("100")},
		{Period: MustParsePeriod("03/2025"), Remaining: kwh("100")},
	}
	if len(state.Vintages) != len(want) {
		t.Fatalf("vintages mismatch: got=%+v want=%+v", state.Vintages, want)
	}
	for i := range want {
		if state.Vintages[i].Period != want[i].Period || !state.Vintages[i].Remaining.Equal(want[i].Remaining) {
			t.Fatalf("vintage %d mismatch: got=%+v want=%+v", i, state.Vintages[i], want[i])
		}
	}
	if record.ExpiringBalancePeriod != MustParsePeriod("01/2030") || !record.ExpiringBalanceAmount.Equal(kwh("200")) {
		t.Fatalf("expiring mismatch: got=%s/%s want=01/2030/200", record.ExpiringBalancePeriod, record.ExpiringBalanceAmount)
	}

	state, _, err = engine.ApplyPeriod(inst, state, Reading{
		InstallationID: inst.ID,
		Period:         MustParsePeriod("04/2025"),
		Consumption:    nkwh("150"),
	})
	if err != nil {
		t.Fatalf("apply apr: %v", err)
	}
	if state.Vintages[0].Period != MustParsePeriod("01/2025") || !state.Vintages[0].Remaining.Equal(kwh("50")) {
		t.Fatalf("fifo mismatch: got=%+v", state.Vintages[0])
	}
}

func TestApplyPeriod_ReceivedVintagesRejections(t *testing.T) {
	engine := NewEngine(DefaultExpiryMonths)
	inst := consumer("c1")
	cases := map[string][]Vintage{
		"sum":     {{Period: MustParsePeriod("01/2025"), Remaining: kwh("50")}},
		"future":  {{Period: MustParsePeriod("04/2025"), Remaining: kwh("100")}},
		"expired": {{Period: MustParsePeriod("03/2020"), Remaining: kwh("100")}},
	}
	for name, vintages := range cases {
		_, _, err := engine.ApplyPeriod(inst, LedgerState{}, Reading{
			InstallationID:   inst.ID,
			Period:           MustParsePeriod("03/2025"),
			Consumption:      nkwh("0"),
			Received:         nkwh("100"),
			ReceivedVintages: vintages,
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestSplitVintages_OldestFirst(t *testing.T) {
	pool := []Vintage{
		{Period: MustParsePeriod("01/2025"), Remaining: kwh("300")},
		{Period: MustParsePeriod("02/2025"), Remaining: kwh("200")},
	}
	parts, err := SplitVintages(pool, []decimal.Decimal{kwh("250"), kwh("0"), kwh("150")})
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(parts[0]) != 1 || !parts[0][0].Remaining.Equal(kwh("250")) {
		t.Fatalf("part 0 mismatch: got=%+v", parts[0])
	}
	if len(parts[1]) != 0 {
		t.Fatalf("part 1 mismatch: got=%+v", parts[1])
	}
	if len(parts[2]) != 2 || !parts[2][0].Remaining.Equal(kwh("50")) || parts[2][1].Period != MustParsePeriod("02/2025") || !parts[2][1].Remaining.Equal(kwh("100")) {
		t.Fatalf("part 2 mismatch: got=%+v", parts[2])
	}
	if !pool[0].Remaining.Equal(kwh("300")) {
		t.Fatalf("pool modified: got=%s want=300", pool[0].Remaining)
	}
	if _, err := SplitVintages(pool, []decimal.Decimal{kwh("600")}); err == nil {
		t.Fatalf("expected shortfall error")
	}
}
