package application

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	allocationapp "solarshare/internal/allocation/application"
	allocation "solarshare/internal/allocation/domain"
	allocmemory "solarshare/internal/allocation/infrastructure/memory"
	"solarshare/internal/audit"
	batch "solarshare/internal/batch/domain"
	batchmemory "solarshare/internal/batch/infrastructure/memory"
	invoiceapp "solarshare/internal/billing/application"
	billing "solarshare/internal/billing/domain"
	billingmemory "solarshare/internal/billing/infrastructure/memory"
	"solarshare/internal/billing/infrastructure/pricing"
	"solarshare/internal/eventing"
	ledgerapp "solarshare/internal/ledger/application"
	ledger "solarshare/internal/ledger/domain"
	ledgermemory "solarshare/internal/ledger/infrastructure/memory"
	memtxn "solarshare/internal/txn/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type runnerFixture struct {
	runner      *Runner
	readings    *ledgermemory.ReadingRepository
	records     *ledgermemory.RecordRepository
	invoices    *billingmemory.InvoiceRepository
	allocations *allocationapp.Service
	bus         *eventing.InMemoryBus
	clock       *fixedClock
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func nkwh(v string) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: dec(v), Valid: true}
}

func newRunnerFixture(t *testing.T, installations ...ledger.Installation) *runnerFixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	tx := memtxn.NewManager()
	clock := &fixedClock{now: time.Date(2025, time.January, 5, 0, 0, 0, 0, time.UTC)}
	instRepo := ledgermemory.NewInstallationRepository(installations...)

	f := &runnerFixture{
		readings: ledgermemory.NewReadingRepository(),
		records:  ledgermemory.NewRecordRepository(),
		invoices: billingmemory.NewInvoiceRepository(),
		bus:      eventing.NewInMemoryBus(),
		clock:    clock,
	}
	ledgerSvc, err := ledgerapp.NewLedgerService(instRepo, f.readings, f.records,
		ledger.NewEngine(ledger.DefaultExpiryMonths), tx, nil, clock, logger)
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	f.allocations, err = allocationapp.NewService(allocmemory.NewRepository(), allocmemory.NewResultRepository(),
		instRepo, allocation.NewEngine(0), tx, nil, clock, logger)
	if err != nil {
		t.Fatalf("allocation service: %v", err)
	}
	customers := billingmemory.NewCustomerRepository(
		billing.Customer{ID: "cust-1", Name: "Padaria Sol", Discount: dec("0.20")},
		billing.Customer{ID: "cust-2", Name: "Oficina Luz", Discount: dec("0.10")},
		billing.Customer{ID: "cust-3", Name: "Mercado Norte", Discount: dec("0.15")},
	)
	distributors := billingmemory.NewDistributorRepository(billing.Distributor{
		ID:    "d1",
		Rates: billing.RateHistory{{EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), PricePerKWh: dec("0.976")}},
	})
	rates, err := pricing.NewHistoryProvider(distributors)
	if err != nil {
		t.Fatalf("rates: %v", err)
	}
	invoiceSvc, err := invoiceapp.NewInvoiceService(f.invoices, customers, instRepo, f.records, rates, tx,
		nil, clock, logger, invoiceapp.Config{})
	if err != nil {
		t.Fatalf("invoice service: %v", err)
	}
	f.runner, err = NewRunner(Dependencies{
		Installations: instRepo,
		Readings:      f.readings,
		Ledger:        ledgerSvc,
		Allocations:   f.allocations,
		Invoices:      invoiceSvc,
		Runs:          batchmemory.NewRunRepository(),
		Tx:            tx,
		Bus:           f.bus,
		Clock:         clock,
		Logger:        logger,
	}, Config{Workers: 2, QueueSize: 4})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return f
}

func sharedGeneratorSites() []ledger.Installation {
	return []ledger.Installation{
		{ID: "g1", Number: "9001", Kind: ledger.KindGenerator, DistributorID: "d1"},
		{ID: "c1", Number: "1001", Kind: ledger.KindConsumer, CustomerID: "cust-1", DistributorID: "d1"},
		{ID: "c2", Number: "1002", Kind: ledger.KindConsumer, CustomerID: "cust-2", DistributorID: "d1"},
	}
}

func (f *runnerFixture) share(t *testing.T) {
	t.Helper()
	_, err := f.allocations.Replace(context.Background(), audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: dec("60")},
		{ConsumerID: "c2", Quota: dec("40")},
	})
	if err != nil {
		t.Fatalf("replace allocations: %v", err)
	}
}

func (f *runnerFixture) upload(t *testing.T, reading ledger.Reading) {
	t.Helper()
	if err := f.readings.Upsert(context.Background(), reading); err != nil {
		t.Fatalf("upsert reading: %v", err)
	}
}

func TestRunner_SharedGeneratorMonth(t *testing.T) {
	f := newRunnerFixture(t, sharedGeneratorSites()...)
	f.share(t)
	march := ledger.MustParsePeriod("03/2025")
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1200"), Consumption: nkwh("200"), Transferred: nkwh("1000")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: march, Consumption: nkwh("800")})
	f.upload(t, ledger.Reading{InstallationID: "c2", Period: march, Consumption: nkwh("300")})

	var processed []batch.UnitProcessed
	f.bus.Subscribe(eventing.EventTypeOf[batch.UnitProcessed](), func(_ context.Context, event any) error {
		processed = append(processed, event.(batch.UnitProcessed))
		return nil
	})
	f.clock.now = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

	report, err := f.runner.Run(context.Background(), march, nil, "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != batch.StatusSucceeded {
		t.Fatalf("status mismatch: got=%s want=%s failures=%+v", report.Status, batch.StatusSucceeded, report.Failures)
	}
	if report.Counts != (batch.Counts{Total: 5, Succeeded: 5}) {
		t.Fatalf("counts mismatch: got=%+v", report.Counts)
	}
	if len(processed) != 5 {
		t.Fatalf("events mismatch: got=%d want=5", len(processed))
	}

	ctx := context.Background()
	split, err := f.allocations.Result(ctx, "g1", march)
	if err != nil {
		t.Fatalf("allocation result: %v", err)
	}
	if !split.TotalAllocated.Equal(dec("1000")) {
		t.Fatalf("allocated mismatch: got=%s want=1000", split.TotalAllocated)
	}
	want := map[string]string{"c1": "600", "c2": "400"}
	for _, line := range split.Lines {
		if !line.Allocated.Equal(dec(want[line.ConsumerID])) {
			t.Fatalf("line %s mismatch: got=%s want=%s", line.ConsumerID, line.Allocated, want[line.ConsumerID])
		}
	}

	gen, err := f.records.Get(ctx, "g1", march)
	if err != nil {
		t.Fatalf("generator record: %v", err)
	}
	if !gen.Completed || !gen.CurrentBalance.IsZero() || !gen.Allocated.Equal(dec("1000")) {
		t.Fatalf("generator record mismatch: completed=%v balance=%s allocated=%s", gen.Completed, gen.CurrentBalance, gen.Allocated)
	}
	c1, _ := f.records.Get(ctx, "c1", march)
	if !c1.Received.Equal(dec("600")) || !c1.Compensation.Equal(dec("600")) || !c1.CurrentBalance.IsZero() {
		t.Fatalf("c1 mismatch: received=%s compensation=%s balance=%s", c1.Received, c1.Compensation, c1.CurrentBalance)
	}
	c2, _ := f.records.Get(ctx, "c2", march)
	if !c2.Compensation.Equal(dec("300")) || !c2.CurrentBalance.Equal(dec("100")) {
		t.Fatalf("c2 mismatch: compensation=%s balance=%s", c2.Compensation, c2.CurrentBalance)
	}

	inv, err := f.invoices.FindByCustomerMonth(ctx, "cust-1", march)
	if err != nil {
		t.Fatalf("invoice: %v", err)
	}
	if !inv.TotalAmount.Equal(dec("585.60")) || !inv.InvoiceAmount.Equal(dec("468.48")) {
		t.Fatalf("invoice mismatch: total=%s invoice=%s", inv.TotalAmount, inv.InvoiceAmount)
	}

	// A rerun is idempotent: same balances and the pending invoice is updated in place.
	again, err := f.runner.Run(ctx, march, nil, "test")
	if err != nil || again.Status != batch.StatusSucceeded {
		t.Fatalf("rerun mismatch: status=%v err=%v", again, err)
	}
	c1Again, _ := f.records.Get(ctx, "c1", march)
	if !c1Again.CurrentBalance.Equal(c1.CurrentBalance) || c1Again.Version <= c1.Version {
		t.Fatalf("rerun record mismatch: balance=%s version=%d prev=%d", c1Again.CurrentBalance, c1Again.Version, c1.Version)
	}
	list, _ := f.invoices.ListByCustomer(ctx, "cust-1")
	if len(list) != 1 {
		t.Fatalf("invoice count mismatch: got=%d want=1", len(list))
	}
}

func TestRunner_FailedGeneratorSkipsDependents(t *testing.T) {
	sites := append(sharedGeneratorSites(),
		ledger.Installation{ID: "c3", Number: "1003", Kind: ledger.KindConsumer, CustomerID: "cust-3", DistributorID: "d1"})
	f := newRunnerFixture(t, sites...)
	f.share(t)
	march := ledger.MustParsePeriod("03/2025")
	// Transferred above generation is rejected by the ledger.
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1200"), Transferred: nkwh("1500")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: march, Consumption: nkwh("800")})
	f.upload(t, ledger.Reading{InstallationID: "c3", Period: march, Consumption: nkwh("100")})
	f.clock.now = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

	report, err := f.runner.Run(context.Background(), march, nil, "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != batch.StatusPartial {
		t.Fatalf("status mismatch: got=%s want=%s", report.Status, batch.StatusPartial)
	}
	kinds := make(map[string]batch.ErrorKind)
	for _, failure := range report.Failures {
		kinds[string(failure.Stage)+":"+failure.Subject] = failure.Kind
	}
	wantKinds := map[string]batch.ErrorKind{
		"generator:g1":   batch.KindValidation,
		"consumer:c1":    batch.KindDependencyFailed,
		"consumer:c2":    batch.KindDependencyFailed,
		"invoice:cust-1": batch.KindDependencyFailed,
		"invoice:cust-2": batch.KindDependencyFailed,
	}
	for key, want := range wantKinds {
		if kinds[key] != want {
			t.Fatalf("%s kind mismatch: got=%q want=%q", key, kinds[key], want)
		}
	}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("failure count mismatch: got=%v", kinds)
	}
	if report.Counts.Succeeded != 2 {
		t.Fatalf("independent units mismatch: got=%d want=2", report.Counts.Succeeded)
	}
	if _, err := f.records.Get(context.Background(), "g1", march); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("failed generator left a record: %v", err)
	}
	if _, err := f.invoices.FindByCustomerMonth(context.Background(), "cust-3", march); err != nil {
		t.Fatalf("independent invoice missing: %v", err)
	}
}

func TestRunner_CanceledBeforeStart(t *testing.T) {
	f := newRunnerFixture(t, sharedGeneratorSites()...)
	f.share(t)
	march := ledger.MustParsePeriod("03/2025")
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1200"), Transferred: nkwh("1000")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.runner.Run(ctx, march, nil, "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != batch.StatusCanceled {
		t.Fatalf("status mismatch: got=%s want=%s", report.Status, batch.StatusCanceled)
	}
	if report.Counts.Succeeded != 0 || report.Counts.Canceled != report.Counts.Total {
		t.Fatalf("counts mismatch: got=%+v", report.Counts)
	}
	stored, err := f.runner.Get(context.Background(), report.ID)
	if err != nil || stored.Status != batch.StatusCanceled {
		t.Fatalf("stored report mismatch: %+v err=%v", stored, err)
	}
}

func TestRunner_SynthesizesTargetedConsumer(t *testing.T) {
	f := newRunnerFixture(t,
		ledger.Installation{ID: "g1", Kind: ledger.KindGenerator, DistributorID: "d1"},
		ledger.Installation{ID: "c1", Kind: ledger.KindConsumer, DistributorID: "d1"},
		ledger.Installation{ID: "c2", Kind: ledger.KindConsumer, DistributorID: "d1"},
	)
	f.share(t)
	march := ledger.MustParsePeriod("03/2025")
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1000"), Transferred: nkwh("1000")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: march, Consumption: nkwh("100")})

	report, err := f.runner.Run(context.Background(), march, []string{"g1"}, "test")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != batch.StatusSucceeded || report.Counts.Total != 3 {
		t.Fatalf("report mismatch: status=%s counts=%+v", report.Status, report.Counts)
	}
	c2, err := f.records.Get(context.Background(), "c2", march)
	if err != nil {
		t.Fatalf("synthesized record: %v", err)
	}
	if !c2.Received.Equal(dec("400")) || !c2.Compensation.IsZero() || !c2.CurrentBalance.Equal(dec("400")) {
		t.Fatalf("c2 mismatch: received=%s compensation=%s balance=%s", c2.Received, c2.Compensation, c2.CurrentBalance)
	}
}

func TestRunner_SubmitDrainsQueue(t *testing.T) {
	f := newRunnerFixture(t, sharedGeneratorSites()...)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.runner.Start(ctx)

	ids, err := f.runner.Submit(ctx, []ledger.Period{
		ledger.MustParsePeriod("04/2025"),
		ledger.MustParsePeriod("03/2025"),
		ledger.MustParsePeriod("04/2025"),
	}, nil, "upload")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("id count mismatch: got=%d want=2", len(ids))
	}

	deadline := time.Now().Add(2 * time.Second)
	for _, id := range ids {
		for {
			report, err := f.runner.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("get %s: %v", id, err)
			}
			if report.Status.IsFinal() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("run %s not finished: status=%s", id, report.Status)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
	first, _ := f.runner.Get(context.Background(), ids[0])
	if first.Month != ledger.MustParsePeriod("03/2025") {
		t.Fatalf("order mismatch: got=%s want=03/2025", first.Month)
	}
	if _, err := f.runner.Submit(ctx, nil, nil, "upload"); err == nil || !strings.Contains(err.Error(), "month") {
		t.Fatalf("empty submit error mismatch: got=%v", err)
	}
}

func TestRunner_CorrectionReplaysLaterMonths(t *testing.T) {
	f := newRunnerFixture(t, sharedGeneratorSites()...)
	f.share(t)
	ctx := context.Background()
	march := ledger.MustParsePeriod("03/2025")
	april := ledger.MustParsePeriod("04/2025")
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1000"), Transferred: nkwh("1000")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: march, Consumption: nkwh("600")})
	f.upload(t, ledger.Reading{InstallationID: "c2", Period: march, Consumption: nkwh("0")})
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: april, Generation: nkwh("1000"), Transferred: nkwh("1000")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: april, Consumption: nkwh("600")})
	f.upload(t, ledger.Reading{InstallationID: "c2", Period: april, Consumption: nkwh("300")})
	f.clock.now = time.Date(2025, time.May, 2, 9, 0, 0, 0, time.UTC)

	first, err := f.runner.RunRange(ctx, []ledger.Period{april, march}, nil, "test")
	if err != nil {
		t.Fatalf("run range: %v", err)
	}
	if len(first) != 2 || first[0].Month != march || first[1].Month != april {
		t.Fatalf("range order mismatch: got=%+v", first)
	}
	before, _ := f.records.Get(ctx, "c2", april)
	if !before.PreviousBalance.Equal(dec("400")) || !before.CurrentBalance.Equal(dec("500")) {
		t.Fatalf("c2 april before correction: previous=%s current=%s", before.PreviousBalance, before.CurrentBalance)
	}

	// corrected March generation
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1500"), Transferred: nkwh("1500")})
	replay, err := f.runner.RunRange(ctx, []ledger.Period{march, april}, []string{"g1"}, "upload:fix")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	for _, report := range replay {
		if report.Status != batch.StatusSucceeded {
			t.Fatalf("replay %s status mismatch: got=%s failures=%+v", report.Month, report.Status, report.Failures)
		}
	}

	want := []struct {
		id       string
		month    ledger.Period
		previous string
		current  string
	}{
		{"c1", march, "0", "300"},
		{"c2", march, "0", "600"},
		{"c1", april, "300", "300"},
		{"c2", april, "600", "700"},
	}
	for _, w := range want {
		record, err := f.records.Get(ctx, w.id, w.month)
		if err != nil {
			t.Fatalf("%s %s record: %v", w.id, w.month, err)
		}
		if !record.PreviousBalance.Equal(dec(w.previous)) || !record.CurrentBalance.Equal(dec(w.current)) {
			t.Fatalf("%s %s balance mismatch: previous=%s current=%s want previous=%s current=%s",
				w.id, w.month, record.PreviousBalance, record.CurrentBalance, w.previous, w.current)
		}
		if !record.Completed {
			t.Fatalf("%s %s not completed after replay", w.id, w.month)
		}
	}
	after, _ := f.records.Get(ctx, "c2", april)
	if after.Version <= before.Version {
		t.Fatalf("c2 april version mismatch: got=%d prev=%d", after.Version, before.Version)
	}
	gen, _ := f.records.Get(ctx, "g1", march)
	if !gen.Allocated.Equal(dec("1500")) || !gen.CurrentBalance.IsZero() {
		t.Fatalf("generator march mismatch: allocated=%s balance=%s", gen.Allocated, gen.CurrentBalance)
	}

	if _, err := f.runner.RunRange(ctx, nil, nil, "test"); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("empty range error mismatch: got=%v", err)
	}
}

type failingFinalRuns struct {
	batch.RunRepository
}

func (r failingFinalRuns) Save(ctx context.Context, report *batch.RunReport) error {
	if report.Status.IsFinal() {
		return errors.New("runs store unavailable")
	}
	return r.RunRepository.Save(ctx, report)
}

func TestRunner_QueueFullLogsSaveError(t *testing.T) {
	f := newRunnerFixture(t, sharedGeneratorSites()...)
	var buf bytes.Buffer
	deps := f.runner.deps
	deps.Runs = failingFinalRuns{RunRepository: batchmemory.NewRunRepository()}
	deps.Logger = log.New(&buf, "", 0)
	runner, err := NewRunner(deps, Config{Workers: 1, QueueSize: 1})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	ctx := context.Background()

	if _, err := runner.Submit(ctx, []ledger.Period{ledger.MustParsePeriod("03/2025")}, nil, "test"); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err = runner.Submit(ctx, []ledger.Period{ledger.MustParsePeriod("04/2025")}, nil, "test")
	if !errors.Is(err, batch.ErrQueueFull) {
		t.Fatalf("queue full error mismatch: got=%v", err)
	}
	if !strings.Contains(buf.String(), "batch run save error") || !strings.Contains(buf.String(), "runs store unavailable") {
		t.Fatalf("save error not logged: %q", buf.String())
	}
}

func TestRunner_RetainedCreditKeepsGeneratorVintage(t *testing.T) {
	f := newRunnerFixture(t, sharedGeneratorSites()...)
	if _, err := f.allocations.Replace(context.Background(), audit.Actor{ID: "admin"}, "g1", []allocation.Allocation{
		{ConsumerID: "c1", Quota: dec("50")},
	}); err != nil {
		t.Fatalf("replace allocations: %v", err)
	}
	ctx := context.Background()
	march := ledger.MustParsePeriod("03/2025")
	april := ledger.MustParsePeriod("04/2025")
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: march, Generation: nkwh("1000"), Transferred: nkwh("1000")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: march, Consumption: nkwh("0")})
	f.upload(t, ledger.Reading{InstallationID: "g1", Period: april, Generation: nkwh("0"), Transferred: nkwh("0")})
	f.upload(t, ledger.Reading{InstallationID: "c1", Period: april, Consumption: nkwh("0")})
	f.clock.now = time.Date(2025, time.May, 2, 9, 0, 0, 0, time.UTC)

	reports, err := f.runner.RunRange(ctx, []ledger.Period{march, april}, nil, "test")
	if err != nil {
		t.Fatalf("run range: %v", err)
	}
	for _, report := range reports {
		if report.Status != batch.StatusSucceeded {
			t.Fatalf("%s status mismatch: got=%s failures=%+v", report.Month, report.Status, report.Failures)
		}
	}

	split, err := f.allocations.Result(ctx, "g1", april)
	if err != nil {
		t.Fatalf("april split: %v", err)
	}
	if len(split.Lines) != 1 || len(split.Lines[0].Vintages) != 1 || split.Lines[0].Vintages[0].Period != march {
		t.Fatalf("april split vintages mismatch: got=%+v", split.Lines)
	}

	c1, err := f.records.Get(ctx, "c1", april)
	if err != nil {
		t.Fatalf("c1 april record: %v", err)
	}
	if !c1.Received.Equal(dec("250")) || !c1.CurrentBalance.Equal(dec("750")) {
		t.Fatalf("c1 april mismatch: received=%s balance=%s", c1.Received, c1.CurrentBalance)
	}
	if len(c1.Vintages) != 1 || c1.Vintages[0].Period != march || !c1.Vintages[0].Remaining.Equal(dec("750")) {
		t.Fatalf("c1 vintages mismatch: got=%+v", c1.Vintages)
	}
	if c1.ExpiringBalancePeriod != ledger.MustParsePeriod("03/2030") {
		t.Fatalf("expiring period mismatch: got=%s want=03/2030", c1.ExpiringBalancePeriod)
	}
}
