package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	allocationapp "solarshare/internal/allocation/application"
	batch "solarshare/internal/batch/domain"
	invoiceapp "solarshare/internal/billing/application"
	"solarshare/internal/eventing"
	ledgerapp "solarshare/internal/ledger/application"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
	"solarshare/internal/txn"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config tunes the runner.
type Config struct {
	Workers   int
	QueueSize int
}

// Dependencies groups the collaborators of the runner.
type Dependencies struct {
	Installations ledger.InstallationRepository
	Readings      ledger.ReadingRepository
	Ledger        *ledgerapp.LedgerService
	Allocations   *allocationapp.Service
	Invoices      *invoiceapp.InvoiceService
	Runs          batch.RunRepository
	Tx            txn.Manager
	Locks         *txn.KeyedLocker
	Bus           eventing.EventBus
	Clock         Clock
	Logger        *log.Logger
}

type queuedRun struct {
	reports []*batch.RunReport
}

// Runner executes the monthly pipeline: generator units, then consumer units, then
// customer invoice units. Units of one stage run in parallel.
type Runner struct {
	deps    Dependencies
	workers int
	queue   chan queuedRun
}

// NewRunner constructs a runner. Bus, clock and logger are optional.
func NewRunner(deps Dependencies, cfg Config) (*Runner, error) {
	if deps.Installations == nil {
		return nil, errors.New("batch runner: nil installation repo")
	}
	if deps.Readings == nil {
		return nil, errors.New("batch runner: nil reading repo")
	}
	if deps.Ledger == nil {
		return nil, errors.New("batch runner: nil ledger service")
	}
	if deps.Allocations == nil {
		return nil, errors.New("batch runner: nil allocation service")
	}
	if deps.Invoices == nil {
		return nil, errors.New("batch runner: nil invoice service")
	}
	if deps.Runs == nil {
		return nil, errors.New("batch runner: nil run repo")
	}
	if deps.Tx == nil {
		return nil, errors.New("batch runner: nil txn manager")
	}
	if deps.Locks == nil {
		deps.Locks = txn.NewKeyedLocker()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Runner{
		deps:    deps,
		workers: cfg.Workers,
		queue:   make(chan queuedRun, cfg.QueueSize),
	}, nil
}

// Start drains the submit queue one run at a time until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-r.queue:
			for _, report := range job.reports {
				if _, err := r.execute(ctx, report); err != nil {
					r.deps.Logger.Printf("batch run error: run_id=%s month=%s err=%v", report.ID, report.Month, err)
				}
			}
		}
	}
}

// Submit queues runs for months, oldest first, and returns their ids immediately.
func (r *Runner) Submit(ctx context.Context, months []ledger.Period, subjects []string, trigger string) ([]string, error) {
	months = sortedMonths(months)
	if len(months) == 0 {
		return nil, ledger.NewValidationError("month", "at least one month required")
	}
	reports := make([]*batch.RunReport, 0, len(months))
	ids := make([]string, 0, len(months))
	for _, month := range months {
		report := batch.NewRunReport(uuid.NewString(), month, trigger, subjects, r.deps.Clock.Now())
		if err := r.deps.Runs.Save(ctx, report); err != nil {
			return nil, err
		}
		reports = append(reports, report)
		ids = append(ids, report.ID)
	}
	select {
	case r.queue <- queuedRun{reports: reports}:
	default:
		for _, report := range reports {
			report.Finish(true, r.deps.Clock.Now())
			if err := r.deps.Runs.Save(ctx, report); err != nil {
				r.deps.Logger.Printf("batch run save error: run_id=%s month=%s err=%v", report.ID, report.Month, err)
			}
		}
		return nil, batch.ErrQueueFull
	}
	r.deps.Logger.Printf("batch runs queued: trigger=%s months=%d first=%s", trigger, len(months), months[0])
	return ids, nil
}

// Run executes one month synchronously.
func (r *Runner) Run(ctx context.Context, month ledger.Period, subjects []string, trigger string) (*batch.RunReport, error) {
	if month.IsZero() {
		return nil, ledger.NewValidationError("month", "required")
	}
	report := batch.NewRunReport(uuid.NewString(), month, trigger, subjects, r.deps.Clock.Now())
	if err := r.deps.Runs.Save(ctx, report); err != nil {
		return nil, err
	}
	return r.execute(ctx, report)
}

// RunRange executes months synchronously, oldest first, stopping early on cancel.
// Reports of the months already run are returned with the error.
func (r *Runner) RunRange(ctx context.Context, months []ledger.Period, subjects []string, trigger string) ([]*batch.RunReport, error) {
	months = sortedMonths(months)
	if len(months) == 0 {
		return nil, ledger.NewValidationError("month", "at least one month required")
	}
	var out []*batch.RunReport
	for _, month := range months {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		report, err := r.Run(ctx, month, subjects, trigger)
		if err != nil {
			return out, err
		}
		out = append(out, report)
	}
	return out, nil
}

// Get returns a stored run report.
func (r *Runner) Get(ctx context.Context, id string) (*batch.RunReport, error) {
	return r.deps.Runs.Get(ctx, id)
}

// ListByMonth returns the reports of every run for month.
func (r *Runner) ListByMonth(ctx context.Context, month ledger.Period) ([]*batch.RunReport, error) {
	if month.IsZero() {
		return nil, ledger.NewValidationError("month", "required")
	}
	return r.deps.Runs.ListByMonth(ctx, month)
}

func (r *Runner) execute(ctx context.Context, report *batch.RunReport) (*batch.RunReport, error) {
	start := time.Now()
	report.Status = batch.StatusRunning
	report.StartedAt = r.deps.Clock.Now()
	if err := r.deps.Runs.Save(ctx, report); err != nil {
		return nil, err
	}

	p, err := r.plan(ctx, report.Month, report.Subjects)
	if err != nil {
		report.Record(batch.UnitResult{Stage: batch.StageGenerator, Subject: "plan", Err: err})
		return r.finish(ctx, report, false, start)
	}

	failed := make(map[string]bool)
	units := []struct {
		stage batch.Stage
		list  []unit
	}{
		{batch.StageGenerator, r.generatorUnits(p, report.Month)},
		{batch.StageConsumer, r.consumerUnits(p, report.Month)},
		{batch.StageInvoice, r.invoiceUnits(p, report.Month)},
	}
	for _, stage := range units {
		for _, res := range r.runStage(ctx, report, stage.stage, stage.list, failed) {
			report.Record(res)
			if res.Err != nil {
				failed[unitKey(stage.stage, res.Subject)] = true
			}
		}
	}
	return r.finish(ctx, report, ctx.Err() != nil, start)
}

func (r *Runner) finish(ctx context.Context, report *batch.RunReport, canceled bool, start time.Time) (*batch.RunReport, error) {
	report.Finish(canceled, r.deps.Clock.Now())
	saveCtx := context.WithoutCancel(ctx)
	if err := r.deps.Runs.Save(saveCtx, report); err != nil {
		return nil, err
	}
	metrics.ObserveBatchRun(string(report.Status), time.Since(start))
	r.deps.Logger.Printf("batch run finished: run_id=%s month=%s status=%s total=%d succeeded=%d failed=%d canceled=%d",
		report.ID, report.Month, report.Status, report.Counts.Total, report.Counts.Succeeded, report.Counts.Failed, report.Counts.Canceled)
	r.publish(saveCtx, batch.RunCompleted{
		RunID:      report.ID,
		Period:     report.Month,
		Status:     report.Status,
		Counts:     report.Counts,
		Failures:   append([]batch.Failure(nil), report.Failures...),
		OccurredAt: report.FinishedAt,
	})
	return report.Clone(), nil
}

// unit is one installation or customer step. deps name subjects of earlier stages.
type unit struct {
	subject string
	deps    []string
	run     func(ctx context.Context) (string, error)
}

func (r *Runner) runStage(ctx context.Context, report *batch.RunReport, stage batch.Stage, units []unit, failed map[string]bool) []batch.UnitResult {
	results := make([]batch.UnitResult, len(units))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, u := range units {
		i, u := i, u
		if ctx.Err() != nil {
			results[i] = batch.UnitResult{Stage: stage, Subject: u.subject, Err: batch.ErrCanceled}
			continue
		}
		if dep := firstFailed(u.deps, failed); dep != "" {
			results[i] = batch.UnitResult{Stage: stage, Subject: u.subject, Err: fmt.Errorf("%w: %s", batch.ErrDependencyFailed, dep)}
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = batch.UnitResult{Stage: stage, Subject: u.subject, Err: batch.ErrCanceled}
				return nil
			}
			detail, err := u.run(context.WithoutCancel(ctx))
			results[i] = batch.UnitResult{Stage: stage, Subject: u.subject, Err: err, Detail: detail}
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		r.report(ctx, report, res)
	}
	return results
}

func (r *Runner) report(ctx context.Context, report *batch.RunReport, res batch.UnitResult) {
	kind := batch.Classify(res.Err)
	outcome := metrics.ResultSuccess
	if res.Err != nil {
		outcome = string(kind)
		r.deps.Logger.Printf("batch unit: event=unit_failed run_id=%s unit=%s subject=%s month=%s kind=%s error=%v",
			report.ID, res.Stage, res.Subject, report.Month, kind, res.Err)
	} else {
		r.deps.Logger.Printf("batch unit: event=unit_done run_id=%s unit=%s subject=%s month=%s %s",
			report.ID, res.Stage, res.Subject, report.Month, res.Detail)
	}
	metrics.IncBatchUnit(string(res.Stage), outcome)

	event := batch.UnitProcessed{
		RunID:      report.ID,
		Stage:      res.Stage,
		SubjectID:  res.Subject,
		Period:     report.Month,
		Succeeded:  res.Err == nil,
		Kind:       kind,
		Detail:     res.Detail,
		OccurredAt: r.deps.Clock.Now(),
	}
	if res.Err != nil {
		event.Error = res.Err.Error()
	}
	r.publish(context.WithoutCancel(ctx), event)
}

func (r *Runner) publish(ctx context.Context, event any) {
	if r.deps.Bus == nil {
		return
	}
	if err := r.deps.Bus.Publish(ctx, event); err != nil {
		r.deps.Logger.Printf("batch event error: type=%T err=%v", event, err)
	}
}

func unitKey(stage batch.Stage, subject string) string {
	return string(stage) + ":" + subject
}

func firstFailed(deps []string, failed map[string]bool) string {
	for _, dep := range deps {
		if failed[dep] {
			return dep
		}
	}
	return ""
}

func sortedMonths(months []ledger.Period) []ledger.Period {
	seen := make(map[ledger.Period]struct{}, len(months))
	out := make([]ledger.Period, 0, len(months))
	for _, m := range months {
		if m.IsZero() {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

