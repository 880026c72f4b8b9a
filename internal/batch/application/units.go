package application

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	batch "solarshare/internal/batch/domain"
	ledger "solarshare/internal/ledger/domain"
)

// monthPlan is the set of units one run touches, already in dependency order.
type monthPlan struct {
	generators []ledger.Installation
	consumers  []ledger.Installation
	customers  []string
	// sources lists, per consumer, the generators of this run that feed it.
	sources map[string][]string
	// members lists, per customer, its consumers in this run.
	members map[string][]string
	// synthesized marks targeted consumers with no uploaded reading.
	synthesized map[string]bool
}

// plan resolves which installations and customers a run covers. With subjects the
// run is narrowed to them plus the consumers their generators feed.
func (r *Runner) plan(ctx context.Context, month ledger.Period, subjects []string) (monthPlan, error) {
	p := monthPlan{
		sources:     make(map[string][]string),
		members:     make(map[string][]string),
		synthesized: make(map[string]bool),
	}
	installations, err := r.deps.Installations.List(ctx)
	if err != nil {
		return p, err
	}
	readings, err := r.deps.Readings.ListByPeriod(ctx, month)
	if err != nil {
		return p, err
	}
	uploaded := make(map[string]bool, len(readings))
	for _, reading := range readings {
		uploaded[reading.InstallationID] = true
	}
	selected := make(map[string]bool, len(subjects))
	for _, id := range subjects {
		selected[id] = true
	}
	inScope := func(id string) bool { return len(selected) == 0 || selected[id] }

	targeted := make(map[string]bool)
	for _, inst := range installations {
		if !inst.IsGenerator() || inst.Retired || !uploaded[inst.ID] || !inScope(inst.ID) {
			continue
		}
		p.generators = append(p.generators, inst)
		recipients, err := r.deps.Allocations.Recipients(ctx, inst.ID, month)
		if err != nil {
			return p, err
		}
		for _, consumerID := range recipients {
			targeted[consumerID] = true
			p.sources[consumerID] = append(p.sources[consumerID], inst.ID)
		}
	}

	// Consumers fed by generators outside this run read their stored split.
	stored, err := r.deps.Allocations.TargetedConsumers(ctx, month)
	if err != nil {
		return p, err
	}

	for _, inst := range installations {
		if !inst.IsConsumer() || inst.Retired {
			continue
		}
		switch {
		case targeted[inst.ID]:
		case inScope(inst.ID) && uploaded[inst.ID]:
		case inScope(inst.ID) && len(selected) > 0 && len(stored[inst.ID]) > 0:
		default:
			continue
		}
		if !uploaded[inst.ID] {
			p.synthesized[inst.ID] = true
		}
		p.consumers = append(p.consumers, inst)
		if inst.CustomerID != "" {
			if _, ok := p.members[inst.CustomerID]; !ok {
				p.customers = append(p.customers, inst.CustomerID)
			}
			p.members[inst.CustomerID] = append(p.members[inst.CustomerID], inst.ID)
		}
	}
	sort.Strings(p.customers)
	return p, nil
}

func (r *Runner) generatorUnits(p monthPlan, month ledger.Period) []unit {
	out := make([]unit, 0, len(p.generators))
	for _, inst := range p.generators {
		inst := inst
		out = append(out, unit{
			subject: inst.ID,
			run:     func(ctx context.Context) (string, error) { return r.runGenerator(ctx, inst, month) },
		})
	}
	return out
}

func (r *Runner) consumerUnits(p monthPlan, month ledger.Period) []unit {
	out := make([]unit, 0, len(p.consumers))
	for _, inst := range p.consumers {
		inst := inst
		deps := make([]string, 0, len(p.sources[inst.ID]))
		for _, generatorID := range p.sources[inst.ID] {
			deps = append(deps, unitKey(batch.StageGenerator, generatorID))
		}
		synthesized := p.synthesized[inst.ID]
		out = append(out, unit{
			subject: inst.ID,
			deps:    deps,
			run:     func(ctx context.Context) (string, error) { return r.runConsumer(ctx, inst, month, synthesized) },
		})
	}
	return out
}

func (r *Runner) invoiceUnits(p monthPlan, month ledger.Period) []unit {
	out := make([]unit, 0, len(p.customers))
	for _, customerID := range p.customers {
		customerID := customerID
		deps := make([]string, 0, len(p.members[customerID]))
		for _, consumerID := range p.members[customerID] {
			deps = append(deps, unitKey(batch.StageConsumer, consumerID))
		}
		out = append(out, unit{
			subject: customerID,
			deps:    deps,
			run:     func(ctx context.Context) (string, error) { return r.runInvoice(ctx, customerID, month) },
		})
	}
	return out
}

// runGenerator ledgers the generator month, splits its balance and debits the split,
// all in one unit. The completion marker is set last.
func (r *Runner) runGenerator(ctx context.Context, inst ledger.Installation, month ledger.Period) (string, error) {
	unlock := r.deps.Locks.Lock("installation:" + inst.ID)
	defer unlock()

	var detail string
	err := r.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		reading, err := r.deps.Readings.Get(ctx, inst.ID, month)
		if err != nil {
			return err
		}
		posting, err := r.deps.Ledger.Post(ctx, inst, reading)
		if err != nil {
			return err
		}
		split, err := r.deps.Allocations.Allocate(ctx, inst.ID, month, posting.Record.CurrentBalance)
		if err != nil {
			return err
		}
		if err := r.deps.Ledger.Allocate(posting, split.TotalAllocated); err != nil {
			return err
		}
		if err := split.AttachVintages(posting.Drawn); err != nil {
			return err
		}
		if err := r.deps.Ledger.Commit(ctx, posting); err != nil {
			return err
		}
		if err := r.deps.Allocations.SaveResult(ctx, split); err != nil {
			return err
		}
		if err := r.deps.Ledger.Complete(ctx, inst.ID, month); err != nil {
			return err
		}
		detail = fmt.Sprintf("transferred=%s allocated=%s balance=%s",
			posting.Record.Transferred, split.TotalAllocated, posting.Record.CurrentBalance)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generator %s %s: %w", inst.ID, month, err)
	}
	return detail, nil
}

// runConsumer ledgers the consumer month with the credit generators allocated to it.
// A targeted consumer without an upload gets a zero-consumption reading so the
// credit is still banked.
func (r *Runner) runConsumer(ctx context.Context, inst ledger.Installation, month ledger.Period, synthesized bool) (string, error) {
	unlock := r.deps.Locks.Lock("installation:" + inst.ID)
	defer unlock()

	var detail string
	err := r.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		var reading ledger.Reading
		if synthesized {
			reading = ledger.Reading{
				InstallationID: inst.ID,
				Period:         month,
				Consumption:    decimal.NullDecimal{Decimal: decimal.Zero, Valid: true},
				UploadedAt:     r.deps.Clock.Now(),
			}
		} else {
			var err error
			reading, err = r.deps.Readings.Get(ctx, inst.ID, month)
			if err != nil {
				return err
			}
		}
		received, vintages, err := r.deps.Allocations.ReceivedCredit(ctx, inst.ID, month)
		if err != nil {
			return err
		}
		if received.Valid {
			reading.Received = received
			reading.ReceivedVintages = vintages
		}
		posting, err := r.deps.Ledger.Post(ctx, inst, reading)
		if err != nil {
			return err
		}
		if err := r.deps.Ledger.Commit(ctx, posting); err != nil {
			return err
		}
		if err := r.deps.Ledger.Complete(ctx, inst.ID, month); err != nil {
			return err
		}
		detail = fmt.Sprintf("received=%s compensation=%s balance=%s",
			posting.Record.Received, posting.Record.Compensation, posting.Record.CurrentBalance)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("consumer %s %s: %w", inst.ID, month, err)
	}
	return detail, nil
}

// runInvoice drafts the customer month invoice.
func (r *Runner) runInvoice(ctx context.Context, customerID string, month ledger.Period) (string, error) {
	unlock := r.deps.Locks.Lock("customer:" + customerID)
	defer unlock()

	var detail string
	err := r.deps.Tx.WithinTx(ctx, func(ctx context.Context) error {
		res, err := r.deps.Invoices.Draft(ctx, customerID, month)
		if err != nil {
			return err
		}
		detail = fmt.Sprintf("invoice=%s outcome=%s amount=%s", res.Invoice.ID, res.Outcome, res.Invoice.InvoiceAmount.StringFixed(2))
		return nil
	})
	if err != nil {
		return "", err
	}
	return detail, nil
}
