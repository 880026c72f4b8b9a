package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"solarshare/internal/audit"
	billing "solarshare/internal/billing/domain"
	ledger "solarshare/internal/ledger/domain"
	"solarshare/internal/observability/metrics"
	"solarshare/internal/txn"
)

// Draft outcomes.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
)

const defaultCurrency = "BRL"

// RateProvider resolves the distributor price per kWh for a billing period.
type RateProvider interface {
	RateAt(ctx context.Context, distributorID string, period ledger.Period) (decimal.Decimal, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Config holds invoice defaults.
type Config struct {
	Currency string
	DueDay   int
}

// DraftResult reports what Draft did with the customer month.
type DraftResult struct {
	Invoice *billing.Invoice
	Outcome string
}

// InvoiceService drafts invoices from completed consumer records and drives their status.
type InvoiceService struct {
	invoices      billing.InvoiceRepository
	customers     billing.CustomerRepository
	installations ledger.InstallationRepository
	records       ledger.RecordRepository
	rates         RateProvider
	tx            txn.Manager
	audit         audit.Logger
	clock         Clock
	logger        *log.Logger
	cfg           Config
}

// NewInvoiceService constructs the service. The audit logger is optional.
func NewInvoiceService(
	invoices billing.InvoiceRepository,
	customers billing.CustomerRepository,
	installations ledger.InstallationRepository,
	records ledger.RecordRepository,
	rates RateProvider,
	tx txn.Manager,
	auditLogger audit.Logger,
	clock Clock,
	logger *log.Logger,
	cfg Config,
) (*InvoiceService, error) {
	if invoices == nil {
		return nil, errors.New("invoice service: nil invoice repo")
	}
	if customers == nil {
		return nil, errors.New("invoice service: nil customer repo")
	}
	if installations == nil {
		return nil, errors.New("invoice service: nil installation repo")
	}
	if records == nil {
		return nil, errors.New("invoice service: nil record repo")
	}
	if rates == nil {
		return nil, errors.New("invoice service: nil rate provider")
	}
	if tx == nil {
		return nil, errors.New("invoice service: nil txn manager")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.DueDay <= 0 {
		cfg.DueDay = 10
	}
	return &InvoiceService{
		invoices:      invoices,
		customers:     customers,
		installations: installations,
		records:       records,
		rates:         rates,
		tx:            tx,
		audit:         auditLogger,
		clock:         clock,
		logger:        logger,
		cfg:           cfg,
	}, nil
}

// Compute prices the completed consumer records of a customer month without saving.
func (s *InvoiceService) Compute(ctx context.Context, customerID string, period ledger.Period) (billing.InvoiceAmounts, error) {
	customer, err := s.customers.Get(ctx, customerID)
	if err != nil {
		return billing.InvoiceAmounts{}, err
	}
	installations, err := s.installations.ListByCustomer(ctx, customerID)
	if err != nil {
		return billing.InvoiceAmounts{}, err
	}

	rateByDistributor := make(map[string]decimal.Decimal)
	rated := make([]billing.RatedRecord, 0, len(installations))
	for _, inst := range installations {
		if !inst.IsConsumer() {
			continue
		}
		record, err := s.records.Get(ctx, inst.ID, period)
		if errors.Is(err, ledger.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return billing.InvoiceAmounts{}, err
		}
		if !record.Completed {
			continue
		}
		rate, ok := rateByDistributor[inst.DistributorID]
		if !ok {
			rate, err = s.rates.RateAt(ctx, inst.DistributorID, period)
			if err != nil {
				return billing.InvoiceAmounts{}, fmt.Errorf("rate for %s: %w", inst.ID, err)
			}
			rateByDistributor[inst.DistributorID] = rate
		}
		rated = append(rated, billing.RatedRecord{
			BillableRecord: billing.BillableRecord{Installation: inst, Record: record},
			Rate:           rate,
		})
	}
	return billing.ComputeInvoiceLines(customer, rated, customer.Discount)
}

// Draft creates the customer month invoice or recomputes it while still PENDING.
// Invoices past PENDING are left untouched and reported as skipped.
func (s *InvoiceService) Draft(ctx context.Context, customerID string, period ledger.Period) (DraftResult, error) {
	start := time.Now()
	var out DraftResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		amounts, err := s.Compute(ctx, customerID, period)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		due := billing.DueDateFor(period, s.cfg.DueDay)

		existing, err := s.invoices.FindByCustomerMonth(ctx, customerID, period)
		switch {
		case errors.Is(err, billing.ErrInvoiceNotFound):
			inv, err := billing.NewDraft(uuid.NewString(), customerID, s.cfg.Currency, amounts, due, now)
			if err != nil {
				return err
			}
			if err := s.invoices.Save(ctx, inv); err != nil {
				return err
			}
			out = DraftResult{Invoice: inv, Outcome: OutcomeCreated}
			return nil
		case err != nil:
			return err
		}

		if existing.Status != billing.StatusPending {
			out = DraftResult{Invoice: existing, Outcome: OutcomeSkipped}
			return nil
		}
		if err := existing.Recompute(amounts, due, now); err != nil {
			return err
		}
		if err := s.invoices.Save(ctx, existing); err != nil {
			return err
		}
		out = DraftResult{Invoice: existing, Outcome: OutcomeUpdated}
		return nil
	})
	metrics.ObserveInvoiceCompute(metrics.ResultOf(err), time.Since(start))
	if err != nil {
		return DraftResult{}, fmt.Errorf("draft invoice %s %s: %w", customerID, period, err)
	}
	s.logger.Printf("invoice drafted: customer=%s month=%s invoice=%s outcome=%s amount=%s",
		customerID, period, out.Invoice.ID, out.Outcome, out.Invoice.InvoiceAmount.StringFixed(2))
	return out, nil
}

// Transition moves an invoice through its status machine and audits the change.
func (s *InvoiceService) Transition(ctx context.Context, actor audit.Actor, id string, to billing.Status) (*billing.Invoice, error) {
	var out *billing.Invoice
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inv, err := s.invoices.Get(ctx, id)
		if err != nil {
			return err
		}
		from := inv.Status
		if from == to {
			out = inv
			return nil
		}
		now := s.clock.Now()
		if err := inv.Transition(to, now); err != nil {
			return err
		}
		if err := s.invoices.Save(ctx, inv); err != nil {
			return err
		}
		if s.audit != nil {
			entry := actor.Entry(audit.ActionInvoiceTransition, "invoice", inv.ID,
				map[string]string{"from": string(from), "to": string(to)}, now)
			if err := s.audit.Log(ctx, entry); err != nil {
				return err
			}
		}
		out = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkOverdue moves every open invoice past its due date to OVERDUE.
func (s *InvoiceService) MarkOverdue(ctx context.Context, actor audit.Actor) (int, error) {
	now := s.clock.Now()
	list, err := s.invoices.ListByStatus(ctx, billing.StatusPending, billing.StatusNotified, billing.StatusProcessing)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, inv := range list {
		if !inv.IsOverdueAt(now) {
			continue
		}
		if _, err := s.Transition(ctx, actor, inv.ID, billing.StatusOverdue); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		s.logger.Printf("invoices overdue: count=%d", count)
	}
	return count, nil
}

// Get returns one invoice.
func (s *InvoiceService) Get(ctx context.Context, id string) (*billing.Invoice, error) {
	if id == "" {
		return nil, ledger.NewValidationError("invoice_id", "required")
	}
	return s.invoices.Get(ctx, id)
}

// List returns invoices filtered by customer and/or month, oldest month first.
func (s *InvoiceService) List(ctx context.Context, customerID string, period ledger.Period) ([]*billing.Invoice, error) {
	var (
		list []*billing.Invoice
		err  error
	)
	switch {
	case customerID != "":
		list, err = s.invoices.ListByCustomer(ctx, customerID)
	case !period.IsZero():
		list, err = s.invoices.ListByPeriod(ctx, period, period)
	default:
		return nil, ledger.NewValidationError("customer_id", "customer_id or month required")
	}
	if err != nil {
		return nil, err
	}
	out := list[:0:0]
	for _, inv := range list {
		if !period.IsZero() && inv.ReferenceMonth != period {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReferenceMonth != out[j].ReferenceMonth {
			return out[i].ReferenceMonth.Before(out[j].ReferenceMonth)
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	return out, nil
}

// Customer returns a customer.
func (s *InvoiceService) Customer(ctx context.Context, id string) (billing.Customer, error) {
	return s.customers.Get(ctx, id)
}
